package memory

import (
	"encoding/json"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/providers"
)

const (
	reflectInstruction = "Reflect on following interaction. Use the provided tools to retain any necessary memories about the user. " +
		"Use parallel tool calling to handle updates & insertions simultaneously."
	endOfConversation = "## End of conversation\n\n<memory-system>Reflect on the interaction above. What memories ought to be retained or updated?</memory-system>"
)

// prepareMessages wraps a conversation for memory extraction: the type's
// instructions and any existing record lead, a closing user turn asks the
// model to reflect on everything above it.
func prepareMessages(spec MemoryTypeSpec, messages []providers.Message, existing *Record) []providers.Message {
	var system strings.Builder
	system.WriteString(strings.TrimSpace(spec.Instructions))
	system.WriteString("\n<memory-system>")
	system.WriteString(reflectInstruction)
	system.WriteString("</memory-system>\n")
	if existing != nil && len(existing.Value) > 0 {
		if raw, err := json.Marshal(existing.Value); err == nil {
			system.WriteString("\n<existing-memory name=\"")
			system.WriteString(spec.Name)
			system.WriteString("\">\n")
			system.Write(raw)
			system.WriteString("\n</existing-memory>\n")
			system.WriteString("Return the full updated ")
			system.WriteString(spec.Name)
			system.WriteString(" record. Fields you leave empty keep their stored values.\n")
		}
	}

	out := make([]providers.Message, 0, len(messages)+2)
	out = append(out, providers.Message{Role: "system", Content: system.String()})
	for _, m := range messages {
		if m.Role == "system" || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	out = append(out, providers.Message{Role: "user", Content: endOfConversation})
	return out
}
