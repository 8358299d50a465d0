package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/providers"
	"github.com/dotsetgreg/dotrag/pkg/structured"
)

// Classification is the router's verdict with its reasoning.
type Classification struct {
	Category  Category `json:"type"`
	Rationale string   `json:"logic"`
}

// RouterSchema is the tool the classifier must call.
func RouterSchema() structured.Schema {
	enum := make([]string, 0, 3)
	for _, c := range Categories() {
		enum = append(enum, string(c))
	}
	return structured.Schema{
		Name:        "Router",
		Description: "Classify the user query.",
		Fields: []structured.Field{
			{Name: "logic", Type: structured.FieldString, Description: "Why the query belongs to this type.", Required: true},
			{Name: "type", Type: structured.FieldString, Description: "The query type.", Required: true, Enum: enum},
		},
	}
}

// Router classifies a conversation into the closed category set.
type Router struct {
	extractor structured.Extractor
}

func NewRouter(extractor structured.Extractor) *Router {
	return &Router{extractor: extractor}
}

func (r *Router) Classify(ctx context.Context, messages []providers.Message) (Classification, error) {
	if len(messages) == 0 {
		return Classification{}, ErrEmptyHistory
	}
	obj, err := structured.ExtractOne(ctx, r.extractor, messages, RouterSchema(), routerSystemPrompt)
	if err != nil {
		return Classification{}, fmt.Errorf("classify conversation: %w", err)
	}

	raw, _ := obj["type"].(string)
	category, err := ParseCategory(raw)
	if err != nil {
		return Classification{}, err
	}
	rationale, _ := obj["logic"].(string)
	out := Classification{Category: category, Rationale: strings.TrimSpace(rationale)}

	logger.DebugCF("agent", "Conversation classified", map[string]interface{}{
		"category": string(out.Category),
	})
	return out, nil
}
