package memory

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/structured"
)

const noteInstructions = "Extract all notes mentioned. Call Note once per-relationship. " +
	"Use parallel tool calling to handle updates & insertions simultaneously."

func listField(name, description string) config.FieldConfig {
	return config.FieldConfig{Name: name, Type: string(structured.FieldList), Description: description}
}

// DefaultMemoryTypeConfigs is the built-in User profile and Note journal.
func DefaultMemoryTypeConfigs() []config.MemoryTypeConfig {
	return []config.MemoryTypeConfig{
		{
			Name:        "User",
			Description: "Store all important information about a user.",
			UpdateMode:  string(ModePatch),
			Fields: []config.FieldConfig{
				{Name: "preferred_name", Type: string(structured.FieldString), Description: "The name the user wants to be called."},
				{Name: "current_age", Type: string(structured.FieldString)},
				listField("skills", "Various skills the user has."),
				listField("interests", "A list of the user's interests"),
				listField("conversation_preferences", "A list of the user's preferred conversation styles, pronouns, topics they want to avoid, etc."),
				listField("topics_discussed", "Unique topics the user has discussed"),
				listField("other_preferences", "Other preferences the user has expressed that informs how you should interact with them."),
				listField("relationships", "Store information about friends, family members, coworkers, and other important relationships the user has here. Include relevant information about them."),
			},
		},
		{
			Name:         "Note",
			Description:  "Save notable memories the user has shared with you for later recall and store contextual notes and memories about user interactions.",
			Instructions: noteInstructions,
			UpdateMode:   string(ModeInsert),
			Fields: []config.FieldConfig{
				{
					Name:        "context",
					Type:        string(structured.FieldString),
					Description: "The situation or circumstance where this memory may be relevant. Include any caveats or conditions that contextualize the memory.",
				},
				{
					Name:        "content",
					Type:        string(structured.FieldString),
					Description: "The specific information, preference, or event being remembered.",
				},
			},
		},
	}
}

// DefaultMemoryTypes returns the built-in specs.
func DefaultMemoryTypes() []MemoryTypeSpec {
	specs, err := SpecsFromConfig(DefaultMemoryTypeConfigs())
	if err != nil {
		panic(fmt.Sprintf("built-in memory types invalid: %v", err))
	}
	return specs
}

// SpecsFromConfig validates configured memory types. An empty input yields
// the built-in defaults.
func SpecsFromConfig(in []config.MemoryTypeConfig) ([]MemoryTypeSpec, error) {
	if len(in) == 0 {
		in = DefaultMemoryTypeConfigs()
	}

	seen := make(map[string]struct{}, len(in))
	out := make([]MemoryTypeSpec, 0, len(in))
	for _, mt := range in {
		name := strings.TrimSpace(mt.Name)
		if name == "" {
			return nil, fmt.Errorf("memory type name is required")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate memory type %q", name)
		}
		seen[name] = struct{}{}

		mode := UpdateMode(strings.ToLower(strings.TrimSpace(mt.UpdateMode)))
		if mode == "" {
			mode = ModePatch
		}
		if mode != ModePatch && mode != ModeInsert {
			return nil, fmt.Errorf("memory type %q: update_mode must be patch or insert, got %q", name, mt.UpdateMode)
		}

		schema := structured.Schema{Name: name, Description: mt.Description}
		for _, f := range mt.Fields {
			ft := structured.FieldType(strings.ToLower(strings.TrimSpace(f.Type)))
			if ft == "" {
				ft = structured.FieldString
			}
			field := structured.Field{
				Name:        strings.TrimSpace(f.Name),
				Type:        ft,
				Description: f.Description,
			}
			if ft == structured.FieldList {
				field.Unique = f.Unique == nil || *f.Unique
			}
			schema.Fields = append(schema.Fields, field)
		}
		if err := schema.Validate(); err != nil {
			return nil, fmt.Errorf("memory type %q: %w", name, err)
		}

		out = append(out, MemoryTypeSpec{
			Name:         name,
			Description:  mt.Description,
			Instructions: mt.Instructions,
			Mode:         mode,
			Schema:       schema,
		})
	}
	return out, nil
}

// CloneSpecs copies specs so a job snapshot cannot alias configuration.
func CloneSpecs(in []MemoryTypeSpec) []MemoryTypeSpec {
	out := make([]MemoryTypeSpec, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Schema.Fields = append([]structured.Field(nil), s.Schema.Fields...)
	}
	return out
}
