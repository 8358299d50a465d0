// Package structured turns conversations into schema-shaped objects through
// tool-calling chat models.
package structured

import (
	"fmt"
	"strings"
)

// FieldType is the closed set of value shapes a schema field may hold.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldList    FieldType = "list"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldString, FieldNumber, FieldBoolean, FieldList:
		return true
	}
	return false
}

// Field describes one property. List fields hold strings.
type Field struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Enum        []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
	Unique      bool      `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// Schema is a named, flat object shape offered to the model as a tool.
type Schema struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []Field `json:"fields" yaml:"fields"`
}

func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (s Schema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schema name is required")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("schema %s: field name is required", s.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema %s: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if !f.Type.Valid() {
			return fmt.Errorf("schema %s: field %q has unknown type %q", s.Name, f.Name, f.Type)
		}
	}
	return nil
}

// Parameters renders the schema as a JSON Schema object for tool definitions.
func (s Schema) Parameters() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Fields))
	required := []string{}
	for _, f := range s.Fields {
		props[f.Name] = fieldProperty(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return ObjectSchema(props, required...)
}

func fieldProperty(f Field) map[string]interface{} {
	switch f.Type {
	case FieldList:
		p := ArrayProperty(f.Description, StringProperty(""))
		if f.Unique {
			p["uniqueItems"] = true
		}
		return p
	case FieldNumber:
		return NumberProperty(f.Description)
	case FieldBoolean:
		return BooleanProperty(f.Description)
	default:
		if len(f.Enum) > 0 {
			return StringEnumProperty(f.Description, f.Enum...)
		}
		return StringProperty(f.Description)
	}
}

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func StringProperty(description string) map[string]interface{} {
	p := map[string]interface{}{"type": "string"}
	if description != "" {
		p["description"] = description
	}
	return p
}

func StringEnumProperty(description string, values ...string) map[string]interface{} {
	p := StringProperty(description)
	p["enum"] = values
	return p
}

func NumberProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "number",
		"description": description,
	}
}

func BooleanProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "boolean",
		"description": description,
	}
}

func ArrayProperty(description string, itemType map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": description,
		"items":       itemType,
	}
}
