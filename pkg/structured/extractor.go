package structured

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/providers"
	"github.com/dotsetgreg/dotrag/pkg/utils"
)

// ErrNoExtraction is returned when exactly one object was required but the
// model produced none.
var ErrNoExtraction = errors.New("model produced no structured output")

// Extractor turns a message history into zero or more objects shaped by
// schema. Implementations must be safe for concurrent use.
type Extractor interface {
	Extract(ctx context.Context, messages []providers.Message, schema Schema, instructions string) ([]map[string]interface{}, error)
}

// ToolExtractor offers the schema as the only tool and forces the model to
// call it. Each call is one object, so parallel calls yield several.
type ToolExtractor struct {
	provider providers.LLMProvider
	model    string
	options  map[string]interface{}
	retry    utils.RetryPolicy
}

type Option func(*ToolExtractor)

func WithOptions(opts map[string]interface{}) Option {
	return func(e *ToolExtractor) {
		for k, v := range opts {
			e.options[k] = v
		}
	}
}

func WithRetry(policy utils.RetryPolicy) Option {
	return func(e *ToolExtractor) { e.retry = policy }
}

func NewToolExtractor(provider providers.LLMProvider, model string, opts ...Option) *ToolExtractor {
	e := &ToolExtractor{
		provider: provider,
		model:    model,
		options:  map[string]interface{}{},
		retry:    utils.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *ToolExtractor) Extract(ctx context.Context, messages []providers.Message, schema Schema, instructions string) ([]map[string]interface{}, error) {
	if e == nil || e.provider == nil {
		return nil, fmt.Errorf("extractor not initialized")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	prompt := make([]providers.Message, 0, len(messages)+1)
	if strings.TrimSpace(instructions) != "" {
		prompt = append(prompt, providers.Message{Role: "system", Content: instructions})
	}
	prompt = append(prompt, messages...)

	tools := []providers.ToolDefinition{{
		Type: "function",
		Function: providers.ToolFunctionDefinition{
			Name:        schema.Name,
			Description: schema.Description,
			Parameters:  schema.Parameters(),
		},
	}}
	options := make(map[string]interface{}, len(e.options)+1)
	for k, v := range e.options {
		options[k] = v
	}
	options["tool_choice"] = "required"

	var resp *providers.LLMResponse
	started := time.Now()
	err := utils.Retry(ctx, e.retry, func(ctx context.Context) error {
		var callErr error
		resp, callErr = e.provider.Chat(ctx, prompt, tools, e.model, options)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", schema.Name, err)
	}

	objects := collectToolObjects(resp, schema.Name)
	if len(objects) == 0 && len(resp.ToolCalls) == 0 {
		objects = parseLenientJSON(resp.Content)
	}
	logger.DebugCF("structured", "Extraction finished", map[string]interface{}{
		"schema":      schema.Name,
		"objects":     len(objects),
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return objects, nil
}

// ExtractOne requires exactly one object and returns the first one produced.
func ExtractOne(ctx context.Context, e Extractor, messages []providers.Message, schema Schema, instructions string) (map[string]interface{}, error) {
	objects, err := e.Extract(ctx, messages, schema, instructions)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%s: %w", schema.Name, ErrNoExtraction)
	}
	return objects[0], nil
}

func collectToolObjects(resp *providers.LLMResponse, name string) []map[string]interface{} {
	if resp == nil {
		return nil
	}
	out := []map[string]interface{}{}
	for _, tc := range resp.ToolCalls {
		if !strings.EqualFold(strings.TrimSpace(tc.Name), name) {
			continue
		}
		args := tc.Arguments
		if raw, ok := args["raw"].(string); ok && len(args) == 1 {
			out = append(out, parseLenientJSON(raw)...)
			continue
		}
		if args == nil {
			args = map[string]interface{}{}
		}
		out = append(out, args)
	}
	return out
}

// parseLenientJSON pulls a JSON object or array of objects out of free text,
// tolerating code fences and surrounding prose. Malformed input yields nil.
func parseLenientJSON(raw string) []map[string]interface{} {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	objStart := strings.Index(text, "{")
	arrStart := strings.Index(text, "[")

	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		end := strings.LastIndex(text, "]")
		if end > arrStart {
			var list []map[string]interface{}
			if err := json.Unmarshal([]byte(text[arrStart:end+1]), &list); err == nil {
				return list
			}
		}
	}
	if objStart >= 0 {
		end := strings.LastIndex(text, "}")
		if end > objStart {
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(text[objStart:end+1]), &obj); err == nil {
				return []map[string]interface{}{obj}
			}
		}
	}
	return nil
}
