package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/dotsetgreg/dotrag/pkg/config"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-6"
	defaultAnthropicMaxTokens = 4096
)

func init() {
	RegisterFactory(ProviderAnthropic, newAnthropicProviderFromConfig, validateAnthropicConfig)
}

func validateAnthropicConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Providers.Anthropic.APIKey) == "" {
		return fmt.Errorf("Anthropic API key is required (set providers.anthropic.api_key or DOTRAG_PROVIDERS_ANTHROPIC_API_KEY)")
	}
	return nil
}

type anthropicProvider struct {
	client *anthropic.Client
}

func newAnthropicProviderFromConfig(cfg *config.Config) (LLMProvider, error) {
	if err := validateAnthropicConfig(cfg); err != nil {
		return nil, err
	}
	var opts []anthropic.ClientOption
	if base := strings.TrimSpace(cfg.Providers.Anthropic.APIBase); base != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimRight(base, "/")))
	}
	return &anthropicProvider{
		client: anthropic.NewClient(strings.TrimSpace(cfg.Providers.Anthropic.APIKey), opts...),
	}, nil
}

func (p *anthropicProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = p.GetDefaultModel()
	}

	maxTokens := defaultAnthropicMaxTokens
	if v, ok := optionAsInt(options, "max_tokens"); ok && v > 0 {
		maxTokens = v
	}

	var system []string
	req := anthropic.MessagesRequest{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			req.Messages = append(req.Messages, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
			})
		default:
			req.Messages = append(req.Messages, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
			})
		}
	}
	req.System = strings.Join(system, "\n\n")

	if temperature, ok := optionAsFloat(options, "temperature"); ok {
		t := float32(temperature)
		req.Temperature = &t
	}
	if len(tools) > 0 {
		req.Tools = make([]anthropic.ToolDefinition, 0, len(tools))
		for _, t := range tools {
			req.Tools = append(req.Tools, anthropic.ToolDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				InputSchema: t.Function.Parameters,
			})
		}
		choice := "auto"
		if toolChoiceOption(options) == "required" {
			choice = "any"
		}
		req.ToolChoice = &anthropic.ToolChoice{Type: choice}
	}

	resp, err := p.client.CreateMessages(ctx, req)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	var text strings.Builder
	toolCalls := []ToolCall{}
	for _, c := range resp.Content {
		switch c.Type {
		case anthropic.MessagesContentTypeText:
			text.WriteString(c.GetText())
		case anthropic.MessagesContentTypeToolUse:
			if c.MessageContentToolUse == nil {
				continue
			}
			arguments := map[string]interface{}{}
			if len(c.MessageContentToolUse.Input) > 0 {
				if err := json.Unmarshal(c.MessageContentToolUse.Input, &arguments); err != nil {
					arguments["raw"] = string(c.MessageContentToolUse.Input)
				}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        c.MessageContentToolUse.ID,
				Type:      "function",
				Name:      c.MessageContentToolUse.Name,
				Arguments: arguments,
			})
		}
	}

	return &LLMResponse{
		Content:      text.String(),
		ToolCalls:    toolCalls,
		FinishReason: string(resp.StopReason),
		Usage: &UsageInfo{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (p *anthropicProvider) GetDefaultModel() string {
	return defaultAnthropicModel
}

func wrapAnthropicError(err error) error {
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{Provider: ProviderAnthropic, StatusCode: reqErr.StatusCode, Message: err.Error()}
	}
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusBadRequest
		switch string(apiErr.Type) {
		case "rate_limit_error":
			status = http.StatusTooManyRequests
		case "overloaded_error":
			status = 529
		case "api_error":
			status = http.StatusInternalServerError
		case "authentication_error":
			status = http.StatusUnauthorized
		case "permission_error":
			status = http.StatusForbidden
		case "not_found_error":
			status = http.StatusNotFound
		}
		return &APIError{Provider: ProviderAnthropic, StatusCode: status, Message: apiErr.Message}
	}
	return fmt.Errorf("send anthropic request: %w", err)
}
