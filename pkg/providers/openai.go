package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dotsetgreg/dotrag/pkg/config"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-5-mini"
)

func init() {
	RegisterFactory(ProviderOpenAI, newOpenAIProviderFromConfig, validateOpenAIConfig)
}

func validateOpenAIConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) == "" {
		return fmt.Errorf("OpenAI API key is required (set providers.openai.api_key or DOTRAG_PROVIDERS_OPENAI_API_KEY)")
	}
	return nil
}

// OpenAIClient builds a go-openai client from config. Embedders share it.
func OpenAIClient(cfg *config.Config) (*openai.Client, error) {
	if err := validateOpenAIConfig(cfg); err != nil {
		return nil, err
	}
	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.Providers.OpenAI.APIKey))
	if base := strings.TrimSpace(cfg.Providers.OpenAI.APIBase); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	} else {
		clientCfg.BaseURL = defaultOpenAIAPIBase
	}
	clientCfg.OrgID = strings.TrimSpace(cfg.Providers.OpenAI.Organization)
	return openai.NewClientWithConfig(clientCfg), nil
}

type openAIProvider struct {
	client *openai.Client
}

func newOpenAIProviderFromConfig(cfg *config.Config) (LLMProvider, error) {
	client, err := OpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	return &openAIProvider{client: client}, nil
}

func (p *openAIProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = p.GetDefaultModel()
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if len(tools) > 0 {
		req.Tools = make([]openai.Tool, 0, len(tools))
		for _, t := range tools {
			req.Tools = append(req.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Function.Name,
					Description: t.Function.Description,
					Parameters:  t.Function.Parameters,
				},
			})
		}
		req.ToolChoice = toolChoiceOption(options)
	}
	if maxTokens, ok := optionAsInt(options, "max_tokens"); ok {
		req.MaxTokens = maxTokens
	}
	if temperature, ok := optionAsFloat(options, "temperature"); ok {
		req.Temperature = float32(temperature)
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, WrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return &LLMResponse{Content: "", FinishReason: "stop"}, nil
	}

	choice := resp.Choices[0]
	toolCalls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		arguments := map[string]interface{}{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &arguments); err != nil {
				arguments["raw"] = tc.Function.Arguments
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Type:      string(tc.Type),
			Name:      tc.Function.Name,
			Arguments: arguments,
		})
	}

	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: string(choice.FinishReason),
		Usage: &UsageInfo{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *openAIProvider) GetDefaultModel() string {
	return defaultOpenAIModel
}

// WrapOpenAIError maps go-openai failures onto APIError.
func WrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			Provider:   ProviderOpenAI,
			StatusCode: apiErr.HTTPStatusCode,
			Message:    augmentProviderError(ProviderOpenAI, apiErr.Message),
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{
			Provider:   ProviderOpenAI,
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
		}
	}
	return fmt.Errorf("send openai request: %w", err)
}
