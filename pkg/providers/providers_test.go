package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dotsetgreg/dotrag/pkg/config"
)

func TestCreateProvider_OpenRouter_DefaultModel(t *testing.T) {
	var seenAuth string
	var seenPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["model"]; got != defaultOpenRouterModel {
			t.Errorf("expected default model %q, got %v", defaultOpenRouterModel, got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL

	provider, err := CreateProvider(cfg, ProviderOpenRouter)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "", nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected response content ok, got %q", resp.Content)
	}
	if seenAuth != "Bearer or-key" {
		t.Fatalf("expected openrouter auth bearer, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
}

func TestOpenRouter_RequiredToolChoiceAndToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["tool_choice"]; got != "required" {
			t.Errorf("expected tool_choice required, got %v", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [
						{"id": "call_1", "type": "function", "function": {"name": "Note", "arguments": "{\"content\":\"a\"}"}},
						{"id": "call_2", "type": "function", "function": {"name": "Note", "arguments": "{\"content\":\"b\"}"}}
					]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL

	provider, err := CreateProvider(cfg, ProviderOpenRouter)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "remember"}}, []ToolDefinition{{
		Type:     "function",
		Function: ToolFunctionDefinition{Name: "Note", Parameters: map[string]interface{}{"type": "object"}},
	}}, "openai/gpt-5-mini", map[string]interface{}{"tool_choice": "required"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 parallel tool calls, got %d", len(resp.ToolCalls))
	}
	if got := resp.ToolCalls[1].Arguments["content"]; got != "b" {
		t.Fatalf("expected second call content b, got %v", got)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("expected usage to be parsed, got %+v", resp.Usage)
	}
}

func TestOpenRouter_ServerErrorIsTemporaryAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL

	provider, err := CreateProvider(cfg, ProviderOpenRouter)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	_, err = provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Message != "slow down" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if !IsTemporaryAPIError(err) {
		t.Fatalf("expected 429 to be temporary")
	}
}

func TestCreateProvider_OpenAI_ToolCalls(t *testing.T) {
	var seenAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["model"]; got != "gpt-5" {
			t.Errorf("expected model gpt-5, got %v", got)
		}
		if _, ok := req["tools"]; !ok {
			t.Errorf("expected tools in request")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "Router", "arguments": "{\"type\":\"general\",\"logic\":\"small talk\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14}
		}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenAI.APIKey = "sk-openai"
	cfg.Providers.OpenAI.APIBase = server.URL

	provider, model, err := ForModel(cfg, "openai/gpt-5")
	if err != nil {
		t.Fatalf("for model: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "hey"}}, []ToolDefinition{{
		Type:     "function",
		Function: ToolFunctionDefinition{Name: "Router", Parameters: map[string]interface{}{"type": "object"}},
	}}, model, map[string]interface{}{"max_tokens": 128, "tool_choice": "required"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "Router" {
		t.Fatalf("expected one Router tool call, got %+v", resp.ToolCalls)
	}
	if got := resp.ToolCalls[0].Arguments["type"]; got != "general" {
		t.Fatalf("expected type general, got %v", got)
	}
	if seenAuth != "Bearer sk-openai" {
		t.Fatalf("expected openai bearer auth, got %q", seenAuth)
	}
}

func TestCreateProvider_Anthropic_ToolUse(t *testing.T) {
	var seenKey string
	var seenSystem interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("x-api-key")
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		seenSystem = req["system"]
		if choice, ok := req["tool_choice"].(map[string]interface{}); !ok || choice["type"] != "any" {
			t.Errorf("expected tool_choice any, got %v", req["tool_choice"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-6",
			"content": [{"type": "tool_use", "id": "tu_1", "name": "Plan", "input": {"steps": ["a", "b"]}}],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 7, "output_tokens": 3}
		}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.Anthropic.APIKey = "ak-1"
	cfg.Providers.Anthropic.APIBase = server.URL

	provider, model, err := ForModel(cfg, "anthropic/claude-sonnet-4-6")
	if err != nil {
		t.Fatalf("for model: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{
		{Role: "system", Content: "plan it"},
		{Role: "user", Content: "question"},
	}, []ToolDefinition{{
		Type:     "function",
		Function: ToolFunctionDefinition{Name: "Plan", Parameters: map[string]interface{}{"type": "object"}},
	}}, model, map[string]interface{}{"tool_choice": "required"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if seenKey != "ak-1" {
		t.Fatalf("expected x-api-key header, got %q", seenKey)
	}
	if seenSystem != "plan it" {
		t.Fatalf("expected system prompt split out, got %v", seenSystem)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "Plan" {
		t.Fatalf("expected one Plan tool call, got %+v", resp.ToolCalls)
	}
	steps, ok := resp.ToolCalls[0].Arguments["steps"].([]interface{})
	if !ok || len(steps) != 2 {
		t.Fatalf("expected two steps, got %v", resp.ToolCalls[0].Arguments["steps"])
	}
}

func TestSplitModel(t *testing.T) {
	provider, model, err := SplitModel("openrouter/openai/gpt-5-mini")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if provider != "openrouter" || model != "openai/gpt-5-mini" {
		t.Fatalf("unexpected split: %q %q", provider, model)
	}
	for _, bad := range []string{"", "gpt-5", "openai/", "/gpt-5"} {
		if _, _, err := SplitModel(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestCreateProvider_UnsupportedProvider(t *testing.T) {
	if _, err := CreateProvider(config.DefaultConfig(), "does-not-exist"); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestValidateProviderConfig_MissingCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	for _, name := range []string{ProviderOpenRouter, ProviderOpenAI, ProviderAnthropic} {
		if err := ValidateProviderConfig(cfg, name); err == nil {
			t.Fatalf("expected missing credentials error for %s", name)
		}
	}
}

func TestRegisterFactory_InvalidRegistrationDoesNotPanic(t *testing.T) {
	factoryMu.RLock()
	origFactories := make(map[string]providerFactory, len(factories))
	for k, v := range factories {
		origFactories[k] = v
	}
	origErr := registrationErr
	factoryMu.RUnlock()

	defer func() {
		factoryMu.Lock()
		factories = origFactories
		registrationErr = origErr
		factoryMu.Unlock()
	}()

	didPanic := false
	func() {
		defer func() {
			if recover() != nil {
				didPanic = true
			}
		}()
		RegisterFactory("", nil, nil)
	}()
	if didPanic {
		t.Fatalf("RegisterFactory should not panic on invalid registration")
	}

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	if _, err := CreateProvider(cfg, ProviderOpenRouter); err == nil {
		t.Fatalf("expected provider creation to fail after invalid registration")
	}
}
