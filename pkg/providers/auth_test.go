package providers

import (
	"context"
	"net/http"
	"testing"
)

func TestStaticTokenSource_RejectsPlaceholderToken(t *testing.T) {
	src := NewStaticTokenSource("<OPENROUTER_API_KEY>", "providers.openrouter.api_key")
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("expected placeholder token to be rejected")
	}
}

func TestStaticTokenSource_RejectsEnvReferenceToken(t *testing.T) {
	src := NewStaticTokenSource("${OPENROUTER_API_KEY}", "providers.openrouter.api_key")
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("expected env reference token to be rejected")
	}
}

func TestAPIKeyAuth_SetsBearerHeader(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	auth := NewAPIKeyAuth(NewStaticTokenSource(" sk-123 ", "test"))
	if err := auth.Apply(context.Background(), req); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sk-123" {
		t.Fatalf("expected trimmed bearer token, got %q", got)
	}
	if auth.Mode() != authModeAPIKey {
		t.Fatalf("expected api_key mode, got %q", auth.Mode())
	}
}

func TestAPIKeyAuth_EmptyTokenFails(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	if err := NewAPIKeyAuth(NewStaticTokenSource("", "test")).Apply(context.Background(), req); err == nil {
		t.Fatalf("expected empty token to fail")
	}
}
