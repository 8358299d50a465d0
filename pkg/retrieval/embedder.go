package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/providers"
)

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
}

// NewEmbedder builds the embedder named by cfg.Retrieval.EmbeddingModel, a
// "provider/model" string: openai/<model>, ollama/<model>, hash/<dims> or
// chargram/<dims>. A positive cache size wraps it in a CachedEmbedder.
func NewEmbedder(cfg *config.Config) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	provider, model, err := providers.SplitModel(cfg.Retrieval.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("embedding model: %w", err)
	}

	var base Embedder
	switch provider {
	case "openai":
		client, err := providers.OpenAIClient(cfg)
		if err != nil {
			return nil, err
		}
		base = &openAIEmbedder{client: client, model: model}
	case "ollama":
		base = NewOllamaEmbedder(cfg.Providers.Ollama.APIBase, model)
	case "hash", "chargram":
		dims, err := strconv.Atoi(model)
		if err != nil || dims <= 0 {
			return nil, fmt.Errorf("%s embedder needs a positive dimension, got %q", provider, model)
		}
		if provider == "hash" {
			base = newHashEmbedder(dims)
		} else {
			base = newChargramEmbedder(dims)
		}
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", provider)
	}

	if size := cfg.Retrieval.EmbedCacheSize; size > 0 {
		cached, err := NewCachedEmbedder(base, int64(size))
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
	return base, nil
}

type openAIEmbedder struct {
	client *openai.Client
	model  string
}

func (e *openAIEmbedder) ModelID() string { return "openai/" + e.model }

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, providers.WrapOpenAIError(err)
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: missing vector for input %d", i)
		}
	}
	return out, nil
}

// OllamaEmbedder calls the Ollama /api/embed endpoint.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *OllamaEmbedder) ModelID() string { return "ollama/" + e.model }

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &providers.APIError{Provider: "ollama", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var result ollamaEmbedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}
