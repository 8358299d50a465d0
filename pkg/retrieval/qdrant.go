package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/providers"
)

// pointNamespace derives stable Qdrant point ids from document ids.
var pointNamespace = uuid.MustParse("6f1c54a2-5a8e-4d7e-9b8e-0c2f3a1d9e47")

// QdrantStore talks to the Qdrant REST API.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	embedder   Embedder
	httpClient *http.Client

	ensureMu sync.Mutex
	ensured  bool
}

func NewQdrantStore(baseURL, apiKey, collection string, embedder Embedder) *QdrantStore {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	return &QdrantStore{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		collection: collection,
		embedder:   embedder,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type qdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// HealthCheck verifies Qdrant connectivity.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	_, status, err := s.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("qdrant health check: status %d", status)
	}
	return nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, dims int) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}
	_, status, err := s.do(ctx, http.MethodGet, "/collections/"+s.collection, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		body := map[string]interface{}{
			"vectors": map[string]interface{}{
				"size":     dims,
				"distance": "Cosine",
			},
		}
		if _, err := s.call(ctx, http.MethodPut, "/collections/"+s.collection, body); err != nil {
			return err
		}
	}
	s.ensured = true
	return nil
}

func (s *QdrantStore) Index(ctx context.Context, docs []Document) error {
	docs = indexable(docs)
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if err := s.ensureCollection(ctx, len(vecs[0])); err != nil {
		return err
	}

	points := make([]qdrantPoint, len(docs))
	for i, d := range docs {
		payload := map[string]interface{}{"doc_id": d.ID, "content": d.Content}
		if len(d.Metadata) > 0 {
			payload["metadata"] = d.Metadata
		}
		points[i] = qdrantPoint{
			ID:      uuid.NewSHA1(pointNamespace, []byte(d.ID)).String(),
			Vector:  vecs[i],
			Payload: payload,
		}
	}
	if _, err := s.call(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", map[string]interface{}{"points": points}); err != nil {
		return err
	}
	logger.DebugCF("retrieval", "Indexed documents", map[string]interface{}{"backend": ProviderQdrant, "count": len(points)})
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, query string, opts SearchOptions) ([]Document, error) {
	if strings.TrimSpace(query) == "" {
		return []Document{}, nil
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	body := map[string]interface{}{
		"vector":       vecs[0],
		"limit":        effectiveK(opts.K),
		"with_payload": true,
	}
	if len(opts.Filter) > 0 {
		must := make([]map[string]interface{}, 0, len(opts.Filter))
		for k, v := range opts.Filter {
			must = append(must, map[string]interface{}{
				"key":   "metadata." + k,
				"match": map[string]interface{}{"value": v},
			})
		}
		body["filter"] = map[string]interface{}{"must": must}
	}

	raw, err := s.call(ctx, http.MethodPost, "/collections/"+s.collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]Document, 0, len(resp.Result))
	for _, r := range resp.Result {
		doc := Document{Score: r.Score, ID: fmt.Sprint(r.ID)}
		if id, ok := r.Payload["doc_id"].(string); ok {
			doc.ID = id
		}
		doc.Content, _ = r.Payload["content"].(string)
		if meta, ok := r.Payload["metadata"].(map[string]interface{}); ok {
			doc.Metadata = meta
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *QdrantStore) Close() error { return nil }

// call performs a request and turns HTTP errors into APIError.
func (s *QdrantStore) call(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	raw, status, err := s.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, &providers.APIError{Provider: "qdrant", StatusCode: status, Message: fmt.Sprintf("%s %s: %s", method, path, strings.TrimSpace(string(raw)))}
	}
	return raw, nil
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}
