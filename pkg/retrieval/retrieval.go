// Package retrieval provides document search backends selected by a
// configuration tag, plus the embedders they use.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/config"
)

// ErrUnknownProvider is returned for a retrieval provider tag with no backend.
var ErrUnknownProvider = errors.New("unknown retrieval provider")

const (
	ProviderChroma = "chroma"
	ProviderQdrant = "qdrant"
	ProviderSQLite = "sqlite"
)

// Document is one searchable unit of text.
type Document struct {
	ID       string                 `json:"id,omitempty"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Score    float64                `json:"score,omitempty"`
}

// SearchOptions narrows a search. Filter matches metadata values exactly.
type SearchOptions struct {
	K      int
	Filter map[string]string
}

type Retriever interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]Document, error)
}

type Indexer interface {
	Index(ctx context.Context, docs []Document) error
}

// Backend is a retriever that can also ingest documents.
type Backend interface {
	Retriever
	Indexer
	Close() error
}

// SupportedProviders lists the provider tags New accepts.
func SupportedProviders() []string {
	return []string{ProviderChroma, ProviderQdrant, ProviderSQLite}
}

// New builds the backend named by cfg.Retrieval.Provider. The sqlite backend
// is lexical and ignores embedder.
func New(cfg *config.Config, embedder Embedder) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	rc := cfg.Retrieval
	tag := strings.ToLower(strings.TrimSpace(rc.Provider))
	collection := strings.TrimSpace(rc.Collection)
	if collection == "" {
		collection = "documents"
	}

	switch tag {
	case ProviderChroma:
		if embedder == nil {
			return nil, fmt.Errorf("chroma retriever requires an embedder")
		}
		return NewChromaStore(cfg.ChromaPath(), collection, embedder)
	case ProviderQdrant:
		if embedder == nil {
			return nil, fmt.Errorf("qdrant retriever requires an embedder")
		}
		return NewQdrantStore(rc.QdrantURL, rc.QdrantAPIKey, collection, embedder), nil
	case ProviderSQLite:
		return NewSQLiteStore(cfg.RetrievalSQLitePath())
	default:
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownProvider, rc.Provider, strings.Join(SupportedProviders(), ", "))
	}
}

// NeedsEmbedder reports whether a provider tag searches by vector.
func NeedsEmbedder(provider string) bool {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderChroma, ProviderQdrant:
		return true
	}
	return false
}

func effectiveK(k int) int {
	if k <= 0 {
		return 4
	}
	return k
}

func matchesFilter(meta map[string]interface{}, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
