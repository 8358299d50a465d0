package retrieval

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/dotsetgreg/dotrag/pkg/logger"
)

// ChromaStore is an embedded chromem-go vector collection. An empty path
// keeps it in memory.
type ChromaStore struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder Embedder
}

func NewChromaStore(path, collection string, embedder Embedder) (*ChromaStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if strings.TrimSpace(path) == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create chroma dir: %w", err)
		}
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("open chroma db: %w", err)
		}
	}

	embedFunc := func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	}
	col, err := db.GetOrCreateCollection(collection, map[string]string{"embedding_model": embedder.ModelID()}, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("open chroma collection %q: %w", collection, err)
	}
	return &ChromaStore{db: db, col: col, embedder: embedder}, nil
}

func (s *ChromaStore) Index(ctx context.Context, docs []Document) error {
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

	out := make([]chromem.Document, len(docs))
	for i, d := range docs {
		out[i] = chromem.Document{
			ID:        d.ID,
			Metadata:  stringifyMetadata(d.Metadata),
			Embedding: vecs[i],
			Content:   d.Content,
		}
	}
	if err := s.col.AddDocuments(ctx, out, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add chroma documents: %w", err)
	}
	logger.DebugCF("retrieval", "Indexed documents", map[string]interface{}{"backend": ProviderChroma, "count": len(out)})
	return nil
}

func (s *ChromaStore) Search(ctx context.Context, query string, opts SearchOptions) ([]Document, error) {
	count := s.col.Count()
	if count == 0 || strings.TrimSpace(query) == "" {
		return []Document{}, nil
	}
	k := effectiveK(opts.K)
	// chromem-go rejects nResults above the collection size.
	if k > count {
		k = count
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	var where map[string]string
	if len(opts.Filter) > 0 {
		where = opts.Filter
	}
	results, err := s.col.QueryEmbedding(ctx, vecs[0], k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chroma query: %w", err)
	}

	out := make([]Document, 0, len(results))
	for _, r := range results {
		meta := make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		out = append(out, Document{ID: r.ID, Content: r.Content, Metadata: meta, Score: float64(r.Similarity)})
	}
	return out, nil
}

func (s *ChromaStore) Close() error { return nil }

// indexable drops blank documents and fills missing ids with a content hash.
func indexable(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		if strings.TrimSpace(d.ID) == "" {
			d.ID = contentID(d.Content)
		}
		out = append(out, d)
	}
	return out
}

func contentID(content string) string {
	sum := sha1.Sum([]byte(content))
	return "doc-" + hex.EncodeToString(sum[:10])
}

func stringifyMetadata(meta map[string]interface{}) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = fmt.Sprint(v)
	}
	return out
}
