package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/dotrag/pkg/logger"
)

// SQLiteStore is a lexical retriever over an FTS5 index ranked by bm25.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create documents db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			indexed_at_ms INTEGER NOT NULL
		);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(doc_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
			INSERT INTO documents_fts(doc_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE OF content ON documents BEGIN
			DELETE FROM documents_fts WHERE doc_id = old.id;
			INSERT INTO documents_fts(doc_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
			DELETE FROM documents_fts WHERE doc_id = old.id;
		END;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			line := strings.TrimSpace(stmt)
			if len(line) > 96 {
				line = line[:96] + "..."
			}
			return fmt.Errorf("init sqlite schema failed on %q: %w", line, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Index(ctx context.Context, docs []Document) error {
	docs = indexable(docs)
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, d := range docs {
		meta := "{}"
		if len(d.Metadata) > 0 {
			b, err := json.Marshal(d.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata for %s: %w", d.ID, err)
			}
			meta = string(b)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO documents(id, content, metadata_json, indexed_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	content = excluded.content,
	metadata_json = excluded.metadata_json,
	indexed_at_ms = excluded.indexed_at_ms`, d.ID, d.Content, meta, now); err != nil {
			return fmt.Errorf("index document %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index commit: %w", err)
	}
	logger.DebugCF("retrieval", "Indexed documents", map[string]interface{}{"backend": ProviderSQLite, "count": len(docs)})
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, query string, opts SearchOptions) ([]Document, error) {
	match := buildFTSQuery(query)
	if match == "" {
		return []Document{}, nil
	}
	k := effectiveK(opts.K)
	limit := k
	if len(opts.Filter) > 0 {
		limit = k * 8
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT d.id, d.content, d.metadata_json, bm25(documents_fts) AS rank
FROM documents_fts f
JOIN documents d ON d.id = f.doc_id
WHERE documents_fts MATCH ?
ORDER BY rank ASC, d.indexed_at_ms DESC
LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents fts: %w", err)
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		var (
			d       Document
			metaRaw string
			rank    float64
		)
		if err := rows.Scan(&d.ID, &d.Content, &metaRaw, &rank); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Metadata = map[string]interface{}{}
		_ = json.Unmarshal([]byte(metaRaw), &d.Metadata)
		if !matchesFilter(d.Metadata, opts.Filter) {
			continue
		}
		d.Score = -rank
		out = append(out, d)
		if len(out) == k {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildFTSQuery(query string) string {
	tokens := ftsTokens(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func ftsTokens(query string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(query), -1) {
		for _, part := range strings.FieldsFunc(tok, func(r rune) bool { return r == '_' || r == '-' }) {
			if len([]rune(part)) < 2 {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}
