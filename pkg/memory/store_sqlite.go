package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/dotrag/pkg/providers"
)

// SQLiteStore persists memory records, thread history and the job queue.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, locks: newKeyedMutex()}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			namespace TEXT NOT NULL,
			item_key TEXT NOT NULL,
			value_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(namespace, item_key)
		);`,
		`CREATE INDEX IF NOT EXISTS memory_records_recent_idx ON memory_records(namespace, updated_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS thread_messages (
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY(thread_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			assistant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_jobs_claim_idx ON memory_jobs(assistant_id, status, run_after_ms, seq);`,
		`CREATE INDEX IF NOT EXISTS memory_jobs_thread_idx ON memory_jobs(thread_id, status, seq);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeValue(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeValue(raw string) map[string]interface{} {
	out := map[string]interface{}{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

func lockKey(ns Namespace, key string) string {
	return ns.String() + "\x00" + key
}

// Records

func (s *SQLiteStore) Put(ctx context.Context, ns Namespace, key string, value map[string]interface{}) error {
	unlock := s.locks.Lock(lockKey(ns, key))
	defer unlock()
	return s.upsert(ctx, s.db, ns, key, value, nowMS())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteStore) upsert(ctx context.Context, db execer, ns Namespace, key string, value map[string]interface{}, now int64) error {
	raw, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("encode memory value: %w", err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO memory_records(namespace, item_key, value_json, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(namespace, item_key) DO UPDATE SET
	value_json = excluded.value_json,
	updated_at_ms = excluded.updated_at_ms`, ns.String(), key, raw, now, now)
	if err != nil {
		return fmt.Errorf("put memory record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, ns Namespace, key string, value map[string]interface{}) error {
	raw, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("encode memory value: %w", err)
	}
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO memory_records(namespace, item_key, value_json, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(namespace, item_key) DO NOTHING`, ns.String(), key, raw, now, now)
	if err != nil {
		return fmt.Errorf("insert memory record: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%s/%s: %w", ns.String(), key, ErrKeyExists)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		nsRaw, key, valueRaw string
		createdMS, updatedMS int64
	)
	if err := row.Scan(&nsRaw, &key, &valueRaw, &createdMS, &updatedMS); err != nil {
		return Record{}, err
	}
	ns, err := ParseNamespace(nsRaw)
	if err != nil {
		return Record{}, fmt.Errorf("decode namespace %q: %w", nsRaw, err)
	}
	return Record{
		Namespace: ns,
		Key:       key,
		Value:     decodeValue(valueRaw),
		CreatedAt: time.UnixMilli(createdMS),
		UpdatedAt: time.UnixMilli(updatedMS),
	}, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getRecord(ctx context.Context, db queryRower, ns Namespace, key string) (Record, error) {
	row := db.QueryRowContext(ctx, `
SELECT namespace, item_key, value_json, created_at_ms, updated_at_ms
FROM memory_records
WHERE namespace = ? AND item_key = ?`, ns.String(), key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get memory record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, ns Namespace, key string) (Record, error) {
	return getRecord(ctx, s.db, ns, key)
}

func (s *SQLiteStore) Search(ctx context.Context, ns Namespace, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT namespace, item_key, value_json, created_at_ms, updated_at_ms
FROM memory_records
WHERE namespace = ?
ORDER BY updated_at_ms DESC, item_key ASC
LIMIT ?`, ns.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("search memory records: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, ns Namespace, key string, fn UpdateFunc) (Record, error) {
	unlock := s.locks.Lock(lockKey(ns, key))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("update memory begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing *Record
	rec, err := getRecord(ctx, tx, ns, key)
	switch {
	case err == nil:
		existing = &rec
	case errors.Is(err, ErrNotFound):
	default:
		return Record{}, err
	}

	value, err := fn(existing)
	if err != nil {
		return Record{}, err
	}
	now := nowMS()
	if err := s.upsert(ctx, tx, ns, key, value, now); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("update memory commit: %w", err)
	}

	out := Record{Namespace: ns, Key: key, Value: value, CreatedAt: time.UnixMilli(now), UpdatedAt: time.UnixMilli(now)}
	if existing != nil {
		out.CreatedAt = existing.CreatedAt
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ns Namespace, key string) error {
	unlock := s.locks.Lock(lockKey(ns, key))
	defer unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE namespace = ? AND item_key = ?`, ns.String(), key); err != nil {
		return fmt.Errorf("delete memory record: %w", err)
	}
	return nil
}

// Threads

// AppendThread adds messages after the thread's last stored message and
// returns the thread's message count afterwards. Earlier messages are never
// rewritten.
func (s *SQLiteStore) AppendThread(ctx context.Context, threadID, userID string, messages []providers.Message) (int, error) {
	if strings.TrimSpace(threadID) == "" {
		return 0, fmt.Errorf("thread id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append thread begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq) + 1, 0) FROM thread_messages WHERE thread_id = ?`, threadID).Scan(&next); err != nil {
		return 0, fmt.Errorf("append thread next seq: %w", err)
	}
	total := next + len(messages)

	now := nowMS()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO threads(thread_id, user_id, created_at_ms, updated_at_ms, message_count)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
	user_id = excluded.user_id,
	updated_at_ms = excluded.updated_at_ms,
	message_count = excluded.message_count`, threadID, userID, now, now, total); err != nil {
		return 0, fmt.Errorf("append thread: %w", err)
	}
	for i, m := range messages {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO thread_messages(thread_id, seq, role, content, created_at_ms)
VALUES(?, ?, ?, ?, ?)`, threadID, next+i, m.Role, m.Content, now); err != nil {
			return 0, fmt.Errorf("append thread message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append thread commit: %w", err)
	}
	return total, nil
}

// ListThreadMessages returns the newest limit messages in thread order.
// limit <= 0 returns the whole thread.
func (s *SQLiteStore) ListThreadMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	return s.ListThreadMessagesBefore(ctx, threadID, 0, limit)
}

// ListThreadMessagesBefore is ListThreadMessages restricted to messages with
// seq < beforeSeq. beforeSeq <= 0 means no bound.
func (s *SQLiteStore) ListThreadMessagesBefore(ctx context.Context, threadID string, beforeSeq, limit int) ([]ThreadMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	if beforeSeq <= 0 {
		beforeSeq = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, seq, role, content, created_at_ms FROM (
	SELECT thread_id, seq, role, content, created_at_ms
	FROM thread_messages
	WHERE thread_id = ? AND seq < ?
	ORDER BY seq DESC
	LIMIT ?
) ORDER BY seq ASC`, threadID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list thread messages: %w", err)
	}
	defer rows.Close()

	out := []ThreadMessage{}
	for rows.Next() {
		var m ThreadMessage
		var createdMS int64
		if err := rows.Scan(&m.ThreadID, &m.Seq, &m.Role, &m.Content, &createdMS); err != nil {
			return nil, fmt.Errorf("scan thread message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Jobs

const jobColumns = `seq, id, assistant_id, thread_id, status, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms`

func scanJob(row rowScanner) (Job, error) {
	var job Job
	var threadID, payloadRaw string
	if err := row.Scan(&job.Seq, &job.ID, &job.AssistantID, &threadID, &job.Status, &payloadRaw, &job.Error, &job.Attempts, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal([]byte(payloadRaw), &job.Payload); err != nil {
		return Job{}, fmt.Errorf("decode job %s payload: %w", job.ID, err)
	}
	job.Payload.ThreadID = threadID
	return job, nil
}

// Enqueue appends a job that becomes runnable Delay after now. Jobs are never
// replaced or merged, so a thread's jobs run in submission order.
func (s *SQLiteStore) Enqueue(ctx context.Context, assistantID string, job MemoryJob) (Job, error) {
	if strings.TrimSpace(assistantID) == "" {
		return Job{}, ErrMissingAssistantID
	}
	if strings.TrimSpace(job.ThreadID) == "" {
		return Job{}, fmt.Errorf("enqueue job: thread id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("encode job payload: %w", err)
	}

	now := nowMS()
	delayMS := job.Delay.Milliseconds()
	if delayMS < 0 {
		delayMS = 0
	}
	out := Job{
		ID:          ulid.Make().String(),
		AssistantID: assistantID,
		Payload:     job,
		Status:      JobPending,
		RunAfterMS:  now + delayMS,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO memory_jobs(id, assistant_id, thread_id, user_id, status, payload_json, run_after_ms, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, assistantID, job.ThreadID, job.UserID, JobPending, string(payload), out.RunAfterMS, now, now)
	if err != nil {
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	out.Seq, _ = res.LastInsertId()
	return out, nil
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, assistantID string, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM memory_jobs j
WHERE j.assistant_id = ?
AND j.status = ?
AND j.run_after_ms <= ?
AND NOT EXISTS (
	SELECT 1 FROM memory_jobs p
	WHERE p.thread_id = j.thread_id
	AND p.seq < j.seq
	AND p.status IN (?, ?)
)
ORDER BY j.run_after_ms ASC, j.seq ASC
LIMIT 1`, assistantID, JobPending, nowMS, JobPending, JobRunning)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim next job select: %w", err)
	}

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, attempts = attempts + 1, error = ''
WHERE id = ? AND status = ?`, JobRunning, leaseUntil, nowMS, job.ID, JobPending)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Job{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim next job commit: %w", err)
	}

	job.Status = JobRunning
	job.LeaseUntilMS = leaseUntil
	job.UpdatedAtMS = nowMS
	job.Attempts++
	return job, true, nil
}

// RenewLease extends a running job's lease. attempt is the Attempts value
// returned by ClaimNext; a job requeued and claimed again since then returns
// ErrLeaseLost.
func (s *SQLiteStore) RenewLease(ctx context.Context, id string, attempt int, leaseUntilMS int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET lease_until_ms = ?, updated_at_ms = ?
WHERE id = ? AND status = ? AND attempts = ?`, leaseUntilMS, nowMS(), id, JobRunning, attempt)
	if err != nil {
		return fmt.Errorf("renew job lease: %w", err)
	}
	return checkLease(res)
}

// Complete finishes the claim identified by (id, attempt).
func (s *SQLiteStore) Complete(ctx context.Context, id string, attempt int) error {
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, completed_at_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ? AND status = ? AND attempts = ?`, JobCompleted, now, now, id, JobRunning, attempt)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return checkLease(res)
}

// Fail finishes the claim identified by (id, attempt) with an error.
func (s *SQLiteStore) Fail(ctx context.Context, id string, attempt int, errMsg string) error {
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, error = ?, completed_at_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ? AND status = ? AND attempts = ?`, JobFailed, errMsg, now, now, id, JobRunning, attempt)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return checkLease(res)
}

func checkLease(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequeueExpired returns running jobs whose lease lapsed to pending.
func (s *SQLiteStore) RequeueExpired(ctx context.Context, nowMS int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE status = ? AND lease_until_ms <= ?`, JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SweepJobs deletes completed and failed jobs finished before the cutoff.
func (s *SQLiteStore) SweepJobs(ctx context.Context, finishedBeforeMS int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM memory_jobs
WHERE status IN (?, ?) AND completed_at_ms > 0 AND completed_at_ms < ?`, JobCompleted, JobFailed, finishedBeforeMS)
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, threadID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM memory_jobs
WHERE thread_id = ?
ORDER BY seq ASC
LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Metrics

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	raw, err := encodeValue(labels)
	if err != nil {
		raw = "{}"
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, raw, nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// SumMetric totals a metric since the given time.
func (s *SQLiteStore) SumMetric(ctx context.Context, metric string, sinceMS int64) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
SELECT SUM(value) FROM memory_metrics WHERE metric = ? AND created_at_ms >= ?`, metric, sinceMS).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum metric: %w", err)
	}
	return total.Float64, nil
}
