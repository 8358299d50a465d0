package memory

import (
	"context"

	"github.com/dotsetgreg/dotrag/pkg/providers"
)

// UpdateFunc computes the value to store at a key from its current record,
// which is nil when the key is empty. It runs inside the key's critical
// section and must not call back into the store.
type UpdateFunc func(existing *Record) (map[string]interface{}, error)

// Store is namespaced key-value persistence for memory records.
type Store interface {
	Put(ctx context.Context, ns Namespace, key string, value map[string]interface{}) error
	// Insert writes a new key and fails with ErrKeyExists if it is taken.
	Insert(ctx context.Context, ns Namespace, key string, value map[string]interface{}) error
	Get(ctx context.Context, ns Namespace, key string) (Record, error)
	// Search lists records whose namespace equals ns, most recently updated first.
	Search(ctx context.Context, ns Namespace, limit int) ([]Record, error)
	// Update runs read-merge-write on one key with writes to that key serialized.
	Update(ctx context.Context, ns Namespace, key string, fn UpdateFunc) (Record, error)
	Delete(ctx context.Context, ns Namespace, key string) error
}

// ThreadStore persists conversation history per thread.
type ThreadStore interface {
	// AppendThread appends messages and returns the thread's message count.
	AppendThread(ctx context.Context, threadID, userID string, messages []providers.Message) (int, error)
	ListThreadMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error)
	ListThreadMessagesBefore(ctx context.Context, threadID string, beforeSeq, limit int) ([]ThreadMessage, error)
}

// JobQueue is the durable run queue for memory jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, assistantID string, job MemoryJob) (Job, error)
	// ClaimNext leases the oldest runnable job for assistantID whose thread has
	// no earlier job still pending or running.
	ClaimNext(ctx context.Context, assistantID string, nowMS, leaseForMS int64) (Job, bool, error)
	// RenewLease, Complete and Fail act only on the claim whose Attempts
	// equals attempt and return ErrLeaseLost otherwise.
	RenewLease(ctx context.Context, id string, attempt int, leaseUntilMS int64) error
	Complete(ctx context.Context, id string, attempt int) error
	Fail(ctx context.Context, id string, attempt int, errMsg string) error
	RequeueExpired(ctx context.Context, nowMS int64) (int, error)
	SweepJobs(ctx context.Context, finishedBeforeMS int64) (int, error)
	ListJobs(ctx context.Context, threadID string, limit int) ([]Job, error)
}

// Consolidator turns a finished conversation into stored memories.
type Consolidator interface {
	Consolidate(ctx context.Context, job MemoryJob, messages []providers.Message) Report
}
