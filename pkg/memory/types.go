package memory

import (
	"encoding/json"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/structured"
)

// StatesKind tags the namespace holding every consolidated record of a user.
const StatesKind = "states"

// Namespace is a hierarchical record scope. Lookups match the whole tuple.
type Namespace []string

// StatesNamespace is the (user id, "states") scope memories are written to.
func StatesNamespace(userID string) Namespace {
	return Namespace{userID, StatesKind}
}

// String encodes the tuple so distinct tuples never collide.
func (n Namespace) String() string {
	if n == nil {
		n = Namespace{}
	}
	b, _ := json.Marshal([]string(n))
	return string(b)
}

func ParseNamespace(raw string) (Namespace, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return Namespace(out), nil
}

// UpdateMode selects how extracted candidates reach the store.
type UpdateMode string

const (
	// ModePatch keeps one canonical record per type, keyed by the type name.
	ModePatch UpdateMode = "patch"
	// ModeInsert appends a new write-once record per candidate.
	ModeInsert UpdateMode = "insert"
)

// MemoryTypeSpec describes one kind of memory. It is immutable once loaded.
type MemoryTypeSpec struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Mode         UpdateMode        `json:"update_mode"`
	Schema       structured.Schema `json:"schema"`
}

// Record is one stored memory.
type Record struct {
	Namespace Namespace              `json:"namespace"`
	Key       string                 `json:"key"`
	Value     map[string]interface{} `json:"value"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// MemoryJob is the unit of deferred consolidation for one completed turn.
// MessageCount is the thread's length at submission; the job reads no message
// past it, and zero reads the whole thread.
type MemoryJob struct {
	ThreadID     string           `json:"thread_id"`
	UserID       string           `json:"user_id"`
	MemoryTypes  []MemoryTypeSpec `json:"memory_types"`
	Delay        time.Duration    `json:"delay"`
	MessageCount int              `json:"message_count,omitempty"`
}

// JobStatus values.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a queued MemoryJob with its delivery state.
type Job struct {
	ID            string
	Seq           int64
	AssistantID   string
	Payload       MemoryJob
	Status        string
	Error         string
	Attempts      int
	RunAfterMS    int64
	LeaseUntilMS  int64
	CreatedAtMS   int64
	UpdatedAtMS   int64
	CompletedAtMS int64
}

// ThreadMessage is one persisted conversation message.
type ThreadMessage struct {
	ThreadID  string
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}
