package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrag/pkg/providers"
)

type recordingConsolidator struct {
	mu      sync.Mutex
	threads []string
	seen    [][]providers.Message
}

func (c *recordingConsolidator) Consolidate(_ context.Context, job MemoryJob, messages []providers.Message) Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = append(c.threads, job.ThreadID)
	c.seen = append(c.seen, messages)
	return Report{ThreadID: job.ThreadID, UserID: job.UserID}
}

func TestNewWorker_RequiresAssistant(t *testing.T) {
	store := newTestStore(t)
	_, err := NewWorker(WorkerConfig{}, store, store, &recordingConsolidator{}, store)
	assert.ErrorIs(t, err, ErrMissingAssistantID)
}

func TestNewWorker_RejectsBadCron(t *testing.T) {
	store := newTestStore(t)
	_, err := NewWorker(WorkerConfig{AssistantID: "mem", SweepCron: "every now and then"}, store, store, &recordingConsolidator{}, store)
	assert.Error(t, err)
}

func TestWorker_ProcessPendingRunsJobsWithHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cons := &recordingConsolidator{}

	_, err := store.AppendThread(ctx, "t1", "u1", []providers.Message{
		{Role: "user", Content: "My name is Henry"},
		{Role: "assistant", Content: "Nice to meet you, Henry"},
	})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1"})
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{AssistantID: "mem", Concurrency: 2}, store, store, cons, store)
	require.NoError(t, err)

	handled := w.ProcessPending(ctx)
	assert.Equal(t, 1, handled)
	require.Len(t, cons.seen, 1)
	assert.Equal(t, "My name is Henry", cons.seen[0][0].Content)

	jobs, err := store.ListJobs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobCompleted, jobs[0].Status)

	total, err := store.SumMetric(ctx, "memory.job.completed", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, total)
}

func TestWorker_ThreadJobsRunInOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cons := &recordingConsolidator{}
	_, err := store.AppendThread(ctx, "t1", "u1", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	first, err := store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1"})
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1"})
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{AssistantID: "mem", Concurrency: 4}, store, store, cons, nil)
	require.NoError(t, err)

	handled := 0
	for i := 0; i < 3; i++ {
		handled += w.ProcessPending(ctx)
	}
	assert.Equal(t, 2, handled)

	jobs, err := store.ListJobs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, second.ID, jobs[1].ID)
	assert.Equal(t, JobCompleted, jobs[0].Status)
	assert.Equal(t, JobCompleted, jobs[1].Status)
	assert.LessOrEqual(t, jobs[0].CompletedAtMS, jobs[1].CompletedAtMS)
}

func TestWorker_DelayedJobWaits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cons := &recordingConsolidator{}
	_, err := store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1", Delay: time.Hour})
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{AssistantID: "mem"}, store, store, cons, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, w.ProcessPending(ctx))
	assert.Empty(t, cons.threads)
}

func TestWorker_InvalidPayloadFailsJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1"})
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{AssistantID: "mem"}, store, store, &recordingConsolidator{}, store)
	require.NoError(t, err)
	w.ProcessPending(ctx)

	jobs, err := store.ListJobs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobFailed, jobs[0].Status)
}

func TestWorker_StartDrainsQueue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cons := &recordingConsolidator{}
	_, err := store.AppendThread(ctx, "t1", "u1", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1"})
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{AssistantID: "mem", Poll: 20 * time.Millisecond}, store, store, cons, nil)
	require.NoError(t, err)
	w.Start()
	defer w.Close()

	require.Eventually(t, func() bool {
		jobs, err := store.ListJobs(ctx, "t1", 10)
		return err == nil && len(jobs) == 1 && jobs[0].Status == JobCompleted
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWorker_SweepDeletesOldFinishedJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1"})
	require.NoError(t, err)
	claim, ok, err := store.ClaimNext(ctx, "mem", time.Now().UnixMilli()+10, 60_000)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Complete(ctx, claim.ID, claim.Attempts))

	w, err := NewWorker(WorkerConfig{AssistantID: "mem", Retention: time.Hour, SweepCron: "@hourly"}, store, store, &recordingConsolidator{}, nil)
	require.NoError(t, err)
	assert.False(t, w.nextSweep.IsZero())

	assert.Equal(t, 0, w.Sweep(ctx, time.Now()))
	assert.Equal(t, 1, w.Sweep(ctx, time.Now().Add(2*time.Hour)))
}

// blockingConsolidator holds each job until released or cancelled.
type blockingConsolidator struct {
	started   chan struct{}
	release   chan struct{}
	cancelled atomic.Bool
}

func newBlockingConsolidator() *blockingConsolidator {
	return &blockingConsolidator{started: make(chan struct{}, 4), release: make(chan struct{})}
}

func (c *blockingConsolidator) Consolidate(ctx context.Context, job MemoryJob, _ []providers.Message) Report {
	c.started <- struct{}{}
	select {
	case <-ctx.Done():
		c.cancelled.Store(true)
	case <-c.release:
	}
	return Report{ThreadID: job.ThreadID, UserID: job.UserID}
}

func TestWorker_ReadsThreadAsOfSubmission(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cons := &recordingConsolidator{}

	count, err := store.AppendThread(ctx, "t1", "u1", []providers.Message{
		{Role: "user", Content: "My name is Henry."},
		{Role: "assistant", Content: "Hi Henry"},
	})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1", MessageCount: count})
	require.NoError(t, err)
	_, err = store.AppendThread(ctx, "t1", "u1", []providers.Message{
		{Role: "user", Content: "What's the weather?"},
		{Role: "assistant", Content: "Sunny"},
	})
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{AssistantID: "mem"}, store, store, cons, nil)
	require.NoError(t, err)
	require.Equal(t, 1, w.ProcessPending(ctx))

	require.Len(t, cons.seen, 1)
	require.Len(t, cons.seen[0], 2)
	assert.Equal(t, "My name is Henry.", cons.seen[0][0].Content)
	assert.Equal(t, "Hi Henry", cons.seen[0][1].Content)
}

func TestWorker_HeartbeatHoldsLeaseDuringLongJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cons := newBlockingConsolidator()

	_, err := store.AppendThread(ctx, "t1", "u1", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	first, err := store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1"})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1"})
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{AssistantID: "mem", Lease: 300 * time.Millisecond}, store, store, cons, nil)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() { done <- w.ProcessPending(ctx) }()
	<-cons.started

	// Run well past the original lease while checking that nothing can take
	// the job or its thread's next job.
	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		n, err := store.RequeueExpired(ctx, time.Now().UnixMilli())
		require.NoError(t, err)
		require.Equal(t, 0, n, "lease must be renewed while the job runs")

		_, ok, err := store.ClaimNext(ctx, "mem", time.Now().UnixMilli(), 60_000)
		require.NoError(t, err)
		require.False(t, ok, "no job of the thread may start while the first one runs")
		time.Sleep(50 * time.Millisecond)
	}

	close(cons.release)
	assert.Equal(t, 1, <-done)
	assert.False(t, cons.cancelled.Load())

	jobs, err := store.ListJobs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, JobCompleted, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, JobPending, jobs[1].Status)
}

func TestWorker_LostLeaseCancelsJobAndKeepsNewClaim(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cons := newBlockingConsolidator()

	_, err := store.AppendThread(ctx, "t1", "u1", []providers.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	job, err := store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1"})
	require.NoError(t, err)
	next, err := store.Enqueue(ctx, "mem", MemoryJob{ThreadID: "t1", UserID: "u1"})
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{AssistantID: "mem", Lease: 150 * time.Millisecond}, store, store, cons, store)
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() { done <- w.ProcessPending(ctx) }()
	<-cons.started

	// Another worker takes the job over after the claim is treated as expired.
	later := time.Now().Add(time.Hour).UnixMilli()
	n, err := store.RequeueExpired(ctx, later)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	takeover, ok, err := store.ClaimNext(ctx, "mem", later, time.Hour.Milliseconds())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, takeover.ID)
	require.Equal(t, 2, takeover.Attempts)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not give up the superseded job")
	}
	assert.True(t, cons.cancelled.Load())

	jobs, err := store.ListJobs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, JobRunning, jobs[0].Status, "stale result must not finish the new claim")
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, next.ID, jobs[1].ID)
	assert.Equal(t, JobPending, jobs[1].Status)

	lost, err := store.SumMetric(ctx, "memory.job.lease_lost", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, lost)
}
