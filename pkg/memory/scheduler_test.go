package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingQueue struct {
	JobQueue
	calls int
}

func (q *failingQueue) Enqueue(context.Context, string, MemoryJob) (Job, error) {
	q.calls++
	return Job{}, errors.New("queue unavailable")
}

func TestScheduler_MissingAssistantIsFatal(t *testing.T) {
	q := &failingQueue{}
	err := NewScheduler(q).Schedule(context.Background(), ScheduleRequest{ThreadID: "t1", UserID: "u1"})
	assert.ErrorIs(t, err, ErrMissingAssistantID)
	assert.Equal(t, 0, q.calls, "nothing is submitted without an assistant id")
}

func TestScheduler_QueueFailureIsSwallowed(t *testing.T) {
	q := &failingQueue{}
	err := NewScheduler(q).Schedule(context.Background(), ScheduleRequest{ThreadID: "t1", UserID: "u1", AssistantID: "mem"})
	assert.NoError(t, err)
	assert.Equal(t, 1, q.calls)
}

func TestScheduler_AppendsJobsInSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sched := NewScheduler(store)
	types := DefaultMemoryTypes()

	for i := 0; i < 3; i++ {
		require.NoError(t, sched.Schedule(ctx, ScheduleRequest{
			ThreadID:    "t1",
			UserID:      "u1",
			AssistantID: "mem",
			MemoryTypes: types,
			Delay:       30 * time.Second,
		}))
	}

	jobs, err := store.ListJobs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3, "jobs are never replaced")
	for i, job := range jobs {
		assert.Equal(t, JobPending, job.Status)
		assert.GreaterOrEqual(t, job.RunAfterMS-job.CreatedAtMS, (30 * time.Second).Milliseconds())
		assert.Len(t, job.Payload.MemoryTypes, len(types))
		if i > 0 {
			assert.Less(t, jobs[i-1].Seq, job.Seq)
		}
	}
}

func TestScheduler_SnapshotsMemoryTypes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	types := DefaultMemoryTypes()

	require.NoError(t, NewScheduler(store).Schedule(ctx, ScheduleRequest{ThreadID: "t1", UserID: "u1", AssistantID: "mem", MemoryTypes: types}))
	types[0].Schema.Fields[0].Name = "mutated"

	jobs, err := store.ListJobs(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "preferred_name", jobs[0].Payload.MemoryTypes[0].Schema.Fields[0].Name)
}

func TestScheduler_NegativeDelayRunsImmediately(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, NewScheduler(store).Schedule(ctx, ScheduleRequest{ThreadID: "t1", UserID: "u1", AssistantID: "mem", Delay: -time.Minute}))

	_, ok, err := store.ClaimNext(ctx, "mem", time.Now().UnixMilli()+1, 60_000)
	require.NoError(t, err)
	assert.True(t, ok)
}
