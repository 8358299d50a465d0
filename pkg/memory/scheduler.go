package memory

import (
	"context"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/logger"
)

// ScheduleRequest addresses one memory job.
type ScheduleRequest struct {
	ThreadID     string
	UserID       string
	AssistantID  string
	MemoryTypes  []MemoryTypeSpec
	Delay        time.Duration
	MessageCount int
}

// Scheduler submits a memory job after each answered turn. Jobs are only
// appended; a thread's jobs run in submission order, each after its own delay.
type Scheduler struct {
	queue JobQueue
}

func NewScheduler(queue JobQueue) *Scheduler {
	return &Scheduler{queue: queue}
}

// Schedule returns ErrMissingAssistantID before touching the queue. Queue
// failures are logged and dropped so the turn's answer is unaffected.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) error {
	if strings.TrimSpace(req.AssistantID) == "" {
		return ErrMissingAssistantID
	}
	if req.Delay < 0 {
		req.Delay = 0
	}

	job := MemoryJob{
		ThreadID:     req.ThreadID,
		UserID:       req.UserID,
		MemoryTypes:  CloneSpecs(req.MemoryTypes),
		Delay:        req.Delay,
		MessageCount: req.MessageCount,
	}
	queued, err := s.queue.Enqueue(ctx, req.AssistantID, job)
	if err != nil {
		logger.ErrorCF("scheduler", "Failed to create memory job", map[string]interface{}{
			"thread_id":    req.ThreadID,
			"user_id":      req.UserID,
			"assistant_id": req.AssistantID,
			"error":        err.Error(),
		})
		return nil
	}
	logger.DebugCF("scheduler", "Memory job queued", map[string]interface{}{
		"job_id":       queued.ID,
		"thread_id":    req.ThreadID,
		"assistant_id": req.AssistantID,
		"delay_ms":     req.Delay.Milliseconds(),
	})
	return nil
}
