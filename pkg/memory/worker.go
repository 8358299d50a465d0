package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/providers"
)

// MetricsRecorder stores counters about background work.
type MetricsRecorder interface {
	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// WorkerConfig configures the consolidation worker.
type WorkerConfig struct {
	AssistantID  string
	Poll         time.Duration
	Lease        time.Duration
	Concurrency  int
	Retention    time.Duration
	SweepCron    string
	HistoryLimit int
}

// Worker drains the memory job queue for one assistant id.
type Worker struct {
	cfg          WorkerConfig
	queue        JobQueue
	threads      ThreadStore
	consolidator Consolidator
	metrics      MetricsRecorder

	sem       chan struct{}
	nextSweep time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func NewWorker(cfg WorkerConfig, queue JobQueue, threads ThreadStore, consolidator Consolidator, metrics MetricsRecorder) (*Worker, error) {
	if strings.TrimSpace(cfg.AssistantID) == "" {
		return nil, ErrMissingAssistantID
	}
	if queue == nil || threads == nil || consolidator == nil {
		return nil, fmt.Errorf("memory worker requires a queue, thread store and consolidator")
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 700 * time.Millisecond
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	cfg.SweepCron = strings.TrimSpace(cfg.SweepCron)
	if cfg.SweepCron != "" && !gronx.New().IsValid(cfg.SweepCron) {
		return nil, fmt.Errorf("invalid sweep cron expression %q", cfg.SweepCron)
	}

	w := &Worker{
		cfg:          cfg,
		queue:        queue,
		threads:      threads,
		consolidator: consolidator,
		metrics:      metrics,
		sem:          make(chan struct{}, cfg.Concurrency),
		stopCh:       make(chan struct{}),
	}
	w.scheduleSweep(time.Now())
	return w, nil
}

// Start launches the poll loop. It is safe to call more than once.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
}

// Close stops polling and waits for in-flight jobs.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
	})
	return nil
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopCh
		cancel()
	}()

	// Run once at startup so jobs left by a previous process begin immediately.
	w.ProcessPending(ctx)

	for {
		select {
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			w.maybeSweep(ctx, now)
			w.ProcessPending(ctx)
		}
	}
}

// ProcessPending claims every runnable job and runs them with bounded
// concurrency. It returns the number of jobs handled.
func (w *Worker) ProcessPending(ctx context.Context) int {
	const maxBatch = 32

	if n, err := w.queue.RequeueExpired(ctx, time.Now().UnixMilli()); err != nil {
		logger.WarnCF("memory", "Requeue of expired jobs failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		logger.InfoCF("memory", "Requeued expired memory jobs", map[string]interface{}{"count": n})
	}

	leaseForMS := w.cfg.Lease.Milliseconds()
	var wg sync.WaitGroup
	handled := 0
	for i := 0; i < maxBatch; i++ {
		if ctx.Err() != nil {
			break
		}
		job, ok, err := w.queue.ClaimNext(ctx, w.cfg.AssistantID, time.Now().UnixMilli(), leaseForMS)
		if err != nil {
			logger.WarnCF("memory", "Claim of memory job failed", map[string]interface{}{"error": err.Error()})
			break
		}
		if !ok {
			break
		}
		handled++

		w.sem <- struct{}{}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer func() { <-w.sem }()
			w.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
	return handled
}

func (w *Worker) runJob(ctx context.Context, job Job) {
	started := time.Now()
	labels := map[string]string{"assistant_id": job.AssistantID}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := w.keepLease(jobCtx, cancel, job)
	err := w.handleJob(jobCtx, job)
	stop()

	if ctx.Err() != nil {
		// Shutting down: leave the claim to expire so the job is requeued.
		logger.InfoCF("memory", "Memory job interrupted by shutdown", map[string]interface{}{"job_id": job.ID})
		return
	}
	if err != nil {
		logger.ErrorCF("memory", "Memory job failed", map[string]interface{}{
			"job_id":    job.ID,
			"thread_id": job.Payload.ThreadID,
			"attempts":  job.Attempts,
			"error":     err.Error(),
		})
		if ferr := w.queue.Fail(ctx, job.ID, job.Attempts, err.Error()); ferr != nil {
			w.reportFinishError(ctx, job, ferr, labels)
			return
		}
		w.addMetric(ctx, "memory.job.failed", 1, labels)
		return
	}
	if cerr := w.queue.Complete(ctx, job.ID, job.Attempts); cerr != nil {
		w.reportFinishError(ctx, job, cerr, labels)
		return
	}
	w.addMetric(ctx, "memory.job.completed", 1, labels)
	w.addMetric(ctx, "memory.job.duration_ms", float64(time.Since(started).Milliseconds()), labels)
}

func (w *Worker) reportFinishError(ctx context.Context, job Job, err error, labels map[string]string) {
	if errors.Is(err, ErrLeaseLost) {
		logger.WarnCF("memory", "Memory job claim was superseded", map[string]interface{}{"job_id": job.ID, "attempts": job.Attempts})
		w.addMetric(ctx, "memory.job.lease_lost", 1, labels)
		return
	}
	logger.WarnCF("memory", "Memory job result did not persist", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
}

// keepLease renews the job's lease until the returned stop func is called.
// Losing the lease cancels the job through cancel.
func (w *Worker) keepLease(ctx context.Context, cancel context.CancelFunc, job Job) func() {
	interval := w.cfg.Lease / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				err := w.queue.RenewLease(ctx, job.ID, job.Attempts, now.Add(w.cfg.Lease).UnixMilli())
				if err == nil {
					continue
				}
				if errors.Is(err, ErrLeaseLost) {
					logger.WarnCF("memory", "Memory job lease lost, cancelling", map[string]interface{}{"job_id": job.ID, "attempts": job.Attempts})
					cancel()
					return
				}
				logger.WarnCF("memory", "Memory job lease renewal failed", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *Worker) handleJob(ctx context.Context, job Job) error {
	payload := job.Payload
	if strings.TrimSpace(payload.ThreadID) == "" || strings.TrimSpace(payload.UserID) == "" {
		return fmt.Errorf("invalid memory job payload")
	}
	history, err := w.threads.ListThreadMessagesBefore(ctx, payload.ThreadID, payload.MessageCount, w.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load thread %s: %w", payload.ThreadID, err)
	}
	if len(history) == 0 {
		logger.DebugCF("memory", "Memory job has no thread history", map[string]interface{}{"job_id": job.ID, "thread_id": payload.ThreadID})
		return nil
	}
	messages := make([]providers.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
	}

	report := w.consolidator.Consolidate(ctx, payload, messages)
	w.addMetric(ctx, "memory.records.written", float64(report.Written()), map[string]string{"user_id": payload.UserID})
	return ctx.Err()
}

func (w *Worker) scheduleSweep(from time.Time) {
	if w.cfg.SweepCron == "" {
		w.nextSweep = time.Time{}
		return
	}
	next, err := gronx.NextTickAfter(w.cfg.SweepCron, from, false)
	if err != nil {
		logger.WarnCF("memory", "Could not compute next job sweep", map[string]interface{}{"cron": w.cfg.SweepCron, "error": err.Error()})
		w.nextSweep = time.Time{}
		return
	}
	w.nextSweep = next
}

func (w *Worker) maybeSweep(ctx context.Context, now time.Time) {
	if w.nextSweep.IsZero() || now.Before(w.nextSweep) {
		return
	}
	w.Sweep(ctx, now)
	w.scheduleSweep(now)
}

// Sweep deletes finished jobs older than the retention window.
func (w *Worker) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-w.cfg.Retention).UnixMilli()
	n, err := w.queue.SweepJobs(ctx, cutoff)
	if err != nil {
		logger.WarnCF("memory", "Job sweep failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	if n > 0 {
		logger.InfoCF("memory", "Swept finished memory jobs", map[string]interface{}{"count": n})
	}
	return n
}

func (w *Worker) addMetric(ctx context.Context, metric string, value float64, labels map[string]string) {
	if w.metrics == nil {
		return
	}
	_ = w.metrics.AddMetric(context.WithoutCancel(ctx), metric, value, labels)
}
