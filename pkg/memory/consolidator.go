package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/providers"
	"github.com/dotsetgreg/dotrag/pkg/structured"
)

// TypeReport is the outcome of consolidating one memory type.
type TypeReport struct {
	Name       string
	Mode       UpdateMode
	Candidates int
	Written    int
	Keys       []string
	Errors     []string
}

// Report summarizes one consolidation run.
type Report struct {
	ThreadID string
	UserID   string
	Types    []TypeReport
	Duration time.Duration
}

// Written totals the records stored across all types.
func (r Report) Written() int {
	n := 0
	for _, t := range r.Types {
		n += t.Written
	}
	return n
}

// Failed reports whether any type or record failed.
func (r Report) Failed() bool {
	for _, t := range r.Types {
		if len(t.Errors) > 0 {
			return true
		}
	}
	return false
}

// Engine extracts memories from a conversation and writes them to the
// (user, states) namespace, one goroutine per memory type.
type Engine struct {
	store     Store
	extractor structured.Extractor
	newKey    func() string
}

type EngineOption func(*Engine)

// WithKeyFunc overrides how insert-mode keys are minted.
func WithKeyFunc(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newKey = fn
		}
	}
}

func NewEngine(store Store, extractor structured.Extractor, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		extractor: extractor,
		newKey:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Consolidate never fails as a whole: each type and each record succeeds or
// fails on its own and failures are logged into the report.
func (e *Engine) Consolidate(ctx context.Context, job MemoryJob, messages []providers.Message) Report {
	started := time.Now()
	report := Report{
		ThreadID: job.ThreadID,
		UserID:   job.UserID,
		Types:    make([]TypeReport, len(job.MemoryTypes)),
	}
	ns := StatesNamespace(job.UserID)

	var wg sync.WaitGroup
	for i, spec := range job.MemoryTypes {
		wg.Add(1)
		go func(i int, spec MemoryTypeSpec) {
			defer wg.Done()
			tr := TypeReport{Name: spec.Name, Mode: spec.Mode}
			defer func() {
				if r := recover(); r != nil {
					tr.Errors = append(tr.Errors, fmt.Sprintf("panic: %v", r))
				}
				report.Types[i] = tr
			}()
			switch spec.Mode {
			case ModePatch:
				e.patch(ctx, ns, spec, messages, &tr)
			case ModeInsert:
				e.insert(ctx, ns, spec, messages, &tr)
			default:
				tr.Errors = append(tr.Errors, fmt.Sprintf("unknown update mode %q", spec.Mode))
			}
		}(i, spec)
	}
	wg.Wait()

	report.Duration = time.Since(started)
	for _, tr := range report.Types {
		for _, msg := range tr.Errors {
			logger.WarnCF("memory", "Memory type consolidation failed", map[string]interface{}{
				"thread_id":   job.ThreadID,
				"user_id":     job.UserID,
				"memory_type": tr.Name,
				"error":       msg,
			})
		}
	}
	logger.InfoCF("memory", "Consolidation finished", map[string]interface{}{
		"thread_id":   job.ThreadID,
		"user_id":     job.UserID,
		"types":       len(report.Types),
		"written":     report.Written(),
		"duration_ms": report.Duration.Milliseconds(),
	})
	return report
}

func (e *Engine) patch(ctx context.Context, ns Namespace, spec MemoryTypeSpec, messages []providers.Message, tr *TypeReport) {
	var existing *Record
	rec, err := e.store.Get(ctx, ns, spec.Name)
	switch {
	case err == nil:
		existing = &rec
	case errors.Is(err, ErrNotFound):
	default:
		tr.Errors = append(tr.Errors, fmt.Sprintf("load existing %s: %v", spec.Name, err))
		return
	}

	raw, err := e.extractor.Extract(ctx, prepareMessages(spec, messages, existing), spec.Schema, spec.Instructions)
	if err != nil {
		tr.Errors = append(tr.Errors, err.Error())
		return
	}
	tr.Candidates = len(raw)

	// Several calls for a single-record type are folded in the order produced.
	candidate := map[string]interface{}{}
	for _, obj := range raw {
		candidate = MergePatch(spec, candidate, NormalizeCandidate(spec, obj))
	}
	if !HasContent(candidate) {
		return
	}

	_, err = e.store.Update(ctx, ns, spec.Name, func(current *Record) (map[string]interface{}, error) {
		if current == nil {
			return candidate, nil
		}
		return MergePatch(spec, current.Value, candidate), nil
	})
	if err != nil {
		tr.Errors = append(tr.Errors, fmt.Sprintf("write %s: %v", spec.Name, err))
		return
	}
	tr.Written = 1
	tr.Keys = append(tr.Keys, spec.Name)
}

func (e *Engine) insert(ctx context.Context, ns Namespace, spec MemoryTypeSpec, messages []providers.Message, tr *TypeReport) {
	raw, err := e.extractor.Extract(ctx, prepareMessages(spec, messages, nil), spec.Schema, spec.Instructions)
	if err != nil {
		tr.Errors = append(tr.Errors, err.Error())
		return
	}
	tr.Candidates = len(raw)

	for _, obj := range raw {
		value := NormalizeCandidate(spec, obj)
		if !HasContent(value) {
			continue
		}
		key := e.newKey()
		if err := e.store.Insert(ctx, ns, key, value); err != nil {
			tr.Errors = append(tr.Errors, fmt.Sprintf("insert %s/%s: %v", spec.Name, key, err))
			continue
		}
		tr.Written++
		tr.Keys = append(tr.Keys, key)
	}
}
