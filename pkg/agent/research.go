package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
	"github.com/dotsetgreg/dotrag/pkg/structured"
)

// DefaultMaxPlanSteps caps research plans when no limit is configured.
const DefaultMaxPlanSteps = 8

// PlanSchema is the tool the planner must call.
func PlanSchema() structured.Schema {
	return structured.Schema{
		Name:        "Plan",
		Description: "Generate research plan.",
		Fields: []structured.Field{
			{Name: "steps", Type: structured.FieldList, Description: "Ordered sub-questions to research.", Required: true},
		},
	}
}

// Researcher turns a question into a plan and works through it one step at
// a time against the retriever.
type Researcher struct {
	extractor structured.Extractor
	retriever retrieval.Retriever
	maxSteps  int
	k         int
}

func NewResearcher(extractor structured.Extractor, retriever retrieval.Retriever, maxSteps, k int) *Researcher {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxPlanSteps
	}
	return &Researcher{extractor: extractor, retriever: retriever, maxSteps: maxSteps, k: k}
}

// BuildPlan replaces the plan and clears evidence from any earlier plan.
func (r *Researcher) BuildPlan(ctx context.Context, state *ConversationState) error {
	obj, err := structured.ExtractOne(ctx, r.extractor, state.Messages, PlanSchema(), researchPlanSystemPrompt)
	if err != nil {
		return fmt.Errorf("build research plan: %w", err)
	}

	steps := planSteps(obj["steps"])
	if len(steps) == 0 {
		return ErrEmptyPlan
	}
	if len(steps) > r.maxSteps {
		logger.WarnCF("agent", "Research plan truncated", map[string]interface{}{
			"steps": len(steps),
			"max":   r.maxSteps,
		})
		steps = steps[:r.maxSteps]
	}

	state.Plan = steps
	state.Evidence = []retrieval.Document{}
	state.Stage = StageResearching
	return nil
}

// Step pops the first plan step, retrieves for it, and appends the results.
// It reports true once the plan is exhausted.
func (r *Researcher) Step(ctx context.Context, state *ConversationState) (bool, error) {
	if len(state.Plan) == 0 {
		state.Stage = StageDone
		return true, nil
	}
	question := state.Plan[0]

	docs, err := r.retriever.Search(ctx, question, retrieval.SearchOptions{K: r.k})
	if err != nil {
		return false, fmt.Errorf("research step %q: %w", question, err)
	}
	state.Plan = state.Plan[1:]
	state.Evidence = append(state.Evidence, docs...)

	logger.DebugCF("agent", "Research step finished", map[string]interface{}{
		"documents": len(docs),
		"remaining": len(state.Plan),
	})
	if len(state.Plan) == 0 {
		state.Stage = StageDone
		return true, nil
	}
	return false, nil
}

// Run plans and then steps until the plan is empty.
func (r *Researcher) Run(ctx context.Context, state *ConversationState) error {
	if err := r.BuildPlan(ctx, state); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := r.Step(ctx, state)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func planSteps(v interface{}) []string {
	var raw []interface{}
	switch vv := v.(type) {
	case []interface{}:
		raw = vv
	case []string:
		for _, s := range vv {
			raw = append(raw, s)
		}
	case string:
		raw = []interface{}{vv}
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
