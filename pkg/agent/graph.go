package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/memory"
	"github.com/dotsetgreg/dotrag/pkg/providers"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
	"github.com/dotsetgreg/dotrag/pkg/structured"
	"github.com/dotsetgreg/dotrag/pkg/utils"
)

// MemoryScheduler queues consolidation after an answered turn.
type MemoryScheduler interface {
	Schedule(ctx context.Context, req memory.ScheduleRequest) error
}

// TurnConfig is built once per request and passed through every stage.
// HistoryLimit caps how many stored thread messages precede a new turn; zero
// loads the whole thread.
type TurnConfig struct {
	UserID             string
	AssistantID        string
	MemoryTypes        []memory.MemoryTypeSpec
	Delay              time.Duration
	K                  int
	MaxPlanSteps       int
	MemorySearchLimit  int
	ContextTokenBudget int
	HistoryLimit       int
	MaxTokens          int
	Temperature        float64
}

// TurnConfigFromConfig derives the per-request defaults from cfg.
func TurnConfigFromConfig(cfg *config.Config) (TurnConfig, error) {
	raw, err := cfg.MemoryTypes()
	if err != nil {
		return TurnConfig{}, err
	}
	types, err := memory.SpecsFromConfig(raw)
	if err != nil {
		return TurnConfig{}, err
	}
	return TurnConfig{
		UserID:             cfg.Memory.UserID,
		AssistantID:        cfg.Memory.AssistantID,
		MemoryTypes:        types,
		Delay:              time.Duration(cfg.Memory.DelaySeconds) * time.Second,
		K:                  cfg.Retrieval.K,
		MaxPlanSteps:       cfg.Agent.MaxPlanSteps,
		MemorySearchLimit:  cfg.Memory.SearchLimit,
		ContextTokenBudget: cfg.Agent.ContextTokenBudget,
		HistoryLimit:       cfg.Agent.HistoryLimit,
		MaxTokens:          cfg.Agent.MaxTokens,
		Temperature:        cfg.Agent.Temperature,
	}, nil
}

// RetryPolicyFromConfig bounds retries at model and retriever boundaries.
func RetryPolicyFromConfig(cfg *config.Config) utils.RetryPolicy {
	policy := utils.DefaultRetryPolicy()
	if cfg.Agent.RetryAttempts > 0 {
		policy.Attempts = cfg.Agent.RetryAttempts
	}
	if cfg.Agent.RetryBaseDelayMS > 0 {
		policy.BaseDelay = time.Duration(cfg.Agent.RetryBaseDelayMS) * time.Millisecond
	}
	return policy
}

// TurnInput carries the messages new in this turn. Earlier turns of the
// thread are loaded from the thread store.
type TurnInput struct {
	ThreadID string              `json:"thread_id"`
	Messages []providers.Message `json:"messages"`
}

type TurnResult struct {
	ThreadID       string               `json:"thread_id"`
	Messages       []providers.Message  `json:"messages"`
	Answer         string               `json:"answer"`
	Classification Classification       `json:"classification"`
	Plan           []string             `json:"plan"`
	Evidence       []retrieval.Document `json:"evidence"`
	Stage          Stage                `json:"stage"`
	ScheduleError  string               `json:"schedule_error,omitempty"`
}

// Options wires a Graph. Memories, Threads and Scheduler are optional; a
// graph without them answers but never remembers.
type Options struct {
	Extractor     structured.Extractor
	Responder     providers.LLMProvider
	ResponseModel string
	Retriever     retrieval.Retriever
	Memories      memory.Store
	Threads       memory.ThreadStore
	Scheduler     MemoryScheduler
	Retry         utils.RetryPolicy
}

// Graph runs one turn: route, then clarify, answer generally, or research
// and answer, then hand the thread to the memory scheduler.
type Graph struct {
	opts   Options
	router *Router
}

func NewGraph(opts Options) (*Graph, error) {
	if opts.Extractor == nil {
		return nil, fmt.Errorf("agent graph requires an extractor")
	}
	if opts.Responder == nil {
		return nil, fmt.Errorf("agent graph requires a response model")
	}
	if opts.Retriever == nil {
		return nil, fmt.Errorf("agent graph requires a retriever")
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = utils.DefaultRetryPolicy()
	}
	return &Graph{opts: opts, router: NewRouter(opts.Extractor)}, nil
}

// NewGraphFromConfig builds the query and response models named in cfg and
// uses store for memories, threads and the job queue.
func NewGraphFromConfig(cfg *config.Config, retriever retrieval.Retriever, store *memory.SQLiteStore) (*Graph, error) {
	policy := RetryPolicyFromConfig(cfg)

	queryProvider, queryModel, err := providers.ForModel(cfg, cfg.Agent.QueryModel)
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}
	responder, responseModel, err := providers.ForModel(cfg, cfg.Agent.ResponseModel)
	if err != nil {
		return nil, fmt.Errorf("response model: %w", err)
	}

	opts := Options{
		Extractor:     structured.NewToolExtractor(queryProvider, queryModel, structured.WithRetry(policy)),
		Responder:     responder,
		ResponseModel: responseModel,
		Retriever:     retrieval.NewRetryingRetriever(retriever, policy),
		Retry:         policy,
	}
	if store != nil {
		opts.Memories = store
		opts.Threads = store
		opts.Scheduler = memory.NewScheduler(store)
	}
	return NewGraph(opts)
}

// Run executes one turn on top of the stored thread. A persistence or
// scheduling failure still returns the answered result alongside the error.
func (g *Graph) Run(ctx context.Context, in TurnInput, tc TurnConfig) (*TurnResult, error) {
	if len(in.Messages) == 0 {
		return nil, ErrEmptyHistory
	}
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		threadID = uuid.NewString()
	}

	history, err := g.loadHistory(ctx, threadID, tc)
	if err != nil {
		return nil, err
	}
	state := NewConversationState(append(history, in.Messages...))
	cls, err := g.router.Classify(ctx, state.Messages)
	if err != nil {
		return nil, err
	}
	state.Category = cls.Category
	state.Rationale = cls.Rationale
	state.Stage = StageRouted

	logger.InfoCF("agent", "Turn routed", map[string]interface{}{
		"thread_id": threadID,
		"category":  string(cls.Category),
	})

	switch cls.Category {
	case CategoryNeedsClarification:
		answer, err := g.respond(ctx, state.Messages, fmt.Sprintf(clarificationSystemPrompt, cls.Rationale), tc)
		if err != nil {
			return nil, err
		}
		state.appendAssistant(answer)
		state.Stage = StageClarifying
		res := g.result(threadID, state, cls, answer)
		if _, err := g.persist(ctx, threadID, state.Messages[len(history):], tc); err != nil {
			res.ScheduleError = err.Error()
			return res, err
		}
		return res, nil

	case CategoryGeneral:
		memories := g.searchMemories(ctx, tc)
		answer, err := g.respond(ctx, state.Messages, fmt.Sprintf(generalSystemPrompt, cls.Rationale, memories), tc)
		if err != nil {
			return nil, err
		}
		state.appendAssistant(answer)
		state.Stage = StageAnswered

	case CategoryInDomain:
		researcher := NewResearcher(g.opts.Extractor, g.opts.Retriever, tc.MaxPlanSteps, tc.K)
		if err := researcher.Run(ctx, state); err != nil {
			return nil, err
		}
		docs := FormatDocs(state.Evidence, tc.ContextTokenBudget)
		answer, err := g.respond(ctx, state.Messages, fmt.Sprintf(responseSystemPrompt, docs), tc)
		if err != nil {
			return nil, err
		}
		state.appendAssistant(answer)
		state.Stage = StageAnswered
	}

	res := g.result(threadID, state, cls, state.Messages[len(state.Messages)-1].Content)
	if err := g.remember(ctx, threadID, state.Messages[len(history):], tc); err != nil {
		res.ScheduleError = err.Error()
		return res, err
	}
	return res, nil
}

func (g *Graph) searchMemories(ctx context.Context, tc TurnConfig) string {
	if g.opts.Memories == nil {
		return ""
	}
	limit := tc.MemorySearchLimit
	if limit <= 0 {
		limit = 10
	}
	records, err := g.opts.Memories.Search(ctx, memory.StatesNamespace(tc.UserID), limit)
	if err != nil {
		logger.WarnCF("agent", "Memory search failed", map[string]interface{}{
			"user_id": tc.UserID,
			"error":   err.Error(),
		})
		return ""
	}
	return memory.FormatMemories(records)
}

func (g *Graph) loadHistory(ctx context.Context, threadID string, tc TurnConfig) ([]providers.Message, error) {
	if g.opts.Threads == nil {
		return nil, nil
	}
	stored, err := g.opts.Threads.ListThreadMessages(ctx, threadID, tc.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	out := make([]providers.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// persist appends the turn's messages to the stored thread and returns the
// thread's length afterwards.
func (g *Graph) persist(ctx context.Context, threadID string, turn []providers.Message, tc TurnConfig) (int, error) {
	if g.opts.Threads == nil {
		return 0, nil
	}
	count, err := g.opts.Threads.AppendThread(ctx, threadID, tc.UserID, turn)
	if err != nil {
		return 0, fmt.Errorf("persist thread: %w", err)
	}
	return count, nil
}

// remember persists the turn, then queues a memory job bounded to the thread
// as it stands now.
func (g *Graph) remember(ctx context.Context, threadID string, turn []providers.Message, tc TurnConfig) error {
	count, err := g.persist(ctx, threadID, turn, tc)
	if err != nil {
		return err
	}
	if g.opts.Scheduler == nil {
		return nil
	}
	return g.opts.Scheduler.Schedule(ctx, memory.ScheduleRequest{
		ThreadID:     threadID,
		UserID:       tc.UserID,
		AssistantID:  tc.AssistantID,
		MemoryTypes:  tc.MemoryTypes,
		Delay:        tc.Delay,
		MessageCount: count,
	})
}

func (g *Graph) respond(ctx context.Context, history []providers.Message, system string, tc TurnConfig) (string, error) {
	messages := make([]providers.Message, 0, len(history)+1)
	messages = append(messages, providers.Message{Role: "system", Content: system})
	messages = append(messages, history...)

	options := map[string]interface{}{}
	if tc.MaxTokens > 0 {
		options["max_tokens"] = tc.MaxTokens
	}
	if tc.Temperature > 0 {
		options["temperature"] = tc.Temperature
	}

	var resp *providers.LLMResponse
	err := utils.Retry(ctx, g.opts.Retry, func(ctx context.Context) error {
		var callErr error
		resp, callErr = g.opts.Responder.Chat(ctx, messages, nil, g.opts.ResponseModel, options)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("generate response: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func (g *Graph) result(threadID string, state *ConversationState, cls Classification, answer string) *TurnResult {
	return &TurnResult{
		ThreadID:       threadID,
		Messages:       state.Messages,
		Answer:         answer,
		Classification: cls,
		Plan:           state.Plan,
		Evidence:       state.Evidence,
		Stage:          state.Stage,
	}
}
