package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrag/pkg/agent"
	"github.com/dotsetgreg/dotrag/pkg/memory"
	"github.com/dotsetgreg/dotrag/pkg/providers"
)

type stubRunner struct {
	gotInput  agent.TurnInput
	gotConfig agent.TurnConfig
	result    *agent.TurnResult
	err       error
}

func (s *stubRunner) Run(_ context.Context, in agent.TurnInput, tc agent.TurnConfig) (*agent.TurnResult, error) {
	s.gotInput = in
	s.gotConfig = tc
	return s.result, s.err
}

func newTestRouter(t *testing.T, runner *stubRunner) (http.Handler, *memory.SQLiteStore) {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewRouter(Deps{
		Turns:    runner,
		Memories: store,
		Jobs:     store,
		Defaults: agent.TurnConfig{UserID: "default", AssistantID: "memory"},
	}), store
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t, &stubRunner{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateTurn_AppliesUserOverride(t *testing.T) {
	runner := &stubRunner{result: &agent.TurnResult{ThreadID: "t1", Answer: "hi there", Stage: agent.StageAnswered}}
	h, _ := newTestRouter(t, runner)

	body := `{"messages":[{"role":"user","content":"hello"}],"user_id":"alice"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/threads/t1/turns", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1", runner.gotInput.ThreadID)
	assert.Equal(t, []providers.Message{{Role: "user", Content: "hello"}}, runner.gotInput.Messages)
	assert.Equal(t, "alice", runner.gotConfig.UserID)
	assert.Equal(t, "memory", runner.gotConfig.AssistantID)

	var out agent.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "hi there", out.Answer)
}

func TestCreateTurn_RejectsEmptyMessages(t *testing.T) {
	h, _ := newTestRouter(t, &stubRunner{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/threads/t1/turns", strings.NewReader(`{"messages":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTurn_ContractViolationIsBadGateway(t *testing.T) {
	h, _ := newTestRouter(t, &stubRunner{err: agent.ErrUnknownCategory})

	body := `{"messages":[{"role":"user","content":"hello"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/threads/t1/turns", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCreateTurn_ScheduleErrorKeepsAnswer(t *testing.T) {
	runner := &stubRunner{
		result: &agent.TurnResult{ThreadID: "t1", Answer: "ok", ScheduleError: memory.ErrMissingAssistantID.Error()},
		err:    memory.ErrMissingAssistantID,
	}
	h, _ := newTestRouter(t, runner)

	body := `{"messages":[{"role":"user","content":"hello"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/threads/t1/turns", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var out agent.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ok", out.Answer)
	assert.Equal(t, memory.ErrMissingAssistantID.Error(), out.ScheduleError)
}

func TestListMemories(t *testing.T) {
	h, store := newTestRouter(t, &stubRunner{})
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, memory.StatesNamespace("alice"), "User", map[string]interface{}{"preferred_name": "Alice"}))
	require.NoError(t, store.Put(ctx, memory.StatesNamespace("bob"), "User", map[string]interface{}{"preferred_name": "Bob"}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/alice/memories?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Memories []memory.Record `json:"memories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Memories, 1)
	assert.Equal(t, "Alice", out.Memories[0].Value["preferred_name"])
}

func TestListMemories_BadLimit(t *testing.T) {
	h, _ := newTestRouter(t, &stubRunner{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/alice/memories?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs(t *testing.T) {
	h, store := newTestRouter(t, &stubRunner{})
	_, err := store.Enqueue(context.Background(), "memory", memory.MemoryJob{ThreadID: "t1", UserID: "alice"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/threads/t1/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Jobs []memory.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, "t1", out.Jobs[0].Payload.ThreadID)
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
