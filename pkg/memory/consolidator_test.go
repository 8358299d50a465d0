package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrag/pkg/providers"
	"github.com/dotsetgreg/dotrag/pkg/structured"
)

type extractCall struct {
	schema   string
	messages []providers.Message
}

// scriptedExtractor answers each schema from a queue of canned results.
type scriptedExtractor struct {
	mu      sync.Mutex
	results map[string][][]map[string]interface{}
	errs    map[string]error
	calls   []extractCall
}

func newScriptedExtractor() *scriptedExtractor {
	return &scriptedExtractor{results: map[string][][]map[string]interface{}{}, errs: map[string]error{}}
}

func (s *scriptedExtractor) push(schema string, objects ...map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[schema] = append(s.results[schema], objects)
}

func (s *scriptedExtractor) Extract(_ context.Context, messages []providers.Message, schema structured.Schema, _ string) ([]map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, extractCall{schema: schema.Name, messages: messages})
	if err := s.errs[schema.Name]; err != nil {
		return nil, err
	}
	queue := s.results[schema.Name]
	if len(queue) == 0 {
		return nil, nil
	}
	s.results[schema.Name] = queue[1:]
	return queue[0], nil
}

func (s *scriptedExtractor) callsFor(schema string) []extractCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []extractCall{}
	for _, c := range s.calls {
		if c.schema == schema {
			out = append(out, c)
		}
	}
	return out
}

func userTurn(content string) []providers.Message {
	return []providers.Message{{Role: "user", Content: content}, {Role: "assistant", Content: "ok"}}
}

func TestEngine_HenryPatchKeepsInterests(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ext := newScriptedExtractor()
	engine := NewEngine(store, ext)
	job := MemoryJob{ThreadID: "t1", UserID: "u1", MemoryTypes: DefaultMemoryTypes()[:1]}

	ext.push("User", map[string]interface{}{"preferred_name": "Henry", "interests": []interface{}{"fun things"}})
	report := engine.Consolidate(ctx, job, userTurn("My name is Henry. I like fun things"))
	require.False(t, report.Failed())
	assert.Equal(t, 1, report.Written())

	ext.push("User", map[string]interface{}{"topics_discussed": []interface{}{"weather"}})
	report = engine.Consolidate(ctx, job, userTurn("Anyway, what is the weather like?"))
	require.False(t, report.Failed())

	rec, err := store.Get(ctx, StatesNamespace("u1"), "User")
	require.NoError(t, err)
	assert.Equal(t, "Henry", rec.Value["preferred_name"])
	assert.Equal(t, []interface{}{"fun things"}, rec.Value["interests"])
	assert.Equal(t, []interface{}{"weather"}, rec.Value["topics_discussed"])

	calls := ext.callsFor("User")
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].messages[0].Content, "<existing-memory")
	assert.Contains(t, calls[1].messages[0].Content, "Henry", "patch prompt carries the stored record")
}

func TestEngine_PatchFoldsParallelCallsAndDedups(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ext := newScriptedExtractor()
	engine := NewEngine(store, ext)

	ext.push("User",
		map[string]interface{}{"interests": []interface{}{"a", "b", "a"}},
		map[string]interface{}{"interests": []interface{}{"b", "c"}},
	)
	engine.Consolidate(ctx, MemoryJob{ThreadID: "t1", UserID: "u1", MemoryTypes: DefaultMemoryTypes()[:1]}, userTurn("hi"))

	rec, err := store.Get(ctx, StatesNamespace("u1"), "User")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, rec.Value["interests"])
}

func TestEngine_InsertNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ext := newScriptedExtractor()
	engine := NewEngine(store, ext, WithKeyFunc(func() string { return "fixed" }))
	job := MemoryJob{ThreadID: "t1", UserID: "u1", MemoryTypes: DefaultMemoryTypes()[1:]}

	ext.push("Note", map[string]interface{}{"content": "likes tea"})
	report := engine.Consolidate(ctx, job, userTurn("I like tea"))
	require.False(t, report.Failed())

	ext.push("Note", map[string]interface{}{"content": "likes coffee"})
	report = engine.Consolidate(ctx, job, userTurn("I like coffee"))
	assert.True(t, report.Failed())
	assert.Equal(t, 0, report.Written())

	rec, err := store.Get(ctx, StatesNamespace("u1"), "fixed")
	require.NoError(t, err)
	assert.Equal(t, "likes tea", rec.Value["content"])
}

func TestEngine_InsertWritesOneRecordPerCandidate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ext := newScriptedExtractor()
	engine := NewEngine(store, ext)

	ext.push("Note",
		map[string]interface{}{"context": "travel", "content": "visiting Lisbon in May"},
		map[string]interface{}{"content": "allergic to peanuts"},
		map[string]interface{}{"content": "   "},
	)
	report := engine.Consolidate(ctx, MemoryJob{ThreadID: "t1", UserID: "u1", MemoryTypes: DefaultMemoryTypes()[1:]}, userTurn("notes"))
	require.Len(t, report.Types, 1)
	assert.Equal(t, 3, report.Types[0].Candidates)
	assert.Equal(t, 2, report.Types[0].Written)

	recs, err := store.Search(ctx, StatesNamespace("u1"), 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestEngine_FailuresIsolatedPerType(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ext := newScriptedExtractor()
	ext.errs["Note"] = errors.New("rate limited")
	ext.push("User", map[string]interface{}{"preferred_name": "Ana"})

	report := NewEngine(store, ext).Consolidate(ctx, MemoryJob{ThreadID: "t1", UserID: "u1", MemoryTypes: DefaultMemoryTypes()}, userTurn("I'm Ana"))
	assert.True(t, report.Failed())
	assert.Equal(t, 1, report.Written())

	for _, tr := range report.Types {
		switch tr.Name {
		case "Note":
			require.Len(t, tr.Errors, 1)
			assert.True(t, strings.Contains(tr.Errors[0], "rate limited"))
		case "User":
			assert.Empty(t, tr.Errors)
		}
	}
	_, err := store.Get(ctx, StatesNamespace("u1"), "User")
	assert.NoError(t, err)
}

func TestEngine_UnknownModeIsReportedNotPatched(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ext := newScriptedExtractor()
	ext.push("User", map[string]interface{}{"preferred_name": "Henry"})

	spec := DefaultMemoryTypes()[0]
	spec.Mode = UpdateMode("append")
	report := NewEngine(store, ext).Consolidate(ctx, MemoryJob{ThreadID: "t1", UserID: "u1", MemoryTypes: []MemoryTypeSpec{spec}}, userTurn("I'm Henry"))

	require.Len(t, report.Types, 1)
	require.Len(t, report.Types[0].Errors, 1)
	assert.Contains(t, report.Types[0].Errors[0], `unknown update mode "append"`)
	assert.Equal(t, 0, report.Written())
	assert.Empty(t, ext.callsFor("User"))

	_, err := store.Get(ctx, StatesNamespace("u1"), "User")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_UnrelatedNamespaceStaysEmpty(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ext := newScriptedExtractor()
	ext.push("User", map[string]interface{}{"preferred_name": "Henry"})

	NewEngine(store, ext).Consolidate(ctx, MemoryJob{ThreadID: "t1", UserID: "u1", MemoryTypes: DefaultMemoryTypes()[:1]}, userTurn("I'm Henry"))

	recs, err := store.Search(ctx, StatesNamespace("someone-else"), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPrepareMessages_WrapsConversation(t *testing.T) {
	spec := DefaultMemoryTypes()[1]
	msgs := prepareMessages(spec, []providers.Message{
		{Role: "system", Content: "original system prompt"},
		{Role: "user", Content: "hello"},
	}, nil)

	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[0].Content, spec.Instructions))
	assert.Contains(t, msgs[0].Content, "<memory-system>")
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, "user", msgs[2].Role)
	assert.True(t, strings.HasPrefix(msgs[2].Content, "## End of conversation"))
}
