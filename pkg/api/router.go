// Package api exposes turns, memories and memory jobs over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dotsetgreg/dotrag/pkg/agent"
	"github.com/dotsetgreg/dotrag/pkg/memory"
)

// TurnRunner executes one conversation turn.
type TurnRunner interface {
	Run(ctx context.Context, in agent.TurnInput, tc agent.TurnConfig) (*agent.TurnResult, error)
}

// Deps are the services the routes read from. Defaults is copied for every
// request before overrides are applied.
type Deps struct {
	Turns    TurnRunner
	Memories memory.Store
	Jobs     memory.JobQueue
	Defaults agent.TurnConfig
}

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recovery)

	turnH := &TurnHandler{turns: deps.Turns, defaults: deps.Defaults}
	memoryH := &MemoryHandler{store: deps.Memories}
	jobH := &JobHandler{jobs: deps.Jobs}

	r.Get("/healthz", Health)
	r.Post("/threads/{threadID}/turns", turnH.Create)
	r.Get("/threads/{threadID}/jobs", jobH.List)
	r.Get("/users/{userID}/memories", memoryH.List)
	return r
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
