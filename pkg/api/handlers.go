package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dotsetgreg/dotrag/pkg/agent"
	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/memory"
	"github.com/dotsetgreg/dotrag/pkg/providers"
)

// TurnRequest holds the messages new in this turn; earlier turns on the
// thread are already stored.
type TurnRequest struct {
	Messages []providers.Message `json:"messages"`
	UserID   string              `json:"user_id,omitempty"`
}

type TurnHandler struct {
	turns    TurnRunner
	defaults agent.TurnConfig
}

// Create handles POST /threads/{threadID}/turns
func (h *TurnHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	tc := h.defaults
	tc.MemoryTypes = memory.CloneSpecs(h.defaults.MemoryTypes)
	if uid := strings.TrimSpace(req.UserID); uid != "" {
		tc.UserID = uid
	}

	in := agent.TurnInput{ThreadID: chi.URLParam(r, "threadID"), Messages: req.Messages}
	res, err := h.turns.Run(r.Context(), in, tc)
	if err != nil && res == nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, agent.ErrEmptyHistory):
			status = http.StatusBadRequest
		case errors.Is(err, agent.ErrUnknownCategory), errors.Is(err, agent.ErrEmptyPlan):
			status = http.StatusBadGateway
		}
		logger.ErrorCF("api", "Turn failed", map[string]interface{}{
			"request_id": requestID(r),
			"thread_id":  in.ThreadID,
			"error":      err.Error(),
		})
		writeError(w, status, err.Error())
		return
	}
	if err != nil {
		logger.WarnCF("api", "Turn answered without memory job", map[string]interface{}{
			"request_id": requestID(r),
			"thread_id":  res.ThreadID,
			"error":      err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

type MemoryHandler struct {
	store memory.Store
}

// List handles GET /users/{userID}/memories
func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := h.store.Search(r.Context(), memory.StatesNamespace(chi.URLParam(r, "userID")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []memory.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": records})
}

type JobHandler struct {
	jobs memory.JobQueue
}

// List handles GET /threads/{threadID}/jobs
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := h.jobs.ListJobs(r.Context(), chi.URLParam(r, "threadID"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []memory.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}
