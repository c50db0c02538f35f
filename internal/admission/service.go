// Package admission is the queue's exposed surface: enqueue, task status by
// id, and aggregate statistics, consumed by external CLI and dashboard
// layers. It is a thin JSON layer over the queue client and the status
// registry; no queue semantics live here.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/queue"
	"github.com/crawlgrid/crawlgrid/internal/registry"
	"github.com/crawlgrid/crawlgrid/internal/task"
	"github.com/crawlgrid/crawlgrid/internal/tracing"
)

// Enqueuer is the slice of the queue client the API needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (*task.Task, error)
	Get(ctx context.Context, id uuid.UUID) (*task.Task, error)
}

// StatsSource serves aggregate statistics.
type StatsSource interface {
	Scan(ctx context.Context) (*registry.Snapshot, error)
}

type Service struct {
	q           Enqueuer
	stats       StatsSource
	log         *logging.Logger
	defAttempts int
}

func NewService(q Enqueuer, stats StatsSource, log *logging.Logger, defaultMaxAttempts int) *Service {
	return &Service{q: q, stats: stats, log: log, defAttempts: defaultMaxAttempts}
}

// Routes registers the admission endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tasks", s.handleEnqueue)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
}

type enqueueRequest struct {
	URL         string          `json:"url"`
	Directive   string          `json:"directive,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

type enqueueResponse struct {
	TaskID   string     `json:"task_id"`
	State    task.State `json:"state"`
	Priority int        `json:"priority"`
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "admission.Enqueue")
	defer span.End()

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.defAttempts
	}

	t, err := s.q.Enqueue(ctx, queue.EnqueueParams{
		Payload: task.Payload{
			URL:       req.URL,
			Directive: req.Directive,
			Body:      req.Body,
		},
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.writeQueueError(ctx, w, err)
		return
	}

	s.log.WithContext(ctx).WithTask(t.ID.String()).WithURL(t.Payload.URL).
		WithField("priority", t.Priority).Info("task enqueued")
	writeJSON(w, http.StatusCreated, enqueueResponse{
		TaskID:   t.ID.String(),
		State:    t.State,
		Priority: t.Priority,
	})
}

func (s *Service) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	t, err := s.q.Get(r.Context(), id)
	if err != nil {
		s.writeQueueError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	snap, err := s.stats.Scan(ctx)
	if err != nil {
		s.writeQueueError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) writeQueueError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrStoreUnavailable):
		// Surface it: the caller owns the retry decision for enqueue.
		s.log.WithContext(ctx).WithError(err).Error("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable, retry")
	default:
		s.log.WithContext(ctx).WithError(err).Error("admission request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
