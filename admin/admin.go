// Package admin exposes the monitoring and control surface consumed by
// the dashboard backend: queue stats, pause/resume, job inspection and
// cancellation, and archive browsing/replay. It is a pure projection
// over the engine; it holds no state of its own.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heraldmail/herald"
	"github.com/heraldmail/herald/archive"
	"github.com/heraldmail/herald/engine"
	"github.com/heraldmail/herald/id"
)

// Handler serves the admin API.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandler creates an admin Handler for the given engine.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: eng, logger: logger}
}

// Router builds the chi router for the admin API.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/v1/healthz", h.health)

	r.Route("/v1/queues/{name}", func(r chi.Router) {
		r.Get("/stats", h.queueStats)
		r.Post("/pause", h.pauseQueue)
		r.Post("/resume", h.resumeQueue)
	})

	r.Route("/v1/jobs/{id}", func(r chi.Router) {
		r.Get("/", h.getJob)
		r.Post("/cancel", h.cancelJob)
	})

	r.Route("/v1/archive", func(r chi.Router) {
		r.Get("/", h.listArchive)
		r.Post("/{id}/replay", h.replayArchive)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Store().Ping(r.Context()); err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, stats)
}

func (h *Handler) pauseQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.engine.Pause(r.Context(), name); err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"queue": name, "paused": true})
}

func (h *Handler) resumeQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.engine.Resume(r.Context(), name); err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"queue": name, "paused": false})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	j, err := h.engine.Job(r.Context(), jobID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, j)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	if err := h.engine.Cancel(r.Context(), jobID); err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"id": jobID.String(), "state": "cancelled"})
}

func (h *Handler) listArchive(w http.ResponseWriter, r *http.Request) {
	opts := archive.ListOpts{
		Queue:    r.URL.Query().Get("queue"),
		TenantID: r.URL.Query().Get("tenant_id"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}

	entries, err := h.engine.Archive().ArchiveStore().ListArchive(r.Context(), opts)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *Handler) replayArchive(w http.ResponseWriter, r *http.Request) {
	archiveID, err := id.ParseArchiveID(chi.URLParam(r, "id"))
	if err != nil {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid archive id"})
		return
	}

	j, err := h.engine.Archive().Replay(r.Context(), archiveID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, j)
}

func (h *Handler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("admin: encode response", slog.String("error", err.Error()))
	}
}

// respondError maps the herald error taxonomy onto HTTP status codes.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, herald.ErrJobNotFound),
		errors.Is(err, herald.ErrQueueNotFound),
		errors.Is(err, herald.ErrArchiveNotFound),
		errors.Is(err, herald.ErrTenantNotFound):
		status = http.StatusNotFound
	case errors.Is(err, herald.ErrInvalidState),
		errors.Is(err, herald.ErrJobAlreadyExists),
		errors.Is(err, herald.ErrJobClaimed):
		status = http.StatusConflict
	case errors.Is(err, herald.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, herald.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("admin: request failed", slog.String("error", err.Error()))
	}
	h.respond(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
