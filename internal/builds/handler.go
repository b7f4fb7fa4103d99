package builds

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/promptsmith/backend/internal/handlers"
	"github.com/promptsmith/backend/internal/middleware"
	"github.com/promptsmith/backend/internal/models"
)

type SubmitBuildRequest struct {
	Bot     string `json:"bot" validate:"required,max=64"`
	Request string `json:"request" validate:"required,max=20000"`
}

type BuildResponse struct {
	ID            string     `json:"id"`
	Bot           string     `json:"bot"`
	Request       string     `json:"request"`
	Status        string     `json:"status"`
	Result        *string    `json:"result"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	Refunded      bool       `json:"refunded,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Submit serves POST /api/v1/builds.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	var req SubmitBuildRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.WriteKind(w, http.StatusBadRequest, models.KindInvalidRequest)
		return
	}
	b, err := h.svc.Submit(r.Context(), userID, req.Bot, req.Request)
	if err != nil {
		handlers.WriteError(w, h.log, "submit build failed", err)
		return
	}
	handlers.WriteJSON(w, http.StatusAccepted, buildToResponse(b))
}

// List serves GET /api/v1/builds.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	list, err := h.svc.List(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, "list builds failed", err)
		return
	}
	resp := make([]BuildResponse, 0, len(list))
	for _, b := range list {
		resp = append(resp, buildToResponse(b))
	}
	handlers.WriteJSON(w, http.StatusOK, resp)
}

// Get serves GET /api/v1/builds/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Get(r.Context(), middleware.UserIDFromCtx(r.Context()), id)
	if err != nil {
		handlers.WriteError(w, h.log, "get build failed", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, buildToResponse(b))
}

// Poll serves GET /api/v1/builds/{id}/poll?since=<status>&wait=<duration>.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	since := models.BuildStatus(q.Get("since"))
	if since != "" && !since.Valid() {
		handlers.WriteKind(w, http.StatusBadRequest, models.KindInvalidRequest)
		return
	}
	var wait time.Duration
	if raw := q.Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			handlers.WriteKind(w, http.StatusBadRequest, models.KindInvalidRequest)
			return
		}
		wait = d
	}
	b, err := h.svc.Poll(r.Context(), middleware.UserIDFromCtx(r.Context()), id, since, wait)
	if err != nil {
		handlers.WriteError(w, h.log, "poll build failed", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, buildToResponse(b))
}

// Events serves GET /api/v1/builds/{id}/events as Server-Sent Events, one "status"
// event per change, closing after the terminal state.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := buildID(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		handlers.WriteKind(w, http.StatusInternalServerError, models.KindInternal)
		return
	}
	started := false
	err := h.svc.Watch(r.Context(), middleware.UserIDFromCtx(r.Context()), id, func(b *models.Build) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(buildToResponse(b))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !started {
		handlers.WriteError(w, h.log, "watch build failed", err)
		return
	}
	if err != nil {
		h.log.Debug("Build event stream ended", "error", err, "build_id", id)
	}
}

func buildID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		handlers.WriteKind(w, http.StatusNotFound, models.KindBuildNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func buildToResponse(b *models.Build) BuildResponse {
	return BuildResponse{
		ID:            b.ID.String(),
		Bot:           b.Bot,
		Request:       b.Request,
		Status:        string(b.Status),
		Result:        b.Result,
		FailureReason: b.FailureReason,
		Refunded:      b.Refunded,
		CreatedAt:     b.CreatedAt,
		StartedAt:     b.StartedAt,
		CompletedAt:   b.CompletedAt,
	}
}
