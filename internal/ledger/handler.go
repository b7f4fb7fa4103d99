package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/promptsmith/backend/internal/handlers"
	"github.com/promptsmith/backend/internal/middleware"
	"github.com/promptsmith/backend/internal/models"
)

type DeductRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

type EntitlementResponse struct {
	UserID    string    `json:"user_id"`
	Plan      string    `json:"plan"`
	Credits   int       `json:"credits"`
	Unmetered bool      `json:"unmetered"`
	Usage     int       `json:"usage"`
	Quota     *int      `json:"quota"`
	UpdatedAt time.Time `json:"updated_at"`
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

// Deduct serves POST /api/v1/credits/deduct. The caller may only spend their own credits.
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.UserIDFromCtx(r.Context())
	if callerID == uuid.Nil {
		handlers.WriteKind(w, http.StatusUnauthorized, models.KindUnauthorized)
		return
	}
	var req DeductRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.WriteKind(w, http.StatusBadRequest, models.KindInvalidRequest)
		return
	}
	if uuid.MustParse(req.UserID) != callerID {
		handlers.WriteKind(w, http.StatusForbidden, models.KindForbidden)
		return
	}
	res, err := h.svc.TryDeduct(r.Context(), callerID)
	if err != nil {
		handlers.WriteError(w, h.log, "deduct credit failed", err)
		return
	}
	if res.Decision == Denied {
		handlers.WriteJSON(w, http.StatusPaymentRequired, map[string]any{
			"success": false,
			"error":   models.KindInsufficientCredit,
			"plan":    res.Plan,
			"credits": res.Credits,
		})
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"plan":    res.Plan,
		"credits": res.Credits,
	})
}

// GetMe serves GET /api/v1/entitlements/me (refresh-balance).
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	e, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, "get entitlement failed", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, toEntitlementResponse(e))
}

// Provision serves POST /api/v1/entitlements, called once at registration. Repeats are harmless.
func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	e, created, err := h.svc.Provision(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, "provision entitlement failed", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	handlers.WriteJSON(w, status, toEntitlementResponse(e))
}

// ListCreditLedger serves GET /api/v1/credit-ledger?limit=N.
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.History(r.Context(), userID, limit)
	if err != nil {
		handlers.WriteError(w, h.log, "list credit ledger failed", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, entries)
}

func toEntitlementResponse(e *models.Entitlement) EntitlementResponse {
	return EntitlementResponse{
		UserID:    e.UserID.String(),
		Plan:      string(e.Plan),
		Credits:   e.Credits,
		Unmetered: e.IsPlanActive(),
		Usage:     e.Usage,
		Quota:     e.Quota,
		UpdatedAt: e.UpdatedAt,
	}
}
