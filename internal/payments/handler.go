package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/promptsmith/backend/internal/handlers"
	"github.com/promptsmith/backend/internal/middleware"
	"github.com/promptsmith/backend/internal/models"
	"github.com/promptsmith/backend/internal/reconcile"
)

// Stripe caps webhook payloads well below this.
const maxWebhookBytes = 1 << 20

type Balances interface {
	Balance(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error)
}

type Reconciler interface {
	Apply(ctx context.Context, ev models.PaymentEvent) (models.PaymentEventOutcome, error)
}

type CheckoutRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"omitempty,min=1,max=1000"`
}

type Handler struct {
	gateway   Gateway
	verifier  *Verifier
	catalog   *reconcile.Catalog
	balances  Balances
	reconcile Reconciler
	publicURL string
	log       *slog.Logger
}

func NewHandler(gateway Gateway, verifier *Verifier, catalog *reconcile.Catalog, balances Balances, rec Reconciler, publicURL string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		gateway:   gateway,
		verifier:  verifier,
		catalog:   catalog,
		balances:  balances,
		reconcile: rec,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log,
	}
}

// Checkout serves POST /api/v1/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		handlers.WriteKind(w, http.StatusUnauthorized, models.KindUnauthorized)
		return
	}
	var req CheckoutRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.WriteKind(w, http.StatusBadRequest, models.KindInvalidRequest)
		return
	}
	product, ok := h.catalog.Lookup(req.ProductID)
	if !ok {
		handlers.WriteKind(w, http.StatusBadRequest, models.KindUnrecognizedProduct)
		return
	}
	qty := req.Quantity
	if qty == 0 || product.Kind == reconcile.KindSubscription {
		qty = 1
	}

	ent, err := h.balances.Balance(r.Context(), ident.UserID)
	if err != nil {
		handlers.WriteError(w, h.log, "load entitlement for checkout failed", err)
		return
	}
	in := CheckoutInput{
		UserID:     ident.UserID,
		Email:      ident.Email,
		Product:    product,
		Quantity:   qty,
		SuccessURL: h.publicURL + "/settings?checkout=success",
		CancelURL:  h.publicURL + "/settings?checkout=canceled",
	}
	if ent.BillingCustomerID != nil {
		in.CustomerID = *ent.BillingCustomerID
	}
	url, err := h.gateway.CreateCheckout(r.Context(), in)
	if err != nil {
		handlers.WriteError(w, h.log, "create checkout failed", err)
		return
	}
	h.log.Info("Checkout created", "user_id", ident.UserID, "product_id", product.ID, "quantity", qty)
	handlers.WriteJSON(w, http.StatusOK, map[string]string{"checkout_url": url})
}

// Portal serves POST /api/v1/billing/portal.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		handlers.WriteKind(w, http.StatusUnauthorized, models.KindUnauthorized)
		return
	}
	ent, err := h.balances.Balance(r.Context(), userID)
	if err != nil {
		handlers.WriteError(w, h.log, "load entitlement for portal failed", err)
		return
	}
	if ent.BillingCustomerID == nil || *ent.BillingCustomerID == "" {
		handlers.WriteError(w, h.log, "open billing portal", models.ErrNoBillingCustomer)
		return
	}
	url, err := h.gateway.CreatePortal(r.Context(), *ent.BillingCustomerID, h.publicURL+"/settings")
	if err != nil {
		handlers.WriteError(w, h.log, "create billing portal failed", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]string{"portal_url": url})
}

// Webhook serves POST /webhooks/stripe. Any non-2xx makes the gateway redeliver, so
// only failures that a retry can fix answer 500.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		handlers.WriteKind(w, http.StatusBadRequest, models.KindInvalidRequest)
		return
	}
	ev, handled, err := h.verifier.Parse(payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, models.ErrWebhookVerification) {
		h.log.Warn("Webhook rejected", "error", err)
		handlers.WriteKind(w, http.StatusBadRequest, models.KindWebhookVerification)
		return
	}
	if err != nil {
		// Authentic but undecodable; redelivery would fail the same way.
		h.log.Error("Malformed webhook payload dropped", "error", err)
		handlers.WriteJSON(w, http.StatusOK, map[string]any{"received": true, "ignored": true, "error": models.KindInvalidRequest})
		return
	}
	if !handled {
		handlers.WriteJSON(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}

	outcome, err := h.reconcile.Apply(r.Context(), ev)
	if err != nil {
		if errors.Is(err, models.ErrUnknownUser) {
			h.log.Error("Webhook for unknown user", "event_id", ev.EventID, "customer_id", ev.CustomerID)
		} else {
			h.log.Error("Webhook reconciliation failed", "event_id", ev.EventID, "error", err)
		}
		handlers.WriteKind(w, http.StatusInternalServerError, models.ErrorKind(err))
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
}
