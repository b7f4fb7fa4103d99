package router

import (
	"net/http"

	"github.com/promptsmith/backend/internal/builds"
	"github.com/promptsmith/backend/internal/ledger"
	"github.com/promptsmith/backend/internal/middleware"
	"github.com/promptsmith/backend/internal/payments"
)

type Handlers struct {
	Ledger   *ledger.Handler
	Builds   *builds.Handler
	Payments *payments.Handler
}

// New returns the API mux. Everything under /api/v1 requires a user token; the gateway
// webhook authenticates by signature instead.
func New(h Handlers, tokens middleware.TokenValidator) *http.ServeMux {
	mux := http.NewServeMux()
	user := middleware.RequireUser(tokens)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, user(fn))
	}
	base := "/api/v1"

	handle("POST "+base+"/credits/deduct", h.Ledger.Deduct)
	handle("GET "+base+"/entitlements/me", h.Ledger.GetMe)
	handle("POST "+base+"/entitlements", h.Ledger.Provision)
	handle("GET "+base+"/credit-ledger", h.Ledger.ListCreditLedger)

	handle("POST "+base+"/builds", h.Builds.Submit)
	handle("GET "+base+"/builds", h.Builds.List)
	handle("GET "+base+"/builds/{id}", h.Builds.Get)
	handle("GET "+base+"/builds/{id}/poll", h.Builds.Poll)
	handle("GET "+base+"/builds/{id}/events", h.Builds.Events)

	handle("POST "+base+"/checkout", h.Payments.Checkout)
	handle("POST "+base+"/billing/portal", h.Payments.Portal)
	mux.HandleFunc("POST /webhooks/stripe", h.Payments.Webhook)

	return mux
}
