package models

import "errors"

var (
	ErrInsufficientCredit  = errors.New("insufficient credit")
	ErrTransientStorage    = errors.New("storage temporarily unavailable")
	ErrWebhookVerification = errors.New("webhook signature verification failed")
	ErrUnrecognizedProduct = errors.New("unrecognized product")
	ErrStaleEvent          = errors.New("stale payment event")
	ErrBuildWorkerFailure  = errors.New("build worker failure")
	ErrUnknownUser         = errors.New("unknown user")

	ErrBuildNotFound = errors.New("build not found")
	ErrBuildTerminal = errors.New("build already in a terminal state")
	ErrInvalidAmount = errors.New("credit amount must be positive")

	ErrNoBillingCustomer = errors.New("no billing customer linked")
)

// Stable error kinds returned to clients.
const (
	KindInsufficientCredit  = "insufficient_credit"
	KindTransientStorage    = "transient_storage"
	KindWebhookVerification = "webhook_verification"
	KindUnrecognizedProduct = "unrecognized_product"
	KindStaleEvent          = "stale_event"
	KindBuildWorkerFailure  = "build_worker_failure"
	KindUnknownUser         = "unknown_user"
	KindBuildNotFound       = "build_not_found"
	KindBuildTerminal       = "build_terminal"
	KindNoBillingCustomer   = "no_billing_customer"
	KindInvalidRequest      = "invalid_request"
	KindUnauthorized        = "unauthorized"
	KindForbidden           = "forbidden"
	KindInternal            = "internal"
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInsufficientCredit, KindInsufficientCredit},
	{ErrTransientStorage, KindTransientStorage},
	{ErrWebhookVerification, KindWebhookVerification},
	{ErrUnrecognizedProduct, KindUnrecognizedProduct},
	{ErrStaleEvent, KindStaleEvent},
	{ErrBuildWorkerFailure, KindBuildWorkerFailure},
	{ErrUnknownUser, KindUnknownUser},
	{ErrBuildNotFound, KindBuildNotFound},
	{ErrBuildTerminal, KindBuildTerminal},
	{ErrInvalidAmount, KindInvalidRequest},
	{ErrNoBillingCustomer, KindNoBillingCustomer},
}

// ErrorKind maps err to the stable kind exposed to clients. Unclassified errors are "internal"
// so storage details never leak.
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
