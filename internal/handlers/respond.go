package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/promptsmith/backend/internal/models"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

var statusByKind = map[string]int{
	models.KindInsufficientCredit:  http.StatusPaymentRequired,
	models.KindTransientStorage:    http.StatusServiceUnavailable,
	models.KindWebhookVerification: http.StatusBadRequest,
	models.KindUnrecognizedProduct: http.StatusBadRequest,
	models.KindBuildWorkerFailure:  http.StatusBadGateway,
	models.KindUnknownUser:         http.StatusInternalServerError,
	models.KindBuildNotFound:       http.StatusNotFound,
	models.KindBuildTerminal:       http.StatusConflict,
	models.KindNoBillingCustomer:   http.StatusNotFound,
	models.KindInvalidRequest:      http.StatusBadRequest,
	models.KindUnauthorized:        http.StatusUnauthorized,
	models.KindForbidden:           http.StatusForbidden,
}

type errorBody struct {
	Error string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteKind writes {"error": kind} with the given status.
func WriteKind(w http.ResponseWriter, status int, kind string) {
	WriteJSON(w, status, errorBody{Error: kind})
}

// WriteError maps err to its stable kind and status. Server-side failures are logged;
// the client only ever sees the kind.
func WriteError(w http.ResponseWriter, log *slog.Logger, msg string, err error) {
	kind := models.ErrorKind(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		log.Error(msg, "error", err)
	}
	WriteKind(w, status, kind)
}

// DecodeJSON reads a JSON body into dst and runs its validate tags.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("field %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	return nil
}
