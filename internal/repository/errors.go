package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/promptsmith/backend/internal/models"
)

// Classify turns a raw storage error into one of the engine's error kinds.
// pgx.ErrNoRows becomes notFound; errors that are already classified pass through;
// server-side rejections that a retry cannot fix (constraint violations, bad SQL) stay
// unclassified; everything else is reported as transient storage failure.
func Classify(err, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	for _, known := range []error{
		models.ErrUnknownUser, models.ErrBuildNotFound, models.ErrBuildTerminal,
		models.ErrInsufficientCredit, models.ErrTransientStorage, models.ErrInvalidAmount,
		models.ErrUnrecognizedProduct, models.ErrStaleEvent, models.ErrNoBillingCustomer,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && !IsTransient(err) {
		return fmt.Errorf("storage: %w", err)
	}
	return fmt.Errorf("%w: %w", models.ErrTransientStorage, err)
}

// IsTransient reports whether err is worth retrying as-is: timeouts, errors pgx marks
// safe to retry, serialization failures, deadlocks and connection or resource classes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
		class := pgErr.Code[:min(2, len(pgErr.Code))]
		return class == "08" || class == "53" || class == "57"
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}
