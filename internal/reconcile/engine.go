package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/promptsmith/backend/internal/metrics"
	"github.com/promptsmith/backend/internal/models"
	"github.com/promptsmith/backend/internal/repository"
)

// Store is the persistence the engine needs; every call after Begin runs in that one
// transaction. PostgresStore implements it.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Record(ctx context.Context, tx pgx.Tx, ev models.PaymentEvent) (bool, error)
	SetOutcome(ctx context.Context, tx pgx.Tx, eventID string, userID uuid.UUID, outcome models.PaymentEventOutcome) error
	UserIDByCustomerID(ctx context.Context, tx pgx.Tx, customerID string) (uuid.UUID, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Entitlement, error)
	ApplyPlanState(ctx context.Context, tx pgx.Tx, userID uuid.UUID, s repository.PlanState, entry repository.CreditEntry, delta int) error
}

// PostgresStore joins the entitlement and payment event repositories over one pool.
type PostgresStore struct {
	*repository.EntitlementRepo
	*repository.PaymentEventRepo
}

func NewPostgresStore(ents *repository.EntitlementRepo, events *repository.PaymentEventRepo) *PostgresStore {
	return &PostgresStore{EntitlementRepo: ents, PaymentEventRepo: events}
}

func (s *PostgresStore) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.EntitlementRepo.Begin(ctx)
}

var _ Store = (*PostgresStore)(nil)

type Engine struct {
	store   Store
	catalog *Catalog
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewEngine(store Store, catalog *Catalog, m *metrics.Metrics, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, catalog: catalog, metrics: m, log: log}
}

// Apply reconciles one verified payment event into the user's entitlement. The dedup
// record, the entitlement write, its journal entry and the outcome commit together, so
// redelivery of an event is a no-op and a failed attempt leaves no trace.
//
// Stale and unrecognized-product events are recorded and return a nil error; they must
// not be redelivered. ErrUnknownUser and transient errors roll everything back.
func (e *Engine) Apply(ctx context.Context, ev models.PaymentEvent) (models.PaymentEventOutcome, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return "", repository.Classify(err, models.ErrUnknownUser)
	}
	defer tx.Rollback(ctx)

	inserted, err := e.store.Record(ctx, tx, ev)
	if err != nil {
		return "", repository.Classify(err, models.ErrUnknownUser)
	}
	if !inserted {
		e.log.Info("Duplicate payment event ignored", "event_id", ev.EventID, "type", ev.Type)
		e.metrics.PaymentEvent(string(ev.Type), string(models.OutcomeDuplicate))
		return models.OutcomeDuplicate, nil
	}

	userID, err := e.resolveUser(ctx, tx, ev)
	if err != nil {
		return "", err
	}
	cur, err := e.store.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return "", repository.Classify(err, models.ErrUnknownUser)
	}

	eff, err := decide(ev, cur, e.catalog)
	if err != nil {
		return "", err
	}
	if eff.outcome == models.OutcomeApplied {
		entry := repository.CreditEntry{EntryType: eff.entryType, EventID: &ev.EventID}
		if err := e.store.ApplyPlanState(ctx, tx, userID, eff.state, entry, eff.delta); err != nil {
			return "", repository.Classify(err, models.ErrUnknownUser)
		}
	}
	if err := e.store.SetOutcome(ctx, tx, ev.EventID, userID, eff.outcome); err != nil {
		return "", repository.Classify(err, models.ErrUnknownUser)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", repository.Classify(err, models.ErrUnknownUser)
	}

	e.metrics.PaymentEvent(string(ev.Type), string(eff.outcome))
	attrs := []any{"event_id", ev.EventID, "type", ev.Type, "user_id", userID, "product_id", ev.ProductID}
	switch eff.outcome {
	case models.OutcomeStale:
		e.log.Info("Stale payment event discarded", append(attrs, "error", models.ErrStaleEvent, "occurred_at", ev.OccurredAt)...)
	case models.OutcomeUnrecognizedProduct:
		e.log.Warn("Payment event for unrecognized product recorded without effect", append(attrs, "error", models.ErrUnrecognizedProduct)...)
	default:
		e.log.Info("Payment event applied", append(attrs, "plan", eff.state.Plan, "credits", eff.state.Credits)...)
	}
	return eff.outcome, nil
}

func (e *Engine) resolveUser(ctx context.Context, tx pgx.Tx, ev models.PaymentEvent) (uuid.UUID, error) {
	if ev.UserID != uuid.Nil {
		return ev.UserID, nil
	}
	if ev.CustomerID == "" {
		return uuid.Nil, fmt.Errorf("%w: event %s carries neither user nor customer", models.ErrUnknownUser, ev.EventID)
	}
	id, err := e.store.UserIDByCustomerID(ctx, tx, ev.CustomerID)
	if err != nil {
		return uuid.Nil, repository.Classify(err, models.ErrUnknownUser)
	}
	return id, nil
}
