package ledger

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

type Decision string

const (
	Allowed Decision = "allowed"
	Denied  Decision = "denied"
)

// Result is the outcome of a deduction attempt. Credits is the balance the decision
// was taken against (after the decrement when allowed).
type Result struct {
	Decision Decision
	Plan     models.Plan
	Credits  int
}

// Store is the entitlement persistence the ledger needs. *repository.EntitlementRepo implements it.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetByID(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Entitlement, error)
	Provision(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Entitlement, bool, error)
	TryDeduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, buildID *uuid.UUID) (repository.DeductResult, error)
	AddCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, entry repository.CreditEntry) (int, error)
}

// Journal lists credit ledger entries. *repository.CreditRepo implements it.
type Journal interface {
	ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditLedger, error)
}

type Service interface {
	TryDeduct(ctx context.Context, userID uuid.UUID) (Result, error)
	TryDeductTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, buildID *uuid.UUID) (Result, error)
	Credit(ctx context.Context, userID uuid.UUID, amount int, entryType string) (int, error)
	CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, entry repository.CreditEntry) (int, error)
	RefundTx(ctx context.Context, tx pgx.Tx, userID, buildID uuid.UUID) (bool, error)
	Balance(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error)
	Provision(ctx context.Context, userID uuid.UUID) (*models.Entitlement, bool, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditLedger, error)
}

type service struct {
	store   Store
	journal Journal
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewService(store Store, journal Journal, m *metrics.Metrics, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, journal: journal, metrics: m, log: log}
}

var _ Service = (*service)(nil)

// TryDeduct consumes one credit in its own transaction. Monthly and Annual plans are
// always allowed without touching the balance.
func (s *service) TryDeduct(ctx context.Context, userID uuid.UUID) (Result, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Result{}, repository.Classify(err, models.ErrUnknownUser)
	}
	defer tx.Rollback(ctx)

	res, err := s.TryDeductTx(ctx, tx, userID, nil)
	if err != nil {
		return res, err
	}
	if res.Decision == Denied {
		return res, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, repository.Classify(err, models.ErrUnknownUser)
	}
	return res, nil
}

// TryDeductTx runs the deduction inside the caller's transaction; nothing is visible
// until the caller commits.
func (s *service) TryDeductTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, buildID *uuid.UUID) (Result, error) {
	out, err := s.store.TryDeduct(ctx, tx, userID, buildID)
	if err != nil {
		return Result{}, repository.Classify(err, models.ErrUnknownUser)
	}
	res := Result{Decision: Denied, Plan: out.Plan, Credits: out.Credits}
	if out.Allowed {
		res.Decision = Allowed
	}
	s.metrics.Deduction(string(res.Decision))
	s.log.Debug("Credit deduction", "user_id", userID, "decision", res.Decision, "plan", res.Plan, "credits", res.Credits)
	return res, nil
}

func (s *service) Credit(ctx context.Context, userID uuid.UUID, amount int, entryType string) (int, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, repository.Classify(err, models.ErrUnknownUser)
	}
	defer tx.Rollback(ctx)

	bal, err := s.CreditTx(ctx, tx, userID, amount, repository.CreditEntry{EntryType: entryType})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, repository.Classify(err, models.ErrUnknownUser)
	}
	return bal, nil
}

// CreditTx adds amount credits inside the caller's transaction. It is not idempotent:
// callers guard it with event dedup or a one-shot state transition.
func (s *service) CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, entry repository.CreditEntry) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: %d", models.ErrInvalidAmount, amount)
	}
	bal, err := s.store.AddCredits(ctx, tx, userID, amount, entry)
	if err != nil {
		return 0, repository.Classify(err, models.ErrUnknownUser)
	}
	return bal, nil
}

// RefundTx returns the credit charged for a build. Users now on an unmetered plan get
// nothing back: their balance is an allotment, not spendable credit.
func (s *service) RefundTx(ctx context.Context, tx pgx.Tx, userID, buildID uuid.UUID) (bool, error) {
	e, err := s.store.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return false, repository.Classify(err, models.ErrUnknownUser)
	}
	if e.Plan.Unmetered() {
		s.log.Info("Refund skipped for unmetered plan", "user_id", userID, "build_id", buildID, "plan", e.Plan)
		return false, nil
	}
	if _, err := s.CreditTx(ctx, tx, userID, 1, repository.CreditEntry{
		EntryType: models.CreditEntryRefund,
		BuildID:   &buildID,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error) {
	e, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, repository.Classify(err, models.ErrUnknownUser)
	}
	return e, nil
}

// Provision creates the Free entitlement with starter credits. Calling it again for the
// same user returns the existing row with created=false.
func (s *service) Provision(ctx context.Context, userID uuid.UUID) (*models.Entitlement, bool, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, false, repository.Classify(err, models.ErrUnknownUser)
	}
	defer tx.Rollback(ctx)

	e, created, err := s.store.Provision(ctx, tx, userID)
	if err != nil {
		return nil, false, repository.Classify(err, models.ErrUnknownUser)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, repository.Classify(err, models.ErrUnknownUser)
	}
	if created {
		s.log.Info("Entitlement provisioned", "user_id", userID, "credits", e.Credits)
	}
	return e, created, nil
}

func (s *service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditLedger, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := s.journal.ListByUserID(ctx, userID, limit)
	if err != nil {
		return nil, repository.Classify(err, models.ErrUnknownUser)
	}
	return list, nil
}

