package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/promptsmith/backend/internal/models"
)

const entitlementColumns = `user_id, plan, credits, usage, quota, billing_customer_id, plan_event_at, created_at, updated_at`

type EntitlementRepo struct {
	pool *pgxpool.Pool
}

func NewEntitlementRepo(pool *pgxpool.Pool) *EntitlementRepo {
	return &EntitlementRepo{pool: pool}
}

func (r *EntitlementRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// DeductResult is what the conditional decrement observed.
type DeductResult struct {
	Allowed bool
	Plan    models.Plan
	Credits int
}

// CreditEntry describes the journal row written with a balance increase.
type CreditEntry struct {
	EntryType string
	BuildID   *uuid.UUID
	EventID   *string
}

func scanEntitlement(row pgx.Row) (*models.Entitlement, error) {
	var e models.Entitlement
	var plan string
	if err := row.Scan(&e.UserID, &plan, &e.Credits, &e.Usage, &e.Quota, &e.BillingCustomerID, &e.PlanEventAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Plan = models.Plan(plan)
	return &e, nil
}

func (r *EntitlementRepo) GetByID(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error) {
	return scanEntitlement(r.pool.QueryRow(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1`, userID))
}

// GetByIDForUpdate locks the entitlement row. Call within a transaction.
func (r *EntitlementRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Entitlement, error) {
	return scanEntitlement(tx.QueryRow(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1 FOR UPDATE`, userID))
}

// UserIDByCustomerID resolves a gateway customer to the linked user.
func (r *EntitlementRepo) UserIDByCustomerID(ctx context.Context, tx pgx.Tx, customerID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT user_id FROM entitlements WHERE billing_customer_id = $1`, customerID).Scan(&id)
	return id, err
}

// Provision creates the Free entitlement with starter credits. created is false when the
// row already existed, in which case the stored row is returned untouched.
func (r *EntitlementRepo) Provision(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (e *models.Entitlement, created bool, err error) {
	e, err = scanEntitlement(tx.QueryRow(ctx, `
		INSERT INTO entitlements (user_id, plan, credits, usage)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING `+entitlementColumns,
		userID, string(models.PlanFree), models.StarterCredits))
	if errors.Is(err, pgx.ErrNoRows) {
		e, err = scanEntitlement(tx.QueryRow(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1`, userID))
		return e, false, err
	}
	if err != nil {
		return nil, false, err
	}
	if err := insertLedgerEntry(ctx, tx, &models.CreditLedger{
		ID: uuid.New(), UserID: userID, EntryType: models.CreditEntryStarter,
		Amount: models.StarterCredits, BalanceAfter: e.Credits,
	}); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// TryDeduct is the atomic check-and-decrement. A single conditional UPDATE both checks
// and mutates, so two concurrent callers can never both consume the last credit.
// Unmetered plans pass the condition without their balance changing. Usage is counted
// for every allowed call. Returns pgx.ErrNoRows when the user has no entitlement.
func (r *EntitlementRepo) TryDeduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, buildID *uuid.UUID) (DeductResult, error) {
	var res DeductResult
	var plan string
	err := tx.QueryRow(ctx, `
		UPDATE entitlements
		SET credits = CASE WHEN plan IN ('monthly', 'annual') THEN credits ELSE credits - 1 END,
		    usage = usage + 1,
		    updated_at = GREATEST(updated_at, now())
		WHERE user_id = $1 AND (plan IN ('monthly', 'annual') OR credits > 0)
		RETURNING plan, credits
	`, userID).Scan(&plan, &res.Credits)
	if errors.Is(err, pgx.ErrNoRows) {
		// Denied or unknown: a plain read tells them apart without mutating anything.
		err = tx.QueryRow(ctx, `SELECT plan, credits FROM entitlements WHERE user_id = $1`, userID).Scan(&plan, &res.Credits)
		res.Plan = models.Plan(plan)
		return res, err
	}
	if err != nil {
		return res, err
	}
	res.Allowed = true
	res.Plan = models.Plan(plan)
	if res.Plan.Unmetered() {
		return res, nil
	}
	err = insertLedgerEntry(ctx, tx, &models.CreditLedger{
		ID: uuid.New(), UserID: userID, BuildID: buildID, EntryType: models.CreditEntryDeduct,
		Amount: -1, BalanceAfter: res.Credits,
	})
	return res, err
}

// AddCredits increases the balance and journals the change. Not idempotent.
func (r *EntitlementRepo) AddCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, entry CreditEntry) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE entitlements SET credits = credits + $1, updated_at = GREATEST(updated_at, now())
		WHERE user_id = $2
		RETURNING credits
	`, amount, userID).Scan(&newBalance)
	if err != nil {
		return 0, err
	}
	err = insertLedgerEntry(ctx, tx, &models.CreditLedger{
		ID: uuid.New(), UserID: userID, BuildID: entry.BuildID, EventID: entry.EventID,
		EntryType: entry.EntryType, Amount: amount, BalanceAfter: newBalance,
	})
	return newBalance, err
}

// PlanState is the full plan-defining state written by reconciliation.
type PlanState struct {
	Plan        models.Plan
	Credits     int
	PlanEventAt *time.Time
	CustomerID  *string
}

// ApplyPlanState overwrites plan and credits. Call after GetByIDForUpdate in the same tx.
// The customer id is only set when none is linked yet.
func (r *EntitlementRepo) ApplyPlanState(ctx context.Context, tx pgx.Tx, userID uuid.UUID, s PlanState, entry CreditEntry, delta int) error {
	_, err := tx.Exec(ctx, `
		UPDATE entitlements
		SET plan = $2, credits = $3,
		    plan_event_at = COALESCE($4, plan_event_at),
		    billing_customer_id = COALESCE(billing_customer_id, $5),
		    updated_at = GREATEST(updated_at, now())
		WHERE user_id = $1
	`, userID, string(s.Plan), s.Credits, s.PlanEventAt, s.CustomerID)
	if err != nil {
		return err
	}
	if delta == 0 {
		return nil
	}
	return insertLedgerEntry(ctx, tx, &models.CreditLedger{
		ID: uuid.New(), UserID: userID, EventID: entry.EventID,
		EntryType: entry.EntryType, Amount: delta, BalanceAfter: s.Credits,
	})
}
