package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/promptsmith/backend/internal/models"
)

// PaymentEventRepo owns the dedup table of processed gateway events. Rows are
// write-once per event id.
type PaymentEventRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentEventRepo(pool *pgxpool.Pool) *PaymentEventRepo {
	return &PaymentEventRepo{pool: pool}
}

func (r *PaymentEventRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Record claims the event id. inserted is false when the id was already processed.
func (r *PaymentEventRepo) Record(ctx context.Context, tx pgx.Tx, ev models.PaymentEvent) (inserted bool, err error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO payment_events (event_id, event_type, product_id, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, string(ev.Type), ev.ProductID, ev.OccurredAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetOutcome stores what processing did with the event. Call in the tx that recorded it.
func (r *PaymentEventRepo) SetOutcome(ctx context.Context, tx pgx.Tx, eventID string, userID uuid.UUID, outcome models.PaymentEventOutcome) error {
	_, err := tx.Exec(ctx, `
		UPDATE payment_events SET user_id = $2, outcome = $3, processed_at = now() WHERE event_id = $1
	`, eventID, userID, string(outcome))
	return err
}
