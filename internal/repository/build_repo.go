package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/promptsmith/backend/internal/models"
)

const buildColumns = `id, user_id, bot, request, status, result, failure_reason, charged, refunded, created_at, started_at, completed_at`

type BuildRepo struct {
	pool *pgxpool.Pool
}

func NewBuildRepo(pool *pgxpool.Pool) *BuildRepo {
	return &BuildRepo{pool: pool}
}

func (r *BuildRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanBuild(row pgx.Row) (*models.Build, error) {
	var b models.Build
	var status string
	if err := row.Scan(&b.ID, &b.UserID, &b.Bot, &b.Request, &status, &b.Result, &b.FailureReason,
		&b.Charged, &b.Refunded, &b.CreatedAt, &b.StartedAt, &b.CompletedAt); err != nil {
		return nil, err
	}
	b.Status = models.BuildStatus(status)
	return &b, nil
}

// CreateTx inserts a queued build inside the given transaction.
func (r *BuildRepo) CreateTx(ctx context.Context, tx pgx.Tx, b *models.Build) error {
	b.Status = models.BuildStatusQueued
	return tx.QueryRow(ctx, `
		INSERT INTO builds (id, user_id, bot, request, status, charged)
		VALUES ($1, $2, $3, $4, 'queued', $5)
		RETURNING created_at
	`, b.ID, b.UserID, b.Bot, b.Request, b.Charged).Scan(&b.CreatedAt)
}

func (r *BuildRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Build, error) {
	return scanBuild(r.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id))
}

func (r *BuildRepo) ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Build, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+buildColumns+` FROM builds WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Build{}
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

// The transition statements below only match rows in an allowed source status, so a
// terminal build can never be rewritten. pgx.ErrNoRows means the guard rejected it.

func (r *BuildRepo) MarkInProgress(ctx context.Context, id uuid.UUID) (*models.Build, error) {
	return scanBuild(r.pool.QueryRow(ctx, `
		UPDATE builds SET status = 'in_progress', started_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+buildColumns, id))
}

func (r *BuildRepo) CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, result string) (*models.Build, error) {
	return scanBuild(tx.QueryRow(ctx, `
		UPDATE builds SET status = 'complete', result = $2, completed_at = now()
		WHERE id = $1 AND status IN ('queued', 'in_progress')
		RETURNING `+buildColumns, id, result))
}

func (r *BuildRepo) FailTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*models.Build, error) {
	return scanBuild(tx.QueryRow(ctx, `
		UPDATE builds SET status = 'failed', failure_reason = $2, completed_at = now()
		WHERE id = $1 AND status IN ('queued', 'in_progress')
		RETURNING `+buildColumns, id, reason))
}

// MarkRefundedTx flags a failed build whose credit was returned.
func (r *BuildRepo) MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE builds SET refunded = TRUE WHERE id = $1 AND status = 'failed'`, id)
	return err
}

// ListStalled returns ids of non-terminal builds created before cutoff.
func (r *BuildRepo) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM builds
		WHERE status IN ('queued', 'in_progress') AND created_at < $1
		ORDER BY created_at LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
