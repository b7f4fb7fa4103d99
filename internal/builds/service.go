package builds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/promptsmith/backend/internal/execution"
	"github.com/promptsmith/backend/internal/ledger"
	"github.com/promptsmith/backend/internal/metrics"
	"github.com/promptsmith/backend/internal/models"
	"github.com/promptsmith/backend/internal/repository"
)

// Store is the build persistence the service needs. *repository.BuildRepo implements it.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, b *models.Build) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Build, error)
	ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Build, error)
	MarkInProgress(ctx context.Context, id uuid.UUID) (*models.Build, error)
	CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, result string) (*models.Build, error)
	FailTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*models.Build, error)
	MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

// Credits is the part of ledger.Service build submission and refunds use.
type Credits interface {
	TryDeductTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, buildID *uuid.UUID) (ledger.Result, error)
	RefundTx(ctx context.Context, tx pgx.Tx, userID, buildID uuid.UUID) (bool, error)
}

// InsertGenerateTxFunc enqueues a GenerateBuild job within the given transaction. Provided by main using river.Client.InsertTx.
type InsertGenerateTxFunc func(ctx context.Context, tx pgx.Tx, args execution.GenerateBuildArgs) error

type Options struct {
	RefundOnFailure bool
	PollMaxWait     time.Duration
	// PollInterval is the re-read period while waiting, covering lost notifications.
	PollInterval time.Duration
	HistoryLimit int
}

type Service interface {
	Submit(ctx context.Context, userID uuid.UUID, bot, request string) (*models.Build, error)
	Get(ctx context.Context, userID, id uuid.UUID) (*models.Build, error)
	List(ctx context.Context, userID uuid.UUID) ([]*models.Build, error)
	Poll(ctx context.Context, userID, id uuid.UUID, since models.BuildStatus, wait time.Duration) (*models.Build, error)
	Watch(ctx context.Context, userID, id uuid.UUID, emit func(*models.Build) error) error
}

type service struct {
	store    Store
	credits  Credits
	insert   InsertGenerateTxFunc
	notifier Notifier
	metrics  *metrics.Metrics
	opts     Options
	log      *slog.Logger
}

// NewService returns *service so it can also serve as execution.BuildService and
// execution.StallSweeper for the River workers.
func NewService(store Store, credits Credits, insert InsertGenerateTxFunc, notifier Notifier, m *metrics.Metrics, opts Options, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &service{store: store, credits: credits, insert: insert, notifier: notifier, metrics: m, opts: opts, log: log}
}

var (
	_ Service                = (*service)(nil)
	_ execution.BuildService = (*service)(nil)
	_ execution.StallSweeper = (*service)(nil)
)

// Submit deducts a credit, records the queued build and enqueues its generation in one
// transaction. A refused deduction returns ErrInsufficientCredit and creates nothing.
func (s *service) Submit(ctx context.Context, userID uuid.UUID, bot, request string) (*models.Build, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, repository.Classify(err, models.ErrUnknownUser)
	}
	defer tx.Rollback(ctx)

	b := &models.Build{ID: uuid.New(), UserID: userID, Bot: bot, Request: request}
	res, err := s.credits.TryDeductTx(ctx, tx, userID, &b.ID)
	if err != nil {
		return nil, err
	}
	if res.Decision != ledger.Allowed {
		return nil, models.ErrInsufficientCredit
	}
	b.Charged = !res.Plan.Unmetered()

	if err := s.store.CreateTx(ctx, tx, b); err != nil {
		return nil, repository.Classify(err, models.ErrUnknownUser)
	}
	if err := s.insert(ctx, tx, execution.GenerateBuildArgs{
		BuildID: b.ID,
		UserID:  userID,
		Bot:     bot,
		Request: request,
	}); err != nil {
		return nil, repository.Classify(err, models.ErrUnknownUser)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, repository.Classify(err, models.ErrUnknownUser)
	}
	s.metrics.BuildTransition(string(models.BuildStatusQueued))
	s.log.Info("Build queued", "build_id", b.ID, "user_id", userID, "bot", bot, "charged", b.Charged)
	return b, nil
}

// Get returns the build if it belongs to userID. Someone else's build is reported as not found.
func (s *service) Get(ctx context.Context, userID, id uuid.UUID) (*models.Build, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, repository.Classify(err, models.ErrBuildNotFound)
	}
	if b.UserID != userID {
		return nil, models.ErrBuildNotFound
	}
	return b, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]*models.Build, error) {
	list, err := s.store.ListByUserID(ctx, userID, s.opts.HistoryLimit)
	if err != nil {
		return nil, repository.Classify(err, models.ErrUnknownUser)
	}
	return list, nil
}

// Poll waits up to wait (capped by PollMaxWait) for the build to leave status since and
// returns the latest stored record. Cancellation ends only this wait.
func (s *service) Poll(ctx context.Context, userID, id uuid.UUID, since models.BuildStatus, wait time.Duration) (*models.Build, error) {
	b, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if b.Status != since || b.Status.Terminal() {
		return b, nil
	}
	wait = min(wait, s.opts.PollMaxWait)
	if wait <= 0 {
		return b, nil
	}

	signals, unsubscribe := s.notifier.Subscribe(ctx, id)
	defer unsubscribe()
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return b, nil
		case <-deadline.C:
			return b, nil
		case <-signals:
		case <-ticker.C:
		}
		next, err := s.Get(ctx, userID, id)
		if err != nil {
			if ctx.Err() != nil {
				return b, nil
			}
			return nil, err
		}
		b = next
		if b.Status != since || b.Status.Terminal() {
			return b, nil
		}
	}
}

// Watch emits the current build and then every status change until the build is
// terminal, emit fails or ctx ends.
func (s *service) Watch(ctx context.Context, userID, id uuid.UUID, emit func(*models.Build) error) error {
	signals, unsubscribe := s.notifier.Subscribe(ctx, id)
	defer unsubscribe()

	b, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := emit(b); err != nil {
		return err
	}
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for !b.Status.Terminal() {
		select {
		case <-ctx.Done():
			return nil
		case <-signals:
		case <-ticker.C:
		}
		next, err := s.Get(ctx, userID, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if next.Status == b.Status {
			continue
		}
		b = next
		if err := emit(b); err != nil {
			return err
		}
	}
	return nil
}

// MarkInProgress implements execution.BuildService. A build already in progress is
// returned as is so a retried job can continue.
func (s *service) MarkInProgress(ctx context.Context, id uuid.UUID) (*models.Build, error) {
	b, err := s.store.MarkInProgress(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.current(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status == models.BuildStatusInProgress {
			return cur, nil
		}
		return nil, fmt.Errorf("%w: %s is %s", models.ErrBuildTerminal, id, cur.Status)
	}
	if err != nil {
		return nil, repository.Classify(err, models.ErrBuildNotFound)
	}
	s.transitioned(ctx, b)
	return b, nil
}

// MarkComplete implements execution.BuildService.
func (s *service) MarkComplete(ctx context.Context, id uuid.UUID, result string) (*models.Build, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, repository.Classify(err, models.ErrBuildNotFound)
	}
	defer tx.Rollback(ctx)

	b, err := s.store.CompleteTx(ctx, tx, id, result)
	if err != nil {
		return nil, s.rejected(ctx, id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, repository.Classify(err, models.ErrBuildNotFound)
	}
	s.transitioned(ctx, b)
	return b, nil
}

// MarkFailed implements execution.BuildService. A charged build gets its credit back in
// the same transaction; the guarded transition makes that happen at most once.
func (s *service) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*models.Build, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, repository.Classify(err, models.ErrBuildNotFound)
	}
	defer tx.Rollback(ctx)

	b, err := s.store.FailTx(ctx, tx, id, reason)
	if err != nil {
		return nil, s.rejected(ctx, id, err)
	}
	if b.Charged && s.opts.RefundOnFailure {
		refunded, err := s.credits.RefundTx(ctx, tx, b.UserID, b.ID)
		if err != nil {
			return nil, err
		}
		if refunded {
			if err := s.store.MarkRefundedTx(ctx, tx, b.ID); err != nil {
				return nil, repository.Classify(err, models.ErrBuildNotFound)
			}
			b.Refunded = true
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, repository.Classify(err, models.ErrBuildNotFound)
	}
	if b.Refunded {
		s.metrics.Refund()
	}
	s.transitioned(ctx, b)
	return b, nil
}

// FailStalled implements execution.StallSweeper.
func (s *service) FailStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := s.store.ListStalled(ctx, time.Now().Add(-olderThan), 100)
	if err != nil {
		return 0, repository.Classify(err, models.ErrBuildNotFound)
	}
	n := 0
	for _, id := range ids {
		if _, err := s.MarkFailed(ctx, id, models.FailureTimeout); err != nil {
			if errors.Is(err, models.ErrBuildTerminal) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *service) current(ctx context.Context, id uuid.UUID) (*models.Build, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, repository.Classify(err, models.ErrBuildNotFound)
	}
	return b, nil
}

// rejected explains a guarded transition that matched no row.
func (s *service) rejected(ctx context.Context, id uuid.UUID, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return repository.Classify(err, models.ErrBuildNotFound)
	}
	cur, gerr := s.current(ctx, id)
	if gerr != nil {
		return gerr
	}
	return fmt.Errorf("%w: %s is %s", models.ErrBuildTerminal, id, cur.Status)
}

func (s *service) transitioned(ctx context.Context, b *models.Build) {
	s.metrics.BuildTransition(string(b.Status))
	s.log.Info("Build status changed", "build_id", b.ID, "status", b.Status)
	if err := s.notifier.Publish(ctx, b); err != nil {
		s.log.Warn("Publish build notification", "error", err, "build_id", b.ID)
	}
}
