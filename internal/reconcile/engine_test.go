package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptsmith/backend/internal/config"
	"github.com/promptsmith/backend/internal/models"
	"github.com/promptsmith/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// memTx stages writes and publishes them on Commit. Transactions are serialized by the
// store mutex, which is held from Begin until Commit or Rollback.
type memTx struct {
	store  *memStore
	events map[string]models.PaymentEventOutcome
	ents   map[uuid.UUID]models.Entitlement
	ledger []models.CreditLedger
	done   bool
}

func (t *memTx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("nested tx") }
func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	for k, v := range t.events {
		t.store.events[k] = v
	}
	for k, v := range t.ents {
		e := v
		t.store.ents[k] = &e
	}
	t.store.ledger = append(t.store.ledger, t.ledger...)
	t.done = true
	t.store.mu.Unlock()
	return nil
}
func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}
func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *memTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *memTx) Conn() *pgx.Conn { return nil }

type memStore struct {
	mu        sync.Mutex
	events    map[string]models.PaymentEventOutcome
	ents      map[uuid.UUID]*models.Entitlement
	customers map[string]uuid.UUID
	ledger    []models.CreditLedger
}

func newMemStore() *memStore {
	return &memStore{
		events:    make(map[string]models.PaymentEventOutcome),
		ents:      make(map[uuid.UUID]*models.Entitlement),
		customers: make(map[string]uuid.UUID),
	}
}

func (m *memStore) put(userID uuid.UUID, plan models.Plan, credits int) {
	m.ents[userID] = &models.Entitlement{UserID: userID, Plan: plan, Credits: credits}
}

func (m *memStore) get(userID uuid.UUID) models.Entitlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.ents[userID]
}

func (m *memStore) Begin(context.Context) (pgx.Tx, error) {
	m.mu.Lock()
	return &memTx{store: m, events: map[string]models.PaymentEventOutcome{}, ents: map[uuid.UUID]models.Entitlement{}}, nil
}

func (m *memStore) Record(_ context.Context, tx pgx.Tx, ev models.PaymentEvent) (bool, error) {
	t := tx.(*memTx)
	if _, ok := m.events[ev.EventID]; ok {
		return false, nil
	}
	t.events[ev.EventID] = ""
	return true, nil
}

func (m *memStore) SetOutcome(_ context.Context, tx pgx.Tx, eventID string, _ uuid.UUID, outcome models.PaymentEventOutcome) error {
	tx.(*memTx).events[eventID] = outcome
	return nil
}

func (m *memStore) UserIDByCustomerID(_ context.Context, _ pgx.Tx, customerID string) (uuid.UUID, error) {
	if id, ok := m.customers[customerID]; ok {
		return id, nil
	}
	for id, e := range m.ents {
		if e.BillingCustomerID != nil && *e.BillingCustomerID == customerID {
			return id, nil
		}
	}
	return uuid.Nil, pgx.ErrNoRows
}

func (m *memStore) GetByIDForUpdate(_ context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Entitlement, error) {
	if e, ok := tx.(*memTx).ents[userID]; ok {
		return &e, nil
	}
	e, ok := m.ents[userID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) ApplyPlanState(_ context.Context, tx pgx.Tx, userID uuid.UUID, s repository.PlanState, entry repository.CreditEntry, delta int) error {
	t := tx.(*memTx)
	cur := *m.ents[userID]
	cur.Plan = s.Plan
	cur.Credits = s.Credits
	if s.PlanEventAt != nil {
		cur.PlanEventAt = s.PlanEventAt
	}
	if cur.BillingCustomerID == nil {
		cur.BillingCustomerID = s.CustomerID
	}
	t.ents[userID] = cur
	if delta != 0 {
		t.ledger = append(t.ledger, models.CreditLedger{UserID: userID, EventID: entry.EventID, EntryType: entry.EntryType, Amount: delta, BalanceAfter: s.Credits})
	}
	return nil
}

var testCatalog = NewCatalog([]config.Product{
	{ID: "prod_payg_xyz", Kind: KindOneTime, Plan: "pay-as-you-go", CreditsPerUnit: 1},
	{ID: "prod_monthly_xyz", Kind: KindSubscription, Plan: "monthly"},
	{ID: "prod_annual_xyz", Kind: KindSubscription, Plan: "annual"},
})

func newTestEngine(store *memStore) *Engine {
	return NewEngine(store, testCatalog, nil, nil)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(id string, typ models.PaymentEventType, userID uuid.UUID, product string, at time.Time) models.PaymentEvent {
	return models.PaymentEvent{EventID: id, Type: typ, UserID: userID, ProductID: product, Quantity: 1, OccurredAt: at}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestApply_MonthlyCheckout(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.put(userID, models.PlanFree, 5)

	out, err := newTestEngine(store).Apply(context.Background(), event("evt_1", models.EventCheckoutCompleted, userID, "prod_monthly_xyz", t0))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, out)

	e := store.get(userID)
	assert.Equal(t, models.PlanMonthly, e.Plan)
	assert.Equal(t, 60, e.Credits)
	require.NotNil(t, e.PlanEventAt)
	assert.True(t, e.PlanEventAt.Equal(t0))
	require.Len(t, store.ledger, 1)
	assert.Equal(t, models.CreditEntryPlanReset, store.ledger[0].EntryType)
	assert.Equal(t, 55, store.ledger[0].Amount)
}

func TestApply_AnnualCheckout(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.put(userID, models.PlanFree, 2)

	_, err := newTestEngine(store).Apply(context.Background(), event("evt_a", models.EventCheckoutCompleted, userID, "prod_annual_xyz", t0))
	require.NoError(t, err)
	e := store.get(userID)
	assert.Equal(t, models.PlanAnnual, e.Plan)
	assert.Equal(t, models.UnboundedCredits, e.Credits)
}

func TestApply_SameEventTwiceAppliesOnce(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.put(userID, models.PlanFree, 0)
	eng := newTestEngine(store)
	ev := event("evt_payg", models.EventCheckoutCompleted, userID, "prod_payg_xyz", t0)
	ev.Quantity = 10

	out, err := eng.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, out)

	out, err = eng.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, out)

	e := store.get(userID)
	assert.Equal(t, 10, e.Credits)
	assert.Equal(t, models.PlanPayAsYouGo, e.Plan)
	assert.Len(t, store.ledger, 1)
}

func TestApply_ConcurrentRedeliveryAppliesOnce(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.put(userID, models.PlanFree, 0)
	eng := newTestEngine(store)
	ev := event("evt_dup", models.EventCheckoutCompleted, userID, "prod_payg_xyz", t0)
	ev.Quantity = 3

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Apply(context.Background(), ev); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, store.get(userID).Credits)
}

func TestApply_OrderIndependentForPlanDefiningEvents(t *testing.T) {
	t1, t2 := t0, t0.Add(time.Hour)
	run := func(order []models.PaymentEvent) models.Entitlement {
		store := newMemStore()
		userID := uuid.New()
		store.put(userID, models.PlanFree, 5)
		eng := newTestEngine(store)
		for _, ev := range order {
			ev.UserID = userID
			_, err := eng.Apply(context.Background(), ev)
			require.NoError(t, err)
		}
		e := store.get(userID)
		return models.Entitlement{Plan: e.Plan, Credits: e.Credits}
	}

	subscribe := event("evt_sub", models.EventCheckoutCompleted, uuid.Nil, "prod_monthly_xyz", t1)
	upgrade := event("evt_up", models.EventSubscriptionUpdated, uuid.Nil, "prod_annual_xyz", t2)
	upgrade.SubscriptionStatus = models.SubscriptionStatusActive

	inOrder := run([]models.PaymentEvent{subscribe, upgrade})
	reversed := run([]models.PaymentEvent{upgrade, subscribe})
	assert.Equal(t, inOrder, reversed)
	assert.Equal(t, models.PlanAnnual, inOrder.Plan)
}

func TestApply_LateActiveUpdateAfterCancel(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.put(userID, models.PlanMonthly, 40)
	eng := newTestEngine(store)

	cancel := event("evt_cancel", models.EventSubscriptionCanceled, userID, "", t0.Add(2*time.Minute))
	late := event("evt_late", models.EventSubscriptionUpdated, userID, "prod_monthly_xyz", t0.Add(time.Minute))
	late.SubscriptionStatus = models.SubscriptionStatusActive

	out, err := eng.Apply(context.Background(), cancel)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, out)

	out, err = eng.Apply(context.Background(), late)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStale, out)
	assert.Equal(t, models.OutcomeStale, store.events["evt_late"])

	e := store.get(userID)
	assert.Equal(t, models.PlanFree, e.Plan)
	assert.Equal(t, 5, e.Credits)
}

func TestApply_EqualTimestampApplies(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.put(userID, models.PlanFree, 5)
	eng := newTestEngine(store)

	_, err := eng.Apply(context.Background(), event("evt_1", models.EventCheckoutCompleted, userID, "prod_monthly_xyz", t0))
	require.NoError(t, err)
	out, err := eng.Apply(context.Background(), event("evt_2", models.EventSubscriptionCanceled, userID, "", t0))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, out)
	assert.Equal(t, models.PlanFree, store.get(userID).Plan)
}

func TestApply_NonActiveUpdateDowngrades(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.put(userID, models.PlanAnnual, models.UnboundedCredits)

	ev := event("evt_pd", models.EventSubscriptionUpdated, userID, "prod_annual_xyz", t0)
	ev.SubscriptionStatus = "past_due"
	_, err := newTestEngine(store).Apply(context.Background(), ev)
	require.NoError(t, err)

	e := store.get(userID)
	assert.Equal(t, models.PlanFree, e.Plan)
	assert.Equal(t, models.FreeTierCredits, e.Credits)
}

func TestApply_UnrecognizedProductRecordedWithoutEffect(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.put(userID, models.PlanFree, 5)
	eng := newTestEngine(store)

	out, err := eng.Apply(context.Background(), event("evt_x", models.EventCheckoutCompleted, userID, "prod_mystery", t0))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnrecognizedProduct, out)
	assert.Equal(t, models.OutcomeUnrecognizedProduct, store.events["evt_x"])
	assert.Equal(t, 5, store.get(userID).Credits)
	assert.Empty(t, store.ledger)

	out, err = eng.Apply(context.Background(), event("evt_x", models.EventCheckoutCompleted, userID, "prod_mystery", t0))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, out)
}

func TestApply_PayAsYouGoKeepsSubscriptionPlan(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	at := t0.Add(time.Hour)
	store.put(userID, models.PlanMonthly, 60)
	store.ents[userID].PlanEventAt = &at

	ev := event("evt_topup", models.EventCheckoutCompleted, userID, "prod_payg_xyz", t0)
	ev.Quantity = 5
	out, err := newTestEngine(store).Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, out, "one-time purchases are never stale")

	e := store.get(userID)
	assert.Equal(t, models.PlanMonthly, e.Plan)
	assert.Equal(t, 65, e.Credits)
	assert.True(t, e.PlanEventAt.Equal(at))
}

func TestApply_UnknownUserRollsBack(t *testing.T) {
	store := newMemStore()
	eng := newTestEngine(store)
	ev := event("evt_orphan", models.EventCheckoutCompleted, uuid.New(), "prod_monthly_xyz", t0)

	_, err := eng.Apply(context.Background(), ev)
	require.ErrorIs(t, err, models.ErrUnknownUser)
	assert.NotContains(t, store.events, "evt_orphan", "dedup row must roll back so redelivery can succeed")

	store.put(ev.UserID, models.PlanFree, 5)
	out, err := eng.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, out)
}

func TestApply_ResolvesUserByCustomer(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.put(userID, models.PlanFree, 5)
	eng := newTestEngine(store)

	checkout := event("evt_c", models.EventCheckoutCompleted, userID, "prod_monthly_xyz", t0)
	checkout.CustomerID = "cus_123"
	_, err := eng.Apply(context.Background(), checkout)
	require.NoError(t, err)
	require.NotNil(t, store.get(userID).BillingCustomerID)

	cancel := event("evt_d", models.EventSubscriptionCanceled, uuid.Nil, "", t0.Add(time.Hour))
	cancel.CustomerID = "cus_123"
	out, err := eng.Apply(context.Background(), cancel)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, out)
	assert.Equal(t, models.PlanFree, store.get(userID).Plan)

	orphan := event("evt_e", models.EventSubscriptionCanceled, uuid.Nil, "", t0)
	orphan.CustomerID = "cus_unknown"
	_, err = eng.Apply(context.Background(), orphan)
	assert.ErrorIs(t, err, models.ErrUnknownUser)
}
