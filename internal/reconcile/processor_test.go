package reconcile_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/event-bookings/internal/domain"
	"github.com/robertarktes/event-bookings/internal/inventory"
	"github.com/robertarktes/event-bookings/internal/observability"
	"github.com/robertarktes/event-bookings/internal/reconcile"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// fakeStore mirrors the transactional semantics of the crdb repository:
// processed provider event ids collapse to ErrConflict, and a prev-status
// mismatch surfaces as ErrInvalidStateTransition.
type fakeStore struct {
	mu        sync.Mutex
	payments  map[string]domain.Payment
	bookings  map[uuid.UUID]domain.Booking
	processed map[string]bool
	saves     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments:  make(map[string]domain.Payment),
		bookings:  make(map[uuid.UUID]domain.Booking),
		processed: make(map[string]bool),
	}
}

func (f *fakeStore) GetPaymentByExternalID(_ context.Context, externalID string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[externalID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "payment with external id %s", externalID)
	}
	return &p, nil
}

func (f *fakeStore) GetBooking(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	return &b, nil
}

func (f *fakeStore) SavePayment(_ context.Context, p domain.Payment, prev domain.PaymentStatus, b *domain.Booking, eventType, providerEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if providerEventID != "" {
		if f.processed[providerEventID] {
			return errors.Wrapf(domain.ErrConflict, "provider event %s", providerEventID)
		}
		f.processed[providerEventID] = true
	}
	cur := f.payments[p.ExternalTransactionID]
	if cur.Status != prev {
		return errors.Wrapf(domain.ErrInvalidStateTransition, "payment moved from %s", prev)
	}
	f.payments[p.ExternalTransactionID] = p
	if b != nil {
		f.bookings[b.ID] = *b
	}
	f.saves++
	return nil
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: make(map[string]bool)} }

func (f *fakeDedup) Seen(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[id], nil
}

func (f *fakeDedup) Mark(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[id] = true
	return nil
}

type fixture struct {
	store  *fakeStore
	dedup  *fakeDedup
	ledger *inventory.MemoryLedger
	proc   *reconcile.Processor
	event  domain.Event
	tt     domain.TicketType
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tt := domain.TicketType{
		ID:            uuid.New(),
		Price:         domain.MustMoney("100.00", "USD"),
		TotalQuantity: 50,
		Active:        true,
	}
	ev := domain.Event{
		ID:                   uuid.New(),
		Published:            true,
		MaxCapacity:          50,
		StartsAt:             testNow.Add(30 * 24 * time.Hour),
		RegistrationOpensAt:  testNow.Add(-time.Hour),
		RegistrationClosesAt: testNow.Add(24 * time.Hour),
		TicketTypes:          []domain.TicketType{tt},
	}
	ledger := inventory.NewMemoryLedger().WithClock(func() time.Time { return testNow })
	ledger.AddEvent(ev)
	store := newFakeStore()
	dedup := newFakeDedup()
	proc := reconcile.NewProcessor(store, dedup, ledger, nil, observability.NewLogger()).
		WithClock(func() time.Time { return testNow })
	return &fixture{store: store, dedup: dedup, ledger: ledger, proc: proc, event: ev, tt: tt}
}

// seed creates a booking holding inventory and a payment in PROCESSING bound
// to pi_1.
func (fx *fixture) seed(t *testing.T, bookingStatus domain.BookingStatus, requiresApproval bool) (domain.Booking, domain.Payment) {
	t.Helper()
	bookingID := uuid.New()
	items := []domain.BookingLineItem{{TicketTypeID: fx.tt.ID, Quantity: 2, UnitPrice: fx.tt.Price}}
	b, err := domain.NewBooking(bookingID, fx.event.ID, uuid.New(), items,
		domain.ZeroMoney("USD"), requiresApproval, false, testNow)
	require.NoError(t, err)
	if bookingStatus == domain.BookingConfirmed {
		b, err = b.Confirm(testNow)
		require.NoError(t, err)
	}
	if b.HoldsInventory() {
		require.NoError(t, fx.ledger.Reserve(context.Background(), b.ID, fx.event.ID,
			inventory.LinesFromBooking(b)))
	}
	fx.store.bookings[b.ID] = b

	p, err := domain.NewPayment(b.ID, b.FinalAmount(), testNow)
	require.NoError(t, err)
	p, err = p.Process("pi_1")
	require.NoError(t, err)
	fx.store.payments["pi_1"] = p
	return b, p
}

func succeededEvent(id string) reconcile.ProviderEvent {
	return reconcile.ProviderEvent{
		ID:                    id,
		Type:                  reconcile.TypePaymentSucceeded,
		ExternalTransactionID: "pi_1",
		Status:                reconcile.StatusSucceeded,
		OccurredAt:            testNow,
	}
}

func TestProcessor_CompletionConfirmsBooking(t *testing.T) {
	fx := newFixture(t)
	b, _ := fx.seed(t, domain.BookingPending, false)

	require.NoError(t, fx.proc.Apply(context.Background(), succeededEvent("evt_1")))

	assert.Equal(t, domain.PaymentCompleted, fx.store.payments["pi_1"].Status)
	assert.Equal(t, domain.BookingConfirmed, fx.store.bookings[b.ID].Status)
	assert.True(t, fx.dedup.seen["evt_1"])
}

func TestProcessor_CompletionLeavesApprovalPending(t *testing.T) {
	fx := newFixture(t)
	b, _ := fx.seed(t, domain.BookingPending, true)

	require.NoError(t, fx.proc.Apply(context.Background(), succeededEvent("evt_1")))

	assert.Equal(t, domain.PaymentCompleted, fx.store.payments["pi_1"].Status)
	assert.Equal(t, domain.BookingPending, fx.store.bookings[b.ID].Status,
		"payment success must not bypass the approval gate")
}

func TestProcessor_DuplicateWebhookAppliesOnce(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, domain.BookingPending, false)
	ctx := context.Background()

	require.NoError(t, fx.proc.Apply(ctx, succeededEvent("evt_1")))
	savesAfterFirst := fx.store.saves

	// Same event id again: fast-path dedup.
	require.NoError(t, fx.proc.Apply(ctx, succeededEvent("evt_1")))
	assert.Equal(t, savesAfterFirst, fx.store.saves)

	// Redelivery with a fresh dedup store still collapses on the payment
	// state machine.
	fx.dedup.seen = map[string]bool{}
	require.NoError(t, fx.proc.Apply(ctx, succeededEvent("evt_1")))
	assert.Equal(t, savesAfterFirst, fx.store.saves)
	assert.Equal(t, domain.PaymentCompleted, fx.store.payments["pi_1"].Status)
}

func TestProcessor_SynchronousPathSkipsDedup(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, domain.BookingPending, false)

	// Empty event id is the synchronous confirm path.
	require.NoError(t, fx.proc.Apply(context.Background(), succeededEvent("")))
	assert.Equal(t, domain.PaymentCompleted, fx.store.payments["pi_1"].Status)
	assert.Empty(t, fx.dedup.seen)
}

func TestProcessor_UnknownPaymentIgnored(t *testing.T) {
	fx := newFixture(t)

	evt := succeededEvent("evt_1")
	evt.ExternalTransactionID = "pi_unknown"
	require.NoError(t, fx.proc.Apply(context.Background(), evt))
	assert.Zero(t, fx.store.saves, "no state may be materialized for unknown payments")
}

func TestProcessor_RequiresActionIsNoop(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, domain.BookingPending, false)

	evt := succeededEvent("evt_1")
	evt.Status = reconcile.StatusRequiresAction
	require.NoError(t, fx.proc.Apply(context.Background(), evt))
	assert.Equal(t, domain.PaymentProcessing, fx.store.payments["pi_1"].Status)
	assert.Zero(t, fx.store.saves)
}

func TestProcessor_FailureMarksPayment(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, domain.BookingPending, false)

	evt := reconcile.ProviderEvent{
		ID:                    "evt_1",
		Type:                  reconcile.TypePaymentFailed,
		ExternalTransactionID: "pi_1",
		Status:                "failed",
		Reason:                "card_declined",
		OccurredAt:            testNow,
	}
	require.NoError(t, fx.proc.Apply(context.Background(), evt))
	assert.Equal(t, domain.PaymentFailed, fx.store.payments["pi_1"].Status)
	assert.Equal(t, "card_declined", fx.store.payments["pi_1"].FailureReason)
}

func TestProcessor_StaleCompletionAfterFailure(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, domain.BookingPending, false)
	ctx := context.Background()

	fail := reconcile.ProviderEvent{
		ID:                    "evt_1",
		Type:                  reconcile.TypePaymentFailed,
		ExternalTransactionID: "pi_1",
		Status:                "failed",
		OccurredAt:            testNow,
	}
	require.NoError(t, fx.proc.Apply(ctx, fail))

	// A late success for a failed payment is swallowed as stale.
	require.NoError(t, fx.proc.Apply(ctx, succeededEvent("evt_2")))
	assert.Equal(t, domain.PaymentFailed, fx.store.payments["pi_1"].Status)
}

func refundEvent(id string, total *domain.Money) reconcile.ProviderEvent {
	return reconcile.ProviderEvent{
		ID:                    id,
		Type:                  reconcile.TypeChargeRefunded,
		ExternalTransactionID: "pi_1",
		RefundTotal:           total,
		Reason:                "requested",
		OccurredAt:            testNow,
	}
}

func (fx *fixture) completePayment(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.proc.Apply(context.Background(), succeededEvent("evt_complete")))
}

func TestProcessor_PartialRefund(t *testing.T) {
	fx := newFixture(t)
	b, _ := fx.seed(t, domain.BookingConfirmed, false)
	fx.completePayment(t)

	amount := domain.MustMoney("50.00", "USD")
	require.NoError(t, fx.proc.Apply(context.Background(), refundEvent("evt_r1", &amount)))

	p := fx.store.payments["pi_1"]
	assert.Equal(t, domain.PaymentPartiallyRefunded, p.Status)
	assert.True(t, p.RefundedAmount.Equal(amount))
	assert.Equal(t, domain.BookingConfirmed, fx.store.bookings[b.ID].Status,
		"partial refund leaves the booking alone")
	assert.Equal(t, 2, fx.ledger.Sold(fx.event.ID, fx.tt.ID))
}

func TestProcessor_FullRefundCancelsLiveBooking(t *testing.T) {
	fx := newFixture(t)
	b, _ := fx.seed(t, domain.BookingConfirmed, false)
	fx.completePayment(t)
	require.Equal(t, 2, fx.ledger.Sold(fx.event.ID, fx.tt.ID))

	// Nil amount means refund the full remainder.
	require.NoError(t, fx.proc.Apply(context.Background(), refundEvent("evt_r1", nil)))

	assert.Equal(t, domain.PaymentRefunded, fx.store.payments["pi_1"].Status)
	assert.Equal(t, domain.BookingRefunded, fx.store.bookings[b.ID].Status)
	assert.Equal(t, 0, fx.ledger.Sold(fx.event.ID, fx.tt.ID), "full refund releases inventory")
}

type fakePromoter struct {
	mu     sync.Mutex
	events []uuid.UUID
}

func (f *fakePromoter) PromoteWaitlisted(_ context.Context, eventID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventID)
}

func TestProcessor_FullRefundPromotesWaitlist(t *testing.T) {
	fx := newFixture(t)
	promoter := &fakePromoter{}
	fx.proc.WithPromoter(promoter)
	fx.seed(t, domain.BookingConfirmed, false)
	fx.completePayment(t)

	require.NoError(t, fx.proc.Apply(context.Background(), refundEvent("evt_r1", nil)))
	require.Len(t, promoter.events, 1, "freed capacity must be offered to the waitlist")
	assert.Equal(t, fx.event.ID, promoter.events[0])
}

func TestProcessor_RefundAfterCancellation(t *testing.T) {
	fx := newFixture(t)
	b, _ := fx.seed(t, domain.BookingConfirmed, false)
	fx.completePayment(t)

	// Booking was cancelled through the coordinator; inventory already gone.
	cancelled, err := fx.store.bookings[b.ID].Cancel("user cancelled", testNow)
	require.NoError(t, err)
	fx.store.bookings[b.ID] = cancelled
	require.NoError(t, fx.ledger.Release(context.Background(), b.ID, fx.event.ID, nil))

	require.NoError(t, fx.proc.Apply(context.Background(), refundEvent("evt_r1", nil)))

	assert.Equal(t, domain.PaymentRefunded, fx.store.payments["pi_1"].Status)
	assert.Equal(t, domain.BookingRefunded, fx.store.bookings[b.ID].Status)
	assert.Equal(t, 0, fx.ledger.Sold(fx.event.ID, fx.tt.ID), "no double release")
}

func TestProcessor_DuplicateRefundAppliesOnce(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, domain.BookingConfirmed, false)
	fx.completePayment(t)
	ctx := context.Background()

	amount := domain.MustMoney("50.00", "USD")
	require.NoError(t, fx.proc.Apply(ctx, refundEvent("evt_r1", &amount)))

	// Redelivery past the fast path: the cumulative total arbitrates.
	fx.dedup.seen = map[string]bool{}
	require.NoError(t, fx.proc.Apply(ctx, refundEvent("evt_r1", &amount)))

	p := fx.store.payments["pi_1"]
	assert.True(t, p.RefundedAmount.Equal(amount), "refund applied exactly once")
	assert.Len(t, p.Refunds, 1)
}

func TestProcessor_RefundMirrorWebhookIsNoop(t *testing.T) {
	fx := newFixture(t)
	b, _ := fx.seed(t, domain.BookingConfirmed, false)
	fx.completePayment(t)
	ctx := context.Background()

	// The refund API response and its mirror webhook carry the same physical
	// refund under unrelated ids; the cumulative total must collapse them.
	total := domain.MustMoney("50.00", "USD")
	require.NoError(t, fx.proc.Apply(ctx, refundEvent("re_1", &total)))
	require.NoError(t, fx.proc.Apply(ctx, refundEvent("evt_r1", &total)))

	p := fx.store.payments["pi_1"]
	assert.Equal(t, domain.PaymentPartiallyRefunded, p.Status)
	assert.True(t, p.RefundedAmount.Equal(total), "half a payment cannot refund in full")
	assert.Len(t, p.Refunds, 1)
	assert.Equal(t, domain.BookingConfirmed, fx.store.bookings[b.ID].Status)
	assert.Equal(t, 2, fx.ledger.Sold(fx.event.ID, fx.tt.ID), "inventory stays held")
}

func TestProcessor_RefundCurrencyMismatchRejected(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, domain.BookingConfirmed, false)
	fx.completePayment(t)

	total := domain.MustMoney("50.00", "EUR")
	err := fx.proc.Apply(context.Background(), refundEvent("evt_r1", &total))
	assert.ErrorIs(t, err, domain.ErrInconsistentExternalState)
	assert.Equal(t, domain.PaymentCompleted, fx.store.payments["pi_1"].Status)
}

func TestProcessor_RefundExceedingChargeRejected(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, domain.BookingConfirmed, false)
	fx.completePayment(t)

	amount := domain.MustMoney("500.00", "USD")
	err := fx.proc.Apply(context.Background(), refundEvent("evt_r1", &amount))
	assert.ErrorIs(t, err, domain.ErrRefundExceedsPayment)
	assert.Equal(t, domain.PaymentCompleted, fx.store.payments["pi_1"].Status)
	assert.False(t, fx.dedup.seen["evt_r1"], "failed application must stay eligible for retry")
}
