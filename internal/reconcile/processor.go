// Package reconcile applies payment-provider outcomes to local state. Both
// the synchronous confirm path and asynchronous webhooks funnel through the
// same idempotent Apply, so at-least-once, out-of-order delivery can never
// double-complete or double-refund a payment.
package reconcile

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/event-bookings/internal/domain"
	"github.com/robertarktes/event-bookings/internal/inventory"
	"github.com/robertarktes/event-bookings/internal/observability"
)

// Provider statuses as delivered by the processor.
const (
	StatusSucceeded      = "succeeded"
	StatusRequiresAction = "requires_action"
)

// Provider event types.
const (
	TypePaymentSucceeded = "payment_intent.succeeded"
	TypePaymentFailed    = "payment_intent.payment_failed"
	TypeChargeRefunded   = "charge.refunded"
)

// ProviderEvent is one notification from the payment processor. ID is the
// processor's event id and the dedup key; it is empty on the synchronous
// confirmation path, which relies on transition idempotency alone.
//
// RefundTotal is the charge's cumulative refunded amount as reported by the
// provider, not the size of one refund. The same physical refund reaches us
// twice, once through the refund API response and once through its mirror
// webhook, under unrelated event ids; reconciling against the cumulative
// total makes the second arrival a no-op regardless of which id carried it.
// Nil means refund the full remainder.
type ProviderEvent struct {
	ID                    string
	Type                  string
	ExternalTransactionID string
	Status                string
	RefundTotal           *domain.Money
	Reason                string
	OccurredAt            time.Time
}

// Store persists payment transitions. SavePayment applies the payment update
// guarded by prev (the status the payment had when loaded), the optional
// booking update, the outbox record, and the processed-event marker in one
// transaction. A replayed providerEventID yields domain.ErrConflict; a prev
// mismatch yields domain.ErrInvalidStateTransition.
type Store interface {
	GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	SavePayment(ctx context.Context, p domain.Payment, prev domain.PaymentStatus, b *domain.Booking, eventType, providerEventID string) error
}

// Dedup is the fast-path duplicate filter in front of the store's
// transactional processed-event marker.
type Dedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type Audit interface {
	RecordPayment(ctx context.Context, action string, p domain.Payment)
}

// Promoter hands freed capacity to waitlisted bookings after a refund-driven
// cancellation. Implemented by the booking coordinator.
type Promoter interface {
	PromoteWaitlisted(ctx context.Context, eventID uuid.UUID)
}

type Processor struct {
	store    Store
	dedup    Dedup
	ledger   inventory.Ledger
	audit    Audit
	promoter Promoter
	logger   observability.Logger
	now      func() time.Time
}

func NewProcessor(store Store, dedup Dedup, ledger inventory.Ledger, audit Audit, logger observability.Logger) *Processor {
	return &Processor{
		store:  store,
		dedup:  dedup,
		ledger: ledger,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// WithPromoter enables waitlist promotion after refund-driven releases.
func (p *Processor) WithPromoter(promoter Promoter) *Processor {
	p.promoter = promoter
	return p
}

// Apply idempotently maps one provider event onto local payment and booking
// state. Unknown external ids are ignored with a warning: the webhook may
// outrun the local commit, and the local record is the arbiter.
func (p *Processor) Apply(ctx context.Context, evt ProviderEvent) error {
	log := p.logger.WithField("external_id", evt.ExternalTransactionID).WithField("event_id", evt.ID)

	if evt.ID != "" {
		seen, err := p.dedup.Seen(ctx, evt.ID)
		if err != nil {
			return err
		}
		if seen {
			observability.ProviderEvents.WithLabelValues("duplicate").Inc()
			log.Info("duplicate provider event ignored")
			return nil
		}
	}

	pay, err := p.store.GetPaymentByExternalID(ctx, evt.ExternalTransactionID)
	if errors.Is(err, domain.ErrNotFound) {
		observability.ProviderEvents.WithLabelValues("unknown").Inc()
		log.Warn("provider event for unknown payment ignored")
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case evt.Type == TypeChargeRefunded || evt.RefundTotal != nil:
		err = p.applyRefund(ctx, log, *pay, evt)
	case evt.Status == StatusSucceeded:
		err = p.applyCompletion(ctx, log, *pay, evt)
	case evt.Status == StatusRequiresAction:
		log.Info("payment requires further action, no transition")
		observability.ProviderEvents.WithLabelValues("noop").Inc()
		return nil
	default:
		err = p.applyFailure(ctx, log, *pay, evt)
	}
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			observability.ProviderEvents.WithLabelValues("duplicate").Inc()
			log.Info("provider event already processed")
			return nil
		}
		observability.ProviderEvents.WithLabelValues("error").Inc()
		return err
	}

	observability.ProviderEvents.WithLabelValues("applied").Inc()
	if evt.ID != "" {
		if derr := p.dedup.Mark(ctx, evt.ID); derr != nil {
			log.WithError(derr).Warn("failed to mark provider event as seen")
		}
	}
	return nil
}

func (p *Processor) applyCompletion(ctx context.Context, log observability.Logger, pay domain.Payment, evt ProviderEvent) error {
	prev := pay.Status
	np, err := pay.Complete(evt.ExternalTransactionID, p.now())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			// Stale or out-of-order delivery; a terminal payment never
			// regresses.
			log.WithError(err).Warn("stale completion ignored")
			return nil
		}
		log.WithError(err).Error("completion conflicts with local state")
		return err
	}
	if np.Status == prev {
		return nil
	}

	var nb *domain.Booking
	b, err := p.store.GetBooking(ctx, np.BookingID)
	if err != nil {
		return err
	}
	if b.Status == domain.BookingPending && !b.RequiresApproval {
		cb, cerr := b.Confirm(p.now())
		if cerr != nil {
			return cerr
		}
		nb = &cb
	}

	if err := p.store.SavePayment(ctx, np, prev, nb, "payment.completed", evt.ID); err != nil {
		return err
	}
	p.recordAudit(ctx, "payment.complete", np)
	return nil
}

func (p *Processor) applyFailure(ctx context.Context, log observability.Logger, pay domain.Payment, evt ProviderEvent) error {
	prev := pay.Status
	reason := evt.Reason
	if reason == "" {
		reason = evt.Status
	}
	np, err := pay.Fail(reason)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			log.WithError(err).Warn("stale failure ignored")
			return nil
		}
		return err
	}
	if np.Status == prev {
		return nil
	}
	if err := p.store.SavePayment(ctx, np, prev, nil, "payment.failed", evt.ID); err != nil {
		return err
	}
	p.recordAudit(ctx, "payment.fail", np)
	return nil
}

func (p *Processor) applyRefund(ctx context.Context, log observability.Logger, pay domain.Payment, evt ProviderEvent) error {
	amount := pay.RemainingRefundable()
	if evt.RefundTotal != nil {
		if evt.RefundTotal.Currency() != pay.Amount.Currency() {
			return errors.Wrapf(domain.ErrInconsistentExternalState,
				"refund total in %s against %s payment %s", evt.RefundTotal.Currency(), pay.Amount.Currency(), pay.ID)
		}
		// The cumulative total is the arbiter: anything at or below what is
		// already recorded is the other channel's echo of a refund we hold.
		delta := evt.RefundTotal.Sub(pay.RefundedAmount)
		if delta.IsZero() || delta.IsNegative() {
			return errors.Wrapf(domain.ErrConflict, "refund total %s already reconciled", *evt.RefundTotal)
		}
		amount = delta
	}
	prev := pay.Status
	np, err := pay.Refund(amount, evt.Reason, p.now())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			log.WithError(err).Warn("stale refund ignored")
			return nil
		}
		log.WithError(err).Error("refund rejected")
		return err
	}

	b, err := p.store.GetBooking(ctx, np.BookingID)
	if err != nil {
		return err
	}

	var nb *domain.Booking
	releaseInventory := false
	switch {
	case b.Status == domain.BookingCancelled:
		rb, rerr := b.MarkRefunded(p.now())
		if rerr != nil {
			return rerr
		}
		nb = &rb
	case np.Status == domain.PaymentRefunded && b.HoldsInventory():
		// A full refund on a live booking is a cancellation in disguise:
		// the booking is cancelled, advanced to refunded, and its
		// capacity handed back.
		cb, cerr := b.Cancel("fully refunded", p.now())
		if cerr != nil {
			return cerr
		}
		rb, rerr := cb.MarkRefunded(p.now())
		if rerr != nil {
			return rerr
		}
		nb = &rb
		releaseInventory = true
	}

	if err := p.store.SavePayment(ctx, np, prev, nb, "payment.refunded", evt.ID); err != nil {
		return err
	}
	if releaseInventory {
		rctx := context.WithoutCancel(ctx)
		if rerr := p.ledger.Release(rctx, b.ID, b.EventID, inventory.LinesFromBooking(*b)); rerr != nil {
			log.WithField("booking_id", b.ID).WithError(rerr).
				Error("failed to release inventory after full refund")
		} else if p.promoter != nil {
			p.promoter.PromoteWaitlisted(rctx, b.EventID)
		}
	}
	p.recordAudit(ctx, "payment.refund", np)
	return nil
}

func (p *Processor) recordAudit(ctx context.Context, action string, pay domain.Payment) {
	if p.audit == nil {
		return
	}
	p.audit.RecordPayment(context.WithoutCancel(ctx), action, pay)
}
