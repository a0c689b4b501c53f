// Package booking orchestrates booking creation and lifecycle operations as
// units of work spanning the inventory ledger and the booking state machine.
package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/event-bookings/internal/domain"
	"github.com/robertarktes/event-bookings/internal/inventory"
	"github.com/robertarktes/event-bookings/internal/observability"
)

// Catalog supplies event and promo definitions. Backed by mongo in
// production.
type Catalog interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	GetPromoCode(ctx context.Context, eventID uuid.UUID, code string) (*domain.PromoCode, error)
}

// Store persists bookings. eventType names the outbox record written in the
// same transaction (empty means none).
type Store interface {
	CreateBooking(ctx context.Context, b domain.Booking, eventType string) error
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	UpdateBooking(ctx context.Context, b domain.Booking, eventType string) error
	ListWaitlisted(ctx context.Context, eventID uuid.UUID, limit int) ([]domain.Booking, error)
}

// waitlistPromoteBatch bounds how many waitlisted bookings one release
// attempts to promote.
const waitlistPromoteBatch = 10

// Audit records committed transitions out of band. Implementations must not
// fail the transition; errors stay inside the recorder.
type Audit interface {
	RecordBooking(ctx context.Context, action string, actor uuid.UUID, b domain.Booking)
}

type Attendee struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

type CreateRequest struct {
	EventID    uuid.UUID
	Selections []inventory.Line
	Attendees  []Attendee
	PromoCode  string
}

type Coordinator struct {
	catalog      Catalog
	ledger       inventory.Ledger
	store        Store
	audit        Audit
	logger       observability.Logger
	cancelCutoff time.Duration
	now          func() time.Time
}

func NewCoordinator(catalog Catalog, ledger inventory.Ledger, store Store, audit Audit, logger observability.Logger, cancelCutoff time.Duration) *Coordinator {
	return &Coordinator{
		catalog:      catalog,
		ledger:       ledger,
		store:        store,
		audit:        audit,
		logger:       logger,
		cancelCutoff: cancelCutoff,
		now:          time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// CreateBooking reserves capacity, creates the booking, and persists it. The
// reservation and the booking insert span two aggregates without a shared
// transaction, so any failure after a successful reservation releases it.
func (c *Coordinator) CreateBooking(ctx context.Context, principal domain.Principal, req CreateRequest) (*domain.Booking, error) {
	now := c.now()

	ev, err := c.catalog.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if !ev.RegistrationOpen(now) {
		return nil, domain.ErrRegistrationClosed
	}

	items, err := priceSelections(ev, req.Selections)
	if err != nil {
		return nil, err
	}
	total := domain.ZeroMoney(items[0].UnitPrice.Currency())
	tickets := 0
	for _, it := range items {
		total = total.Add(it.UnitPrice.MulInt(it.Quantity))
		tickets += it.Quantity
	}
	if len(req.Attendees) != tickets {
		return nil, errors.Wrapf(domain.ErrInvalidInput,
			"attendee count %d does not match ticket quantity %d", len(req.Attendees), tickets)
	}

	discount := domain.ZeroMoney(total.Currency())
	if req.PromoCode != "" {
		promo, err := c.catalog.GetPromoCode(ctx, ev.ID, req.PromoCode)
		if err != nil {
			return nil, err
		}
		discount = promo.DiscountFor(total, now)
	}

	bookingID := uuid.New()
	waitlisted := false
	if err := c.ledger.Reserve(ctx, bookingID, ev.ID, req.Selections); err != nil {
		if errors.Is(err, domain.ErrEventFull) && ev.WaitlistEnabled {
			waitlisted = true
		} else {
			observability.ReservationRejections.WithLabelValues(rejectionReason(err)).Inc()
			return nil, err
		}
	}

	b, err := domain.NewBooking(bookingID, ev.ID, principal.UserID, items, discount, ev.RequiresApproval, waitlisted, now)
	if err != nil {
		c.release(ctx, bookingID, ev.ID, req.Selections, waitlisted)
		return nil, err
	}
	if !ev.RequiresApproval && !waitlisted {
		b, err = b.Confirm(now)
		if err != nil {
			c.release(ctx, bookingID, ev.ID, req.Selections, waitlisted)
			return nil, err
		}
	}

	eventType := "booking.created"
	if b.Status == domain.BookingConfirmed {
		eventType = "booking.confirmed"
	}
	if err := c.store.CreateBooking(ctx, b, eventType); err != nil {
		c.release(ctx, bookingID, ev.ID, req.Selections, waitlisted)
		return nil, err
	}

	observability.BookingsCreated.Inc()
	c.recordAudit(ctx, "booking.create", principal.UserID, b)
	return &b, nil
}

// release is the mandatory compensating action. It runs detached from the
// caller's cancellation: a cancelled request does not exempt the system from
// leaving inventory consistent.
func (c *Coordinator) release(ctx context.Context, bookingID, eventID uuid.UUID, lines []inventory.Line, waitlisted bool) {
	if waitlisted {
		return
	}
	rctx := context.WithoutCancel(ctx)
	if err := c.ledger.Release(rctx, bookingID, eventID, lines); err != nil {
		c.logger.WithField("booking_id", bookingID).WithError(err).
			Error("failed to release reservation after aborted booking")
	}
}

// CancelBooking applies the cancellation policy, transitions the booking, and
// releases held inventory. Non-admin callers may only cancel their own
// bookings and only outside the cutoff window before event start.
func (c *Coordinator) CancelBooking(ctx context.Context, principal domain.Principal, bookingID uuid.UUID, reason string) (*domain.Booking, error) {
	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !principal.IsAdmin() && b.UserID != principal.UserID {
		return nil, domain.ErrNotFound
	}
	ev, err := c.catalog.GetEvent(ctx, b.EventID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if !principal.IsAdmin() && now.Add(c.cancelCutoff).After(ev.StartsAt) {
		return nil, domain.ErrCancellationWindowClosed
	}

	held := b.HoldsInventory()
	nb, err := b.Cancel(reason, now)
	if err != nil {
		return nil, err
	}
	if nb.Status == b.Status {
		return b, nil
	}
	if err := c.store.UpdateBooking(ctx, nb, "booking.cancelled"); err != nil {
		return nil, err
	}
	if held {
		c.releaseCommitted(ctx, nb)
		c.PromoteWaitlisted(ctx, nb.EventID)
	}
	c.recordAudit(ctx, "booking.cancel", principal.UserID, nb)
	return &nb, nil
}

// ApproveBooking confirms a pending approval-required booking. Admin only.
func (c *Coordinator) ApproveBooking(ctx context.Context, principal domain.Principal, bookingID uuid.UUID) (*domain.Booking, error) {
	if !principal.IsAdmin() {
		return nil, errors.Wrap(domain.ErrInvalidInput, "approval requires admin role")
	}
	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	nb, err := b.Approve(principal.UserID, c.now())
	if err != nil {
		return nil, err
	}
	if nb.Status == b.Status {
		return b, nil
	}
	if err := c.store.UpdateBooking(ctx, nb, "booking.confirmed"); err != nil {
		return nil, err
	}
	c.recordAudit(ctx, "booking.approve", principal.UserID, nb)
	return &nb, nil
}

// RejectBooking cancels a pending approval-required booking and gives its
// reservation back.
func (c *Coordinator) RejectBooking(ctx context.Context, principal domain.Principal, bookingID uuid.UUID, reason string) (*domain.Booking, error) {
	if !principal.IsAdmin() {
		return nil, errors.Wrap(domain.ErrInvalidInput, "rejection requires admin role")
	}
	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	held := b.HoldsInventory()
	nb, err := b.Reject(reason, c.now())
	if err != nil {
		return nil, err
	}
	if nb.Status == b.Status {
		return b, nil
	}
	if err := c.store.UpdateBooking(ctx, nb, "booking.cancelled"); err != nil {
		return nil, err
	}
	if held {
		c.releaseCommitted(ctx, nb)
		c.PromoteWaitlisted(ctx, nb.EventID)
	}
	c.recordAudit(ctx, "booking.reject", principal.UserID, nb)
	return &nb, nil
}

// PromoteWaitlisted hands freed capacity to the oldest waitlisted bookings.
// It reserves before it transitions, stops at the first booking that no
// longer fits so the queue order is preserved, and never fails the caller:
// a missed promotion is retried on the next release.
func (c *Coordinator) PromoteWaitlisted(ctx context.Context, eventID uuid.UUID) {
	pctx := context.WithoutCancel(ctx)
	waiting, err := c.store.ListWaitlisted(pctx, eventID, waitlistPromoteBatch)
	if err != nil {
		c.logger.WithField("event_id", eventID).WithError(err).
			Error("failed to list waitlisted bookings")
		return
	}
	for _, wb := range waiting {
		lines := inventory.LinesFromBooking(wb)
		if err := c.ledger.Reserve(pctx, wb.ID, eventID, lines); err != nil {
			if !errors.Is(err, domain.ErrEventFull) && !errors.Is(err, domain.ErrInsufficientQuantity) {
				c.logger.WithField("booking_id", wb.ID).WithError(err).
					Error("waitlist promotion reserve failed")
			}
			return
		}
		nb, err := wb.Promote(c.now())
		if err != nil {
			c.release(pctx, wb.ID, eventID, lines, false)
			continue
		}
		eventType := "booking.created"
		if nb.Status == domain.BookingConfirmed {
			eventType = "booking.confirmed"
		}
		if err := c.store.UpdateBooking(pctx, nb, eventType); err != nil {
			c.release(pctx, wb.ID, eventID, lines, false)
			c.logger.WithField("booking_id", wb.ID).WithError(err).
				Error("failed to persist waitlist promotion")
			return
		}
		observability.WaitlistPromotions.Inc()
		c.recordAudit(pctx, "booking.promote", nb.UserID, nb)
	}
}

// CheckInBooking marks attendance; staff or admin only.
func (c *Coordinator) CheckInBooking(ctx context.Context, principal domain.Principal, bookingID uuid.UUID) (*domain.Booking, error) {
	if !principal.IsAdmin() && !principal.HasRole("staff") {
		return nil, errors.Wrap(domain.ErrInvalidInput, "check-in requires staff role")
	}
	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	nb, err := b.CheckIn(c.now())
	if err != nil {
		return nil, err
	}
	if nb.CheckedInAt == b.CheckedInAt {
		return b, nil
	}
	if err := c.store.UpdateBooking(ctx, nb, ""); err != nil {
		return nil, err
	}
	c.recordAudit(ctx, "booking.checkin", principal.UserID, nb)
	return &nb, nil
}

func (c *Coordinator) releaseCommitted(ctx context.Context, b domain.Booking) {
	rctx := context.WithoutCancel(ctx)
	if err := c.ledger.Release(rctx, b.ID, b.EventID, inventory.LinesFromBooking(b)); err != nil {
		c.logger.WithField("booking_id", b.ID).WithError(err).
			Error("failed to release inventory for cancelled booking")
	}
}

func (c *Coordinator) recordAudit(ctx context.Context, action string, actor uuid.UUID, b domain.Booking) {
	if c.audit == nil {
		return
	}
	c.audit.RecordBooking(context.WithoutCancel(ctx), action, actor, b)
}

func priceSelections(ev *domain.Event, selections []inventory.Line) ([]domain.BookingLineItem, error) {
	if len(selections) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "no ticket selections")
	}
	items := make([]domain.BookingLineItem, 0, len(selections))
	for _, sel := range selections {
		if sel.Quantity <= 0 {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "quantity %d for ticket type %s", sel.Quantity, sel.TicketTypeID)
		}
		tt, ok := ev.TicketType(sel.TicketTypeID)
		if !ok {
			return nil, &domain.ReservationError{TicketTypeID: sel.TicketTypeID, Reason: domain.ErrNotAvailable}
		}
		items = append(items, domain.BookingLineItem{
			TicketTypeID: tt.ID,
			Quantity:     sel.Quantity,
			UnitPrice:    tt.Price,
		})
	}
	return items, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, domain.ErrNotAvailable):
		return "not_available"
	case errors.Is(err, domain.ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, domain.ErrAboveMaximum):
		return "above_maximum"
	case errors.Is(err, domain.ErrRegistrationClosed):
		return "registration_closed"
	case errors.Is(err, domain.ErrEventFull):
		return "event_full"
	case errors.Is(err, domain.ErrContention):
		return "contention"
	default:
		return "other"
	}
}
