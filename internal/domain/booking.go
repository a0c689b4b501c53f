package domain

import (
	"crypto/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type BookingStatus string

const (
	BookingPending     BookingStatus = "PENDING"
	BookingWaitingList BookingStatus = "WAITING_LIST"
	BookingConfirmed   BookingStatus = "CONFIRMED"
	BookingCompleted   BookingStatus = "COMPLETED"
	BookingCancelled   BookingStatus = "CANCELLED"
	BookingRefunded    BookingStatus = "REFUNDED"
)

type BookingLineItem struct {
	TicketTypeID uuid.UUID
	Quantity     int
	UnitPrice    Money
}

// Booking is the aggregate driven by pure transition functions. Every
// transition returns a new value; callers persist the result. Re-applying a
// transition that already happened is a no-op, not an error.
type Booking struct {
	ID               uuid.UUID
	BookingNumber    string
	EventID          uuid.UUID
	UserID           uuid.UUID
	Status           BookingStatus
	TotalAmount      Money
	DiscountAmount   Money
	RequiresApproval bool
	TotalTickets     int
	Items            []BookingLineItem
	CheckInCode      string
	RejectionReason  string
	CancelReason     string
	ApprovedBy       *uuid.UUID
	CreatedAt        time.Time
	ConfirmedAt      *time.Time
	CancelledAt      *time.Time
	CheckedInAt      *time.Time
}

// NewBooking builds a booking in PENDING (or WAITING_LIST when waitlisted).
// Line quantities must be positive, and the discount may not exceed the line
// total.
func NewBooking(id, eventID, userID uuid.UUID, items []BookingLineItem, discount Money, requiresApproval, waitlisted bool, now time.Time) (Booking, error) {
	if len(items) == 0 {
		return Booking{}, errors.Wrap(ErrInvalidInput, "booking requires at least one line item")
	}
	total := ZeroMoney(items[0].UnitPrice.Currency())
	tickets := 0
	for _, it := range items {
		if it.Quantity <= 0 {
			return Booking{}, errors.Wrapf(ErrInvalidInput, "quantity %d for ticket type %s", it.Quantity, it.TicketTypeID)
		}
		total = total.Add(it.UnitPrice.MulInt(it.Quantity))
		tickets += it.Quantity
	}
	if discount.IsNegative() {
		return Booking{}, errors.Wrap(ErrInvalidInput, "negative discount")
	}
	if total.Sub(discount).IsNegative() {
		return Booking{}, errors.Wrap(ErrInvalidInput, "discount exceeds total")
	}

	status := BookingPending
	if waitlisted {
		status = BookingWaitingList
	}

	its := make([]BookingLineItem, len(items))
	copy(its, items)

	return Booking{
		ID:               id,
		BookingNumber:    "BK-" + now.UTC().Format("20060102") + "-" + randomCode(6),
		EventID:          eventID,
		UserID:           userID,
		Status:           status,
		TotalAmount:      total,
		DiscountAmount:   discount,
		RequiresApproval: requiresApproval,
		TotalTickets:     tickets,
		Items:            its,
		CheckInCode:      randomCode(8),
		CreatedAt:        now,
	}, nil
}

// FinalAmount is the total less the discount. NewBooking guarantees it is
// never negative.
func (b Booking) FinalAmount() Money {
	return b.TotalAmount.Sub(b.DiscountAmount)
}

func (b Booking) Confirm(now time.Time) (Booking, error) {
	switch b.Status {
	case BookingConfirmed:
		return b, nil
	case BookingPending, BookingWaitingList:
		b.Status = BookingConfirmed
		b.ConfirmedAt = &now
		return b, nil
	default:
		return b, errors.Wrapf(ErrInvalidStateTransition, "confirm from %s", b.Status)
	}
}

func (b Booking) Approve(approverID uuid.UUID, now time.Time) (Booking, error) {
	if b.Status == BookingConfirmed {
		return b, nil
	}
	if !b.RequiresApproval || b.Status != BookingPending {
		return b, errors.Wrapf(ErrInvalidStateTransition, "approve from %s (requires approval: %t)", b.Status, b.RequiresApproval)
	}
	b.Status = BookingConfirmed
	b.ApprovedBy = &approverID
	b.ConfirmedAt = &now
	return b, nil
}

func (b Booking) Reject(reason string, now time.Time) (Booking, error) {
	if b.Status == BookingCancelled {
		return b, nil
	}
	if !b.RequiresApproval || b.Status != BookingPending {
		return b, errors.Wrapf(ErrInvalidStateTransition, "reject from %s (requires approval: %t)", b.Status, b.RequiresApproval)
	}
	b.Status = BookingCancelled
	b.RejectionReason = reason
	b.CancelledAt = &now
	return b, nil
}

// Promote moves a waitlisted booking into freed capacity: straight to
// CONFIRMED, or back through PENDING when the event still requires approval.
// Callers must have reserved the booking's lines first.
func (b Booking) Promote(now time.Time) (Booking, error) {
	if b.Status != BookingWaitingList {
		return b, errors.Wrapf(ErrInvalidStateTransition, "promote from %s", b.Status)
	}
	if b.RequiresApproval {
		b.Status = BookingPending
		return b, nil
	}
	return b.Confirm(now)
}

func (b Booking) Cancel(reason string, now time.Time) (Booking, error) {
	switch b.Status {
	case BookingCancelled:
		return b, nil
	case BookingPending, BookingConfirmed:
		b.Status = BookingCancelled
		b.CancelReason = reason
		b.CancelledAt = &now
		return b, nil
	default:
		return b, errors.Wrapf(ErrInvalidStateTransition, "cancel from %s", b.Status)
	}
}

// CheckIn marks attendance. First call wins; replays are no-ops.
func (b Booking) CheckIn(now time.Time) (Booking, error) {
	if b.CheckedInAt != nil {
		return b, nil
	}
	if b.Status != BookingConfirmed {
		return b, errors.Wrapf(ErrInvalidStateTransition, "check in from %s", b.Status)
	}
	b.CheckedInAt = &now
	return b, nil
}

func (b Booking) Complete(now time.Time) (Booking, error) {
	if b.Status == BookingCompleted {
		return b, nil
	}
	if b.Status != BookingConfirmed {
		return b, errors.Wrapf(ErrInvalidStateTransition, "complete from %s", b.Status)
	}
	b.Status = BookingCompleted
	return b, nil
}

// MarkRefunded is only reachable from CANCELLED, after the owning payment has
// been fully refunded.
func (b Booking) MarkRefunded(now time.Time) (Booking, error) {
	if b.Status == BookingRefunded {
		return b, nil
	}
	if b.Status != BookingCancelled {
		return b, errors.Wrapf(ErrInvalidStateTransition, "refund from %s", b.Status)
	}
	b.Status = BookingRefunded
	return b, nil
}

// HoldsInventory reports whether the booking currently accounts for reserved
// capacity. Waitlisted bookings hold none until promoted.
func (b Booking) HoldsInventory() bool {
	return b.Status == BookingPending || b.Status == BookingConfirmed || b.Status == BookingCompleted
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomCode(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(errors.AssertionFailedf("crypto/rand unavailable: %v", err))
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf)
}
