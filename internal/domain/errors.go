package domain

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Sentinel errors returned across component boundaries. All of these are
// recoverable by the caller; invariant violations use assertion failures
// instead and are never part of this taxonomy.
var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
	ErrSerializationFailure = errors.New("serialization failure")

	// Reservation rejections. Surfaced to the user verbatim; retrying
	// without changing the request cannot succeed.
	ErrNotAvailable         = errors.New("ticket type not available")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrBelowMinimum         = errors.New("below minimum per order")
	ErrAboveMaximum         = errors.New("above maximum per order")
	ErrRegistrationClosed   = errors.New("registration closed")
	ErrEventFull            = errors.New("event full")

	// ErrContention means a reservation lost a bounded race; the whole
	// request may be retried.
	ErrContention = errors.New("reservation contention")

	ErrInvalidStateTransition    = errors.New("invalid state transition")
	ErrRefundExceedsPayment      = errors.New("refund exceeds payment")
	ErrInconsistentExternalState = errors.New("inconsistent external state")

	// ErrExternalProcessor marks an ambiguous processor outcome: the caller
	// must not assume success or failure and has to wait for reconciliation.
	ErrExternalProcessor = errors.New("external processor error")

	ErrCancellationWindowClosed = errors.New("cancellation window closed")
)

// ReservationError reports which reservation line failed and why. Reason is
// one of the reservation sentinel errors above.
type ReservationError struct {
	TicketTypeID uuid.UUID
	Reason       error
}

func (e *ReservationError) Error() string {
	return "ticket type " + e.TicketTypeID.String() + ": " + e.Reason.Error()
}

func (e *ReservationError) Unwrap() error { return e.Reason }
