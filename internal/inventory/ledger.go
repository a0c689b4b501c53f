// Package inventory defines the capacity ledger: the single
// highest-contention path in the system. Reservations mutate per-ticket-type
// sold counters and the event-wide registration counter as one atomic unit,
// keyed by the booking id so replays after success are no-ops.
package inventory

import (
	"context"

	"github.com/google/uuid"

	"github.com/robertarktes/event-bookings/internal/domain"
)

type Line struct {
	TicketTypeID uuid.UUID
	Quantity     int
}

// Ledger reserves and releases ticket capacity. Reserve applies every line or
// none; failures carry the first failing line as a *domain.ReservationError
// or one of the event-level sentinels (ErrRegistrationClosed, ErrEventFull,
// ErrContention). Release is the exact inverse and must never drive a counter
// negative; that is an invariant violation, not a domain error.
type Ledger interface {
	Reserve(ctx context.Context, bookingID, eventID uuid.UUID, lines []Line) error
	Release(ctx context.Context, bookingID, eventID uuid.UUID, lines []Line) error
}

// LinesFromBooking maps a booking's line items onto ledger lines for release.
func LinesFromBooking(b domain.Booking) []Line {
	lines := make([]Line, len(b.Items))
	for i, it := range b.Items {
		lines[i] = Line{TicketTypeID: it.TicketTypeID, Quantity: it.Quantity}
	}
	return lines
}

func TotalQuantity(lines []Line) int {
	n := 0
	for _, l := range lines {
		n += l.Quantity
	}
	return n
}
