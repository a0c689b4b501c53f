package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/event-bookings/internal/domain"
)

// MemoryLedger is the in-process reference implementation of Ledger. Each
// event carries its own mutex, so contention is scoped to one event rather
// than the whole ledger.
type MemoryLedger struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*eventState
	now    func() time.Time
}

type eventState struct {
	mu            sync.Mutex
	event         domain.Event
	sold          map[uuid.UUID]int
	registrations int
	// applied maps booking id to the reserved lines; it is the idempotency
	// record and the arbiter for what Release gives back.
	applied map[uuid.UUID][]Line
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events: make(map[uuid.UUID]*eventState),
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

// AddEvent registers an event and its ticket types with zeroed counters.
func (l *MemoryLedger) AddEvent(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[ev.ID] = &eventState{
		event:   ev,
		sold:    make(map[uuid.UUID]int),
		applied: make(map[uuid.UUID][]Line),
	}
}

func (l *MemoryLedger) state(eventID uuid.UUID) (*eventState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.events[eventID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", eventID)
	}
	return st, nil
}

func (l *MemoryLedger) Reserve(ctx context.Context, bookingID, eventID uuid.UUID, lines []Line) error {
	st, err := l.state(eventID)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return errors.Wrap(domain.ErrInvalidInput, "no reservation lines")
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.applied[bookingID]; ok {
		return nil
	}

	now := l.now()
	if !st.event.RegistrationOpen(now) {
		return domain.ErrRegistrationClosed
	}
	total := TotalQuantity(lines)
	if st.registrations+total > st.event.MaxCapacity {
		return domain.ErrEventFull
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return errors.Wrapf(domain.ErrInvalidInput, "quantity %d", line.Quantity)
		}
		tt, ok := st.event.TicketType(line.TicketTypeID)
		if !ok || !tt.OnSale(now) {
			return &domain.ReservationError{TicketTypeID: line.TicketTypeID, Reason: domain.ErrNotAvailable}
		}
		if tt.MinPerOrder > 0 && line.Quantity < tt.MinPerOrder {
			return &domain.ReservationError{TicketTypeID: line.TicketTypeID, Reason: domain.ErrBelowMinimum}
		}
		if tt.MaxPerOrder > 0 && line.Quantity > tt.MaxPerOrder {
			return &domain.ReservationError{TicketTypeID: line.TicketTypeID, Reason: domain.ErrAboveMaximum}
		}
		if st.sold[line.TicketTypeID]+line.Quantity > tt.TotalQuantity {
			return &domain.ReservationError{TicketTypeID: line.TicketTypeID, Reason: domain.ErrInsufficientQuantity}
		}
	}

	// Every check passed; apply all lines under the same lock.
	for _, line := range lines {
		st.sold[line.TicketTypeID] += line.Quantity
	}
	st.registrations += total
	cp := make([]Line, len(lines))
	copy(cp, lines)
	st.applied[bookingID] = cp
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, bookingID, eventID uuid.UUID, lines []Line) error {
	st, err := l.state(eventID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	reserved, ok := st.applied[bookingID]
	if !ok {
		// Already released, or never reserved: replay-safe no-op.
		return nil
	}
	for _, line := range reserved {
		if st.sold[line.TicketTypeID]-line.Quantity < 0 {
			panic(errors.AssertionFailedf(
				"release of booking %s would drive ticket type %s sold below zero", bookingID, line.TicketTypeID))
		}
	}
	if st.registrations-TotalQuantity(reserved) < 0 {
		panic(errors.AssertionFailedf(
			"release of booking %s would drive event %s registrations below zero", bookingID, eventID))
	}
	for _, line := range reserved {
		st.sold[line.TicketTypeID] -= line.Quantity
	}
	st.registrations -= TotalQuantity(reserved)
	delete(st.applied, bookingID)
	return nil
}

// Sold returns the sold counter for a ticket type. Test observability.
func (l *MemoryLedger) Sold(eventID, ticketTypeID uuid.UUID) int {
	st, err := l.state(eventID)
	if err != nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sold[ticketTypeID]
}

// Registrations returns the event-wide registration counter.
func (l *MemoryLedger) Registrations(eventID uuid.UUID) int {
	st, err := l.state(eventID)
	if err != nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.registrations
}
