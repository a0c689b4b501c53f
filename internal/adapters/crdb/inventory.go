package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/event-bookings/internal/domain"
	"github.com/robertarktes/event-bookings/internal/inventory"
)

// reserveMaxRetries bounds the optimistic retry on serialization conflicts
// before the caller sees ErrContention.
const reserveMaxRetries = 3

// Reserve applies every line or none. Counters are mutated with conditional
// updates (`sold_quantity + qty <= total_quantity` checked in the WHERE
// clause, rows-affected inspected) inside one SERIALIZABLE transaction, which
// is what prevents overselling under concurrent buyers. The reservation row
// keyed by booking id makes replays no-ops.
func (r *Repository) Reserve(ctx context.Context, bookingID, eventID uuid.UUID, lines []inventory.Line) error {
	if len(lines) == 0 {
		return errors.Wrap(domain.ErrInvalidInput, "no reservation lines")
	}
	return r.withContentionRetry(ctx, func(tx pgx.Tx) error {
		return r.reserveTx(ctx, tx, bookingID, eventID, lines)
	})
}

// Release is the exact inverse of Reserve. The stored reservation row is the
// arbiter for what to give back; a missing row means an earlier release
// already ran and the call is a no-op.
func (r *Repository) Release(ctx context.Context, bookingID, eventID uuid.UUID, lines []inventory.Line) error {
	return r.withContentionRetry(ctx, func(tx pgx.Tx) error {
		return r.releaseTx(ctx, tx, bookingID, eventID)
	})
}

func (r *Repository) withContentionRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	for attempt := 0; attempt < reserveMaxRetries; attempt++ {
		err := r.WithTx(ctx, fn)
		if errors.Is(err, domain.ErrSerializationFailure) {
			continue
		}
		return err
	}
	return domain.ErrContention
}

func (r *Repository) reserveTx(ctx context.Context, tx pgx.Tx, bookingID, eventID uuid.UUID, lines []inventory.Line) error {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM inventory_reservations WHERE booking_id = $1)
	`, bookingID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	now := time.Now()
	total := inventory.TotalQuantity(lines)

	result, err := tx.Exec(ctx, `
		UPDATE event_capacity SET current_registrations = current_registrations + $2
		WHERE event_id = $1 AND registration_open AND current_registrations + $2 <= max_capacity
	`, eventID, total)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return r.classifyCapacityFailure(ctx, tx, eventID)
	}

	for _, line := range lines {
		if line.Quantity <= 0 {
			return errors.Wrapf(domain.ErrInvalidInput, "quantity %d", line.Quantity)
		}
		result, err := tx.Exec(ctx, `
			UPDATE ticket_type_inventory SET sold_quantity = sold_quantity + $3
			WHERE event_id = $1 AND ticket_type_id = $2
				AND active
				AND (sale_starts_at IS NULL OR sale_starts_at <= $4)
				AND (sale_ends_at IS NULL OR sale_ends_at > $4)
				AND (min_per_order = 0 OR $3 >= min_per_order)
				AND (max_per_order = 0 OR $3 <= max_per_order)
				AND sold_quantity + $3 <= total_quantity
		`, eventID, line.TicketTypeID, line.Quantity, now)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			// Rolling back undoes the lines already applied: all or nothing.
			return r.classifyLineFailure(ctx, tx, eventID, line, now)
		}
	}

	payload, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO inventory_reservations (booking_id, event_id, lines_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, bookingID, eventID, payload, now)
	return err
}

func (r *Repository) releaseTx(ctx context.Context, tx pgx.Tx, bookingID, eventID uuid.UUID) error {
	var payload []byte
	err := tx.QueryRow(ctx, `
		DELETE FROM inventory_reservations WHERE booking_id = $1 RETURNING lines_json
	`, bookingID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	var lines []inventory.Line
	if err := json.Unmarshal(payload, &lines); err != nil {
		return err
	}

	for _, line := range lines {
		result, err := tx.Exec(ctx, `
			UPDATE ticket_type_inventory SET sold_quantity = sold_quantity - $3
			WHERE event_id = $1 AND ticket_type_id = $2 AND sold_quantity - $3 >= 0
		`, eventID, line.TicketTypeID, line.Quantity)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return errors.AssertionFailedf(
				"release of booking %s would drive ticket type %s sold below zero", bookingID, line.TicketTypeID)
		}
	}

	total := inventory.TotalQuantity(lines)
	result, err := tx.Exec(ctx, `
		UPDATE event_capacity SET current_registrations = current_registrations - $2
		WHERE event_id = $1 AND current_registrations - $2 >= 0
	`, eventID, total)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.AssertionFailedf(
			"release of booking %s would drive event %s registrations below zero", bookingID, eventID)
	}
	return nil
}

func (r *Repository) classifyCapacityFailure(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) error {
	var open bool
	err := tx.QueryRow(ctx, `
		SELECT registration_open FROM event_capacity WHERE event_id = $1
	`, eventID).Scan(&open)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, "event %s", eventID)
	}
	if err != nil {
		return err
	}
	if !open {
		return domain.ErrRegistrationClosed
	}
	return domain.ErrEventFull
}

func (r *Repository) classifyLineFailure(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, line inventory.Line, now time.Time) error {
	var (
		active                   bool
		totalQty, soldQty        int
		minPerOrder, maxPerOrder int
		saleStartsAt, saleEndsAt *time.Time
	)
	err := tx.QueryRow(ctx, `
		SELECT active, total_quantity, sold_quantity, min_per_order, max_per_order, sale_starts_at, sale_ends_at
		FROM ticket_type_inventory WHERE event_id = $1 AND ticket_type_id = $2
	`, eventID, line.TicketTypeID).Scan(&active, &totalQty, &soldQty, &minPerOrder, &maxPerOrder, &saleStartsAt, &saleEndsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.ReservationError{TicketTypeID: line.TicketTypeID, Reason: domain.ErrNotAvailable}
	}
	if err != nil {
		return err
	}
	switch {
	case !active,
		saleStartsAt != nil && now.Before(*saleStartsAt),
		saleEndsAt != nil && !now.Before(*saleEndsAt):
		return &domain.ReservationError{TicketTypeID: line.TicketTypeID, Reason: domain.ErrNotAvailable}
	case minPerOrder > 0 && line.Quantity < minPerOrder:
		return &domain.ReservationError{TicketTypeID: line.TicketTypeID, Reason: domain.ErrBelowMinimum}
	case maxPerOrder > 0 && line.Quantity > maxPerOrder:
		return &domain.ReservationError{TicketTypeID: line.TicketTypeID, Reason: domain.ErrAboveMaximum}
	default:
		return &domain.ReservationError{TicketTypeID: line.TicketTypeID, Reason: domain.ErrInsufficientQuantity}
	}
}

// SyncEventInventory upserts the counters for a published event. Sold
// quantities and registrations are preserved on conflict; only the catalog
// attributes change.
func (r *Repository) SyncEventInventory(ctx context.Context, ev domain.Event, registrationOpen bool) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO event_capacity (event_id, max_capacity, current_registrations, registration_open)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (event_id) DO UPDATE SET max_capacity = $2, registration_open = $3
		`, ev.ID, ev.MaxCapacity, registrationOpen)
		if err != nil {
			return err
		}
		for _, tt := range ev.TicketTypes {
			_, err := tx.Exec(ctx, `
				INSERT INTO ticket_type_inventory (ticket_type_id, event_id, total_quantity, sold_quantity,
					min_per_order, max_per_order, sale_starts_at, sale_ends_at, active)
				VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $8)
				ON CONFLICT (ticket_type_id) DO UPDATE SET total_quantity = $3, min_per_order = $4,
					max_per_order = $5, sale_starts_at = $6, sale_ends_at = $7, active = $8
			`, tt.ID, ev.ID, tt.TotalQuantity, tt.MinPerOrder, tt.MaxPerOrder, tt.SaleStartsAt, tt.SaleEndsAt, tt.Active)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
