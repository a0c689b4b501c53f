package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/event-bookings/internal/domain"
	"github.com/robertarktes/event-bookings/internal/observability"
)

const (
	SerializationFailureCode = "40001"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
			return domain.ErrSerializationFailure
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
			return domain.ErrSerializationFailure
		}
		return err
	}
	return nil
}

func (r *Repository) CreateBooking(ctx context.Context, b domain.Booking, eventType string) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO bookings (id, booking_number, event_id, user_id, status, total_amount, discount_amount,
				currency, requires_approval, total_tickets, check_in_code, created_at, confirmed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, b.ID, b.BookingNumber, b.EventID, b.UserID, b.Status,
			b.TotalAmount.Amount().String(), b.DiscountAmount.Amount().String(), b.TotalAmount.Currency(),
			b.RequiresApproval, b.TotalTickets, b.CheckInCode, b.CreatedAt, b.ConfirmedAt)
		if err != nil {
			return err
		}

		// Line items go in sequentially: a pgx.Tx pins one connection and is
		// not safe for concurrent Exec.
		for _, item := range b.Items {
			_, err := tx.Exec(ctx, `
				INSERT INTO booking_items (booking_id, ticket_type_id, quantity, unit_price)
				VALUES ($1, $2, $3, $4)
			`, b.ID, item.TicketTypeID, item.Quantity, item.UnitPrice.Amount().String())
			if err != nil {
				return err
			}
		}

		if eventType == "" {
			return nil
		}
		return r.insertBookingOutbox(ctx, tx, b, eventType)
	})
}

func (r *Repository) UpdateBooking(ctx context.Context, b domain.Booking, eventType string) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.updateBookingTx(ctx, tx, b); err != nil {
			return err
		}
		if eventType == "" {
			return nil
		}
		return r.insertBookingOutbox(ctx, tx, b, eventType)
	})
}

func (r *Repository) updateBookingTx(ctx context.Context, tx pgx.Tx, b domain.Booking) error {
	result, err := tx.Exec(ctx, `
		UPDATE bookings SET status = $2, rejection_reason = $3, cancel_reason = $4, approved_by = $5,
			confirmed_at = $6, cancelled_at = $7, checked_in_at = $8
		WHERE id = $1
	`, b.ID, b.Status, b.RejectionReason, b.CancelReason, b.ApprovedBy,
		b.ConfirmedAt, b.CancelledAt, b.CheckedInAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	var (
		b                     domain.Booking
		totalStr, discountStr string
		currency              string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, booking_number, event_id, user_id, status, total_amount::TEXT, discount_amount::TEXT,
			currency, requires_approval, total_tickets, check_in_code,
			COALESCE(rejection_reason, ''), COALESCE(cancel_reason, ''), approved_by,
			created_at, confirmed_at, cancelled_at, checked_in_at
		FROM bookings WHERE id = $1
	`, id).Scan(&b.ID, &b.BookingNumber, &b.EventID, &b.UserID, &b.Status, &totalStr, &discountStr,
		&currency, &b.RequiresApproval, &b.TotalTickets, &b.CheckInCode,
		&b.RejectionReason, &b.CancelReason, &b.ApprovedBy,
		&b.CreatedAt, &b.ConfirmedAt, &b.CancelledAt, &b.CheckedInAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	if err != nil {
		return nil, err
	}
	b.TotalAmount, err = parseMoney(totalStr, currency)
	if err != nil {
		return nil, err
	}
	b.DiscountAmount, err = parseMoney(discountStr, currency)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT ticket_type_id, quantity, unit_price::TEXT
		FROM booking_items WHERE booking_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			item     domain.BookingLineItem
			priceStr string
		)
		if err := rows.Scan(&item.TicketTypeID, &item.Quantity, &priceStr); err != nil {
			return nil, err
		}
		item.UnitPrice, err = parseMoney(priceStr, currency)
		if err != nil {
			return nil, err
		}
		b.Items = append(b.Items, item)
	}
	return &b, rows.Err()
}

// ListWaitlisted returns waitlisted bookings for an event, oldest first.
func (r *Repository) ListWaitlisted(ctx context.Context, eventID uuid.UUID, limit int) ([]domain.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM bookings
		WHERE event_id = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT $3
	`, eventID, domain.BookingWaitingList, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Booking, 0, len(ids))
	for _, id := range ids {
		b, err := r.GetBooking(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

func (r *Repository) CreatePayment(ctx context.Context, p domain.Payment, eventType string) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO payments (id, booking_id, status, amount, currency, refunded_amount,
				external_transaction_id, failure_reason, created_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, p.ID, p.BookingID, p.Status, p.Amount.Amount().String(), p.Amount.Currency(),
			p.RefundedAmount.Amount().String(), nullableStr(p.ExternalTransactionID),
			p.FailureReason, p.CreatedAt, p.CompletedAt)
		if err != nil {
			return err
		}
		if eventType == "" {
			return nil
		}
		return r.insertPaymentOutbox(ctx, tx, p, eventType)
	})
}

func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return r.getPayment(ctx, "id = $1", id)
}

func (r *Repository) GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	return r.getPayment(ctx, "external_transaction_id = $1", externalID)
}

func (r *Repository) getPayment(ctx context.Context, where string, arg interface{}) (*domain.Payment, error) {
	var (
		p                      domain.Payment
		amountStr, refundedStr string
		currency               string
		externalID             *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, booking_id, status, amount::TEXT, currency, refunded_amount::TEXT,
			external_transaction_id, COALESCE(failure_reason, ''), created_at, completed_at
		FROM payments WHERE `+where, arg,
	).Scan(&p.ID, &p.BookingID, &p.Status, &amountStr, &currency, &refundedStr,
		&externalID, &p.FailureReason, &p.CreatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(domain.ErrNotFound, "payment")
	}
	if err != nil {
		return nil, err
	}
	if externalID != nil {
		p.ExternalTransactionID = *externalID
	}
	p.Amount, err = parseMoney(amountStr, currency)
	if err != nil {
		return nil, err
	}
	p.RefundedAmount, err = parseMoney(refundedStr, currency)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, amount::TEXT, COALESCE(reason, ''), created_at
		FROM refunds WHERE payment_id = $1 ORDER BY created_at ASC
	`, p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec       domain.RefundRecord
			amountStr string
		)
		if err := rows.Scan(&rec.ID, &amountStr, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Amount, err = parseMoney(amountStr, currency)
		if err != nil {
			return nil, err
		}
		p.Refunds = append(p.Refunds, rec)
	}
	return &p, rows.Err()
}

// SavePayment applies one payment transition, the optional booking update,
// the processed-event marker, and the outbox record atomically. The status
// guard rejects concurrent transitions against the same payment, so racing
// refund paths can never both pass their checks against stale state.
func (r *Repository) SavePayment(ctx context.Context, p domain.Payment, prev domain.PaymentStatus, b *domain.Booking, eventType, providerEventID string) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if providerEventID != "" {
			result, err := tx.Exec(ctx, `
				INSERT INTO processed_events (id, processed_at) VALUES ($1, $2)
				ON CONFLICT (id) DO NOTHING
			`, providerEventID, time.Now())
			if err != nil {
				return err
			}
			if result.RowsAffected() == 0 {
				return errors.Wrapf(domain.ErrConflict, "provider event %s", providerEventID)
			}
		}

		result, err := tx.Exec(ctx, `
			UPDATE payments SET status = $2, refunded_amount = $3, external_transaction_id = $4,
				failure_reason = $5, completed_at = $6
			WHERE id = $1 AND status = $7
		`, p.ID, p.Status, p.RefundedAmount.Amount().String(), nullableStr(p.ExternalTransactionID),
			p.FailureReason, p.CompletedAt, prev)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return errors.Wrapf(domain.ErrInvalidStateTransition,
				"payment %s no longer in %s", p.ID, prev)
		}

		for _, rec := range p.Refunds {
			_, err := tx.Exec(ctx, `
				INSERT INTO refunds (id, payment_id, amount, currency, reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO NOTHING
			`, rec.ID, p.ID, rec.Amount.Amount().String(), rec.Amount.Currency(), rec.Reason, rec.CreatedAt)
			if err != nil {
				return err
			}
		}

		if b != nil {
			if err := r.updateBookingTx(ctx, tx, *b); err != nil {
				return err
			}
		}

		if eventType == "" {
			return nil
		}
		return r.insertPaymentOutbox(ctx, tx, p, eventType)
	})
}

func parseMoney(amount, currency string) (domain.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Money{}, errors.Wrapf(err, "malformed stored amount %q", amount)
	}
	return domain.NewMoney(d, currency), nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
