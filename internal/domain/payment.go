package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentProcessing        PaymentStatus = "PROCESSING"
	PaymentCompleted         PaymentStatus = "COMPLETED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentCancelled         PaymentStatus = "CANCELLED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
)

// RefundRecord is an immutable entry appended by Payment.Refund.
type RefundRecord struct {
	ID        uuid.UUID
	Amount    Money
	Reason    string
	CreatedAt time.Time
}

// Payment belongs to exactly one booking. A booking may accumulate several
// payments across retries, but at most one is COMPLETED at a time.
type Payment struct {
	ID                    uuid.UUID
	BookingID             uuid.UUID
	Status                PaymentStatus
	Amount                Money
	RefundedAmount        Money
	ExternalTransactionID string
	FailureReason         string
	Refunds               []RefundRecord
	CreatedAt             time.Time
	CompletedAt           *time.Time
}

func NewPayment(bookingID uuid.UUID, amount Money, now time.Time) (Payment, error) {
	if amount.IsNegative() || amount.IsZero() {
		return Payment{}, errors.Wrapf(ErrInvalidInput, "payment amount %s", amount)
	}
	return Payment{
		ID:             uuid.New(),
		BookingID:      bookingID,
		Status:         PaymentPending,
		Amount:         amount,
		RefundedAmount: ZeroMoney(amount.Currency()),
		CreatedAt:      now,
	}, nil
}

// Process attaches the external transaction id and moves the payment to
// PROCESSING while the processor owns the outcome.
func (p Payment) Process(externalTxnID string) (Payment, error) {
	if p.Status == PaymentProcessing && p.ExternalTransactionID == externalTxnID {
		return p, nil
	}
	if p.Status != PaymentPending {
		return p, errors.Wrapf(ErrInvalidStateTransition, "process from %s", p.Status)
	}
	p.Status = PaymentProcessing
	p.ExternalTransactionID = externalTxnID
	return p, nil
}

// Complete is idempotent for the same external payment id. A different id on
// an already-completed payment means local and processor state disagree,
// which is never silently corrected.
func (p Payment) Complete(externalID string, now time.Time) (Payment, error) {
	if p.Status == PaymentCompleted {
		if p.ExternalTransactionID == externalID {
			return p, nil
		}
		return p, errors.Wrapf(ErrInconsistentExternalState,
			"payment %s completed with %s, got %s", p.ID, p.ExternalTransactionID, externalID)
	}
	if p.Status != PaymentPending && p.Status != PaymentProcessing {
		return p, errors.Wrapf(ErrInvalidStateTransition, "complete from %s", p.Status)
	}
	if p.ExternalTransactionID != "" && p.ExternalTransactionID != externalID {
		return p, errors.Wrapf(ErrInconsistentExternalState,
			"payment %s bound to %s, got %s", p.ID, p.ExternalTransactionID, externalID)
	}
	p.Status = PaymentCompleted
	p.ExternalTransactionID = externalID
	p.CompletedAt = &now
	return p, nil
}

func (p Payment) Fail(reason string) (Payment, error) {
	if p.Status == PaymentFailed {
		return p, nil
	}
	if p.Status != PaymentPending && p.Status != PaymentProcessing {
		return p, errors.Wrapf(ErrInvalidStateTransition, "fail from %s", p.Status)
	}
	p.Status = PaymentFailed
	p.FailureReason = reason
	return p, nil
}

func (p Payment) Cancel() (Payment, error) {
	if p.Status == PaymentCancelled {
		return p, nil
	}
	if p.Status != PaymentPending && p.Status != PaymentProcessing {
		return p, errors.Wrapf(ErrInvalidStateTransition, "cancel from %s", p.Status)
	}
	p.Status = PaymentCancelled
	return p, nil
}

// Refund appends an immutable refund record. The payment becomes REFUNDED
// exactly when the accumulated refunds equal the charged amount, and
// PARTIALLY_REFUNDED otherwise.
func (p Payment) Refund(amount Money, reason string, now time.Time) (Payment, error) {
	if p.Status != PaymentCompleted && p.Status != PaymentPartiallyRefunded {
		return p, errors.Wrapf(ErrInvalidStateTransition, "refund from %s", p.Status)
	}
	if amount.IsNegative() || amount.IsZero() {
		return p, errors.Wrapf(ErrInvalidInput, "refund amount %s", amount)
	}
	newTotal := p.RefundedAmount.Add(amount)
	if newTotal.GreaterThan(p.Amount) {
		return p, errors.Wrapf(ErrRefundExceedsPayment,
			"refunded %s + %s exceeds %s", p.RefundedAmount, amount, p.Amount)
	}

	refunds := make([]RefundRecord, len(p.Refunds), len(p.Refunds)+1)
	copy(refunds, p.Refunds)
	p.Refunds = append(refunds, RefundRecord{
		ID:        uuid.New(),
		Amount:    amount,
		Reason:    reason,
		CreatedAt: now,
	})
	p.RefundedAmount = newTotal
	if newTotal.Equal(p.Amount) {
		p.Status = PaymentRefunded
	} else {
		p.Status = PaymentPartiallyRefunded
	}
	return p, nil
}

// RemainingRefundable is the amount still eligible for refund.
func (p Payment) RemainingRefundable() Money {
	return p.Amount.Sub(p.RefundedAmount)
}
