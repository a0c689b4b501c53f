package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/robertarktes/event-bookings/internal/domain"
	"github.com/robertarktes/event-bookings/internal/observability"
)

// AuditLogger records committed transitions. It never fails the transition:
// errors stay here, logged.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        uuid.UUID `bson:"_id"`
	Action    string    `bson:"action"`
	ActorID   uuid.UUID `bson:"actor_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) logEvent(ctx context.Context, action string, actor uuid.UUID, data bson.M) {
	entry := AuditLog{
		ID:        uuid.New(),
		Action:    action,
		ActorID:   actor,
		Timestamp: time.Now(),
		Data:      data,
	}
	if _, err := a.coll.InsertOne(ctx, entry); err != nil {
		a.logger.WithField("action", action).WithError(err).Error("failed to insert audit log")
	}
}

func (a *AuditLogger) RecordBooking(ctx context.Context, action string, actor uuid.UUID, b domain.Booking) {
	a.logEvent(ctx, action, actor, bson.M{
		"booking_id":     b.ID.String(),
		"booking_number": b.BookingNumber,
		"event_id":       b.EventID.String(),
		"status":         string(b.Status),
		"total_tickets":  b.TotalTickets,
		"final_amount":   b.FinalAmount().String(),
	})
}

func (a *AuditLogger) RecordPayment(ctx context.Context, action string, p domain.Payment) {
	a.logEvent(ctx, action, p.BookingID, bson.M{
		"payment_id":      p.ID.String(),
		"booking_id":      p.BookingID.String(),
		"status":          string(p.Status),
		"amount":          p.Amount.String(),
		"refunded_amount": p.RefundedAmount.String(),
		"external_id":     p.ExternalTransactionID,
	})
}
