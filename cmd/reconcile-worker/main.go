package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/event-bookings/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/event-bookings/internal/adapters/mongo"
	"github.com/robertarktes/event-bookings/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/event-bookings/internal/adapters/redis"
	"github.com/robertarktes/event-bookings/internal/booking"
	"github.com/robertarktes/event-bookings/internal/config"
	"github.com/robertarktes/event-bookings/internal/domain"
	"github.com/robertarktes/event-bookings/internal/observability"
	"github.com/robertarktes/event-bookings/internal/reconcile"
)

// pspQueue mirrors the webhook feed. Deliveries are acked only after Apply
// succeeds, so a crash mid-application redelivers and the processor's
// idempotency absorbs the duplicate.
const pspQueue = "psp.events"

type queuedEvent struct {
	ID                    string `json:"id"`
	Type                  string `json:"type"`
	ExternalTransactionID string `json:"external_transaction_id"`
	Status                string `json:"status"`
	AmountRefunded        string `json:"amount_refunded,omitempty"`
	Currency              string `json:"currency,omitempty"`
	Reason                string `json:"reason,omitempty"`
	OccurredAt            int64  `json:"occurred_at"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database("ebp")
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	dedup := redisadapter.NewDedup(redisClient, 24*time.Hour)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, pspQueue)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}

	coordinator := booking.NewCoordinator(catalog, repo, repo, audit, logger, cfg.CancelCutoff)
	processor := reconcile.NewProcessor(repo, dedup, repo, audit, logger).
		WithPromoter(coordinator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}

	go func() {
		for d := range deliveries {
			if err := handleDelivery(ctx, processor, d); err != nil {
				logger.WithField("message_id", d.MessageId).WithError(err).
					Error("failed to apply provider event, requeueing")
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}()
	logger.Info("Reconcile worker started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown reconcile worker")
}

func handleDelivery(ctx context.Context, processor *reconcile.Processor, d amqp.Delivery) error {
	var qe queuedEvent
	if err := json.Unmarshal(d.Body, &qe); err != nil {
		// Poison message; requeueing would loop forever.
		return nil
	}
	evt := reconcile.ProviderEvent{
		ID:                    qe.ID,
		Type:                  qe.Type,
		ExternalTransactionID: qe.ExternalTransactionID,
		Status:                qe.Status,
		Reason:                qe.Reason,
		OccurredAt:            time.Unix(qe.OccurredAt, 0),
	}
	if qe.AmountRefunded != "" {
		// Cumulative total refunded on the charge, mirroring the webhook
		// payload shape.
		dec, err := decimal.NewFromString(qe.AmountRefunded)
		if err != nil {
			return nil
		}
		total := domain.NewMoney(dec, qe.Currency)
		evt.RefundTotal = &total
	}
	return processor.Apply(ctx, evt)
}
