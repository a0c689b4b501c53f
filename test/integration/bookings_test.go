package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/event-bookings/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/event-bookings/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/event-bookings/internal/adapters/redis"
	"github.com/robertarktes/event-bookings/internal/booking"
	"github.com/robertarktes/event-bookings/internal/config"
	"github.com/robertarktes/event-bookings/internal/domain"
	httphandler "github.com/robertarktes/event-bookings/internal/http"
	"github.com/robertarktes/event-bookings/internal/idempotency"
	"github.com/robertarktes/event-bookings/internal/observability"
	"github.com/robertarktes/event-bookings/internal/psp"
	"github.com/robertarktes/event-bookings/internal/rateLimit"
	"github.com/robertarktes/event-bookings/internal/reconcile"
)

// stubPSP fakes the payment processor: intents always confirm successfully.
func stubPSP() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payment_intents", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id":            "pi_test_1",
			"client_secret": "cs_test_1",
			"status":        "requires_confirmation",
		})
	})
	mux.HandleFunc("/v1/payment_intents/pi_test_1/confirm", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id":     "pi_test_1",
			"status": "succeeded",
		})
	})
	mux.HandleFunc("/v1/refunds", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "re_test_1", "status": "succeeded"})
	})
	return httptest.NewServer(mux)
}

func signToken(t *testing.T, secret string, userID uuid.UUID, roles []string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   userID.String(),
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func startContainer(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, error) {
	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
}

func TestIntegration_BookPayRefund(t *testing.T) {
	ctx := context.Background()

	// The four backing stores have no startup ordering between them.
	var crdbContainer, mongoContainer, redisContainer, rabbitContainer testcontainers.Container
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		crdbContainer, err = startContainer(gctx, testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		})
		return err
	})
	g.Go(func() (err error) {
		mongoContainer, err = startContainer(gctx, testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForExec([]string{"mongosh", "--eval", "db.runCommand('ping').ok"}),
		})
		return err
	})
	g.Go(func() (err error) {
		redisContainer, err = startContainer(gctx, testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
		})
		return err
	})
	g.Go(func() (err error) {
		rabbitContainer, err = startContainer(gctx, testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-management",
			ExposedPorts: []string{"5672/tcp", "15672/tcp"},
			WaitingFor:   wait.ForHTTP("/api/health").WithPort("15672"),
		})
		return err
	})
	defer func() {
		for _, c := range []testcontainers.Container{crdbContainer, mongoContainer, redisContainer, rabbitContainer} {
			if c != nil {
				c.Terminate(ctx)
			}
		}
	}()
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	crdbHost, _ := crdbContainer.Host(ctx)
	crdbPort, _ := crdbContainer.MappedPort(ctx, "26257")
	mongoHost, _ := mongoContainer.Host(ctx)
	mongoPort, _ := mongoContainer.MappedPort(ctx, "27017")
	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")
	rabbitHost, _ := rabbitContainer.Host(ctx)
	rabbitPort, _ := rabbitContainer.MappedPort(ctx, "5672")

	pspServer := stubPSP()
	defer pspServer.Close()

	cfg := &config.Config{
		HTTPAddr:         ":8090",
		CRDBDSN:          "postgresql://root@" + crdbHost + ":" + crdbPort.Port() + "/ebp?sslmode=disable",
		MongoURI:         "mongodb://" + mongoHost + ":" + mongoPort.Port(),
		RedisAddr:        redisHost + ":" + redisPort.Port(),
		RabbitURL:        "amqp://guest:guest@" + rabbitHost + ":" + rabbitPort.Port() + "/",
		JWTSecret:        "integration-secret",
		PSPBaseURL:       pspServer.URL,
		PSPAPIKey:        "sk_test",
		PSPWebhookSecret: "whsec_test",
		PSPTimeout:       5 * time.Second,
		CancelCutoff:     24 * time.Hour,
	}

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, "CREATE DATABASE IF NOT EXISTS ebp"); err != nil {
		t.Fatal(err)
	}
	schema, err := os.ReadFile("../../internal/adapters/crdb/schema.sql")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatal(err)
	}
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		t.Fatal(err)
	}
	defer mongoClient.Disconnect(ctx)
	mongoDB := mongoClient.Database("ebp")
	logger := observability.NewLogger()
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), time.Hour)
	dedup := redisadapter.NewDedup(redisClient, 24*time.Hour)
	rl := rateLimit.NewRateLimiter(redisCache)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitConn.Close()

	pspClient := psp.NewClient(cfg.PSPBaseURL, cfg.PSPAPIKey, cfg.PSPTimeout, logger)
	coordinator := booking.NewCoordinator(catalog, repo, repo, audit, logger, cfg.CancelCutoff)
	processor := reconcile.NewProcessor(repo, dedup, repo, audit, logger).
		WithPromoter(coordinator)

	handlers := httphandler.NewHandlers(cfg, coordinator, processor, repo, pspClient, idemp, logger)
	router := httphandler.SetupRouter(handlers, logger, rl, cfg.JWTSecret)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go srv.ListenAndServe()
	defer srv.Shutdown(ctx)
	time.Sleep(100 * time.Millisecond)
	base := "http://localhost:8090"

	// Seed the catalog and its counters.
	ttID := uuid.New()
	ev := domain.Event{
		ID:                   uuid.New(),
		Name:                 "GopherConf",
		Published:            true,
		MaxCapacity:          100,
		StartsAt:             time.Now().Add(30 * 24 * time.Hour),
		RegistrationOpensAt:  time.Now().Add(-time.Hour),
		RegistrationClosesAt: time.Now().Add(7 * 24 * time.Hour),
		TicketTypes: []domain.TicketType{{
			ID:            ttID,
			Name:          "GA",
			Price:         domain.MustMoney("100.00", "USD"),
			TotalQuantity: 50,
			Active:        true,
		}},
	}
	if err := catalog.CreateEvent(ctx, mongoadapter.EventToDoc(ev)); err != nil {
		t.Fatal(err)
	}
	if err := repo.SyncEventInventory(ctx, ev, true); err != nil {
		t.Fatal(err)
	}

	userID := uuid.New()
	token := signToken(t, cfg.JWTSecret, userID, nil)

	post := func(path string, body interface{}) *http.Response {
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest("POST", base+path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", uuid.New().String())
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	// Book two tickets.
	resp := post("/v1/bookings", map[string]interface{}{
		"event_id": ev.ID.String(),
		"selections": []map[string]interface{}{
			{"ticket_type_id": ttID.String(), "quantity": 2},
		},
		"attendees": []map[string]string{
			{"first_name": "Ann", "last_name": "Lee", "email": "ann@example.com"},
			{"first_name": "Bob", "last_name": "Lee", "email": "bob@example.com"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("booking failed with status %d", resp.StatusCode)
	}
	var bookingResp struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&bookingResp)
	if bookingResp.Status != "CONFIRMED" {
		t.Fatalf("expected CONFIRMED booking, got %s", bookingResp.Status)
	}

	// Open a payment.
	resp = post("/v1/payments", map[string]interface{}{
		"booking_id": bookingResp.ID.String(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("payment failed with status %d", resp.StatusCode)
	}
	var paymentResp struct {
		PaymentID             uuid.UUID `json:"payment_id"`
		ExternalTransactionID string    `json:"external_transaction_id"`
		Status                string    `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&paymentResp)
	if paymentResp.Status != "PROCESSING" {
		t.Fatalf("expected PROCESSING payment, got %s", paymentResp.Status)
	}

	// Confirm it.
	resp = post("/v1/payments/confirm", map[string]interface{}{
		"external_transaction_id": paymentResp.ExternalTransactionID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm failed with status %d", resp.StatusCode)
	}
	var confirmResp struct {
		Status       string `json:"status"`
		IsSuccessful bool   `json:"is_successful"`
	}
	json.NewDecoder(resp.Body).Decode(&confirmResp)
	if !confirmResp.IsSuccessful || confirmResp.Status != "COMPLETED" {
		t.Fatalf("expected successful COMPLETED payment, got %+v", confirmResp)
	}

	// A full-refund webhook cancels the booking and hands capacity back.
	webhook := map[string]interface{}{
		"id":      "evt_refund_1",
		"type":    "charge.refunded",
		"created": time.Now().Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":              paymentResp.ExternalTransactionID,
				"status":          "succeeded",
				"amount_refunded": "200.00",
				"currency":        "USD",
			},
		},
	}
	payload, _ := json.Marshal(webhook)
	sendWebhook := func() *http.Response {
		req, _ := http.NewRequest("POST", base+"/v1/webhooks/payments", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(psp.SignatureHeader, psp.Sign([]byte(cfg.PSPWebhookSecret), payload, time.Now()))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	if resp := sendWebhook(); resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook failed with status %d", resp.StatusCode)
	}
	// Redelivery must be absorbed.
	if resp := sendWebhook(); resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook redelivery failed with status %d", resp.StatusCode)
	}

	// An unsigned webhook is rejected without touching state.
	req, _ := http.NewRequest("POST", base+"/v1/webhooks/payments", bytes.NewReader(payload))
	badResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if badResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsigned webhook, got %d", badResp.StatusCode)
	}

	payment, err := repo.GetPayment(ctx, paymentResp.PaymentID)
	if err != nil {
		t.Fatal(err)
	}
	if payment.Status != domain.PaymentRefunded || len(payment.Refunds) != 1 {
		t.Fatalf("expected REFUNDED payment with one refund record, got %s with %d", payment.Status, len(payment.Refunds))
	}

	b, err := repo.GetBooking(ctx, bookingResp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != domain.BookingRefunded {
		t.Fatalf("expected REFUNDED booking, got %s", b.Status)
	}
}
