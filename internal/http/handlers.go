package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/event-bookings/internal/adapters/crdb"
	"github.com/robertarktes/event-bookings/internal/booking"
	"github.com/robertarktes/event-bookings/internal/config"
	"github.com/robertarktes/event-bookings/internal/domain"
	"github.com/robertarktes/event-bookings/internal/idempotency"
	"github.com/robertarktes/event-bookings/internal/inventory"
	"github.com/robertarktes/event-bookings/internal/observability"
	"github.com/robertarktes/event-bookings/internal/psp"
	"github.com/robertarktes/event-bookings/internal/reconcile"
)

// webhookTolerance bounds the clock skew accepted on signed webhook
// timestamps.
const webhookTolerance = 5 * time.Minute

type Handlers struct {
	cfg         *config.Config
	coordinator *booking.Coordinator
	processor   *reconcile.Processor
	repo        *crdb.Repository
	pspClient   *psp.Client
	idemp       *idempotency.Idempotency
	logger      observability.Logger
}

func NewHandlers(cfg *config.Config, coordinator *booking.Coordinator, processor *reconcile.Processor, repo *crdb.Repository, pspClient *psp.Client, idemp *idempotency.Idempotency, logger observability.Logger) *Handlers {
	return &Handlers{
		cfg:         cfg,
		coordinator: coordinator,
		processor:   processor,
		repo:        repo,
		pspClient:   pspClient,
		idemp:       idemp,
		logger:      logger,
	}
}

type selectionReq struct {
	TicketTypeID uuid.UUID `json:"ticket_type_id"`
	Quantity     int       `json:"quantity"`
}

type attendeeReq struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
}

type bookingResp struct {
	ID            uuid.UUID `json:"id"`
	BookingNumber string    `json:"booking_number"`
	Status        string    `json:"status"`
	TotalAmount   string    `json:"total_amount"`
	Currency      string    `json:"currency"`
	CheckInCode   string    `json:"check_in_code,omitempty"`
}

func toBookingResp(b *domain.Booking) bookingResp {
	final := b.FinalAmount()
	return bookingResp{
		ID:            b.ID,
		BookingNumber: b.BookingNumber,
		Status:        string(b.Status),
		TotalAmount:   final.Amount().String(),
		Currency:      final.Currency(),
		CheckInCode:   b.CheckInCode,
	}
}

func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	done, key := h.replayIdempotent(w, r)
	if done {
		return
	}

	var req struct {
		EventID    uuid.UUID      `json:"event_id"`
		Selections []selectionReq `json:"selections"`
		Attendees  []attendeeReq  `json:"attendees"`
		PromoCode  string         `json:"promo_code,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	lines := make([]inventory.Line, 0, len(req.Selections))
	for _, sel := range req.Selections {
		lines = append(lines, inventory.Line{TicketTypeID: sel.TicketTypeID, Quantity: sel.Quantity})
	}
	attendees := make([]booking.Attendee, 0, len(req.Attendees))
	for _, a := range req.Attendees {
		attendees = append(attendees, booking.Attendee{
			FirstName: a.FirstName,
			LastName:  a.LastName,
			Email:     a.Email,
			Phone:     a.Phone,
		})
	}

	b, err := h.coordinator.CreateBooking(r.Context(), principal, booking.CreateRequest{
		EventID:    req.EventID,
		Selections: lines,
		Attendees:  attendees,
		PromoCode:  req.PromoCode,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, r, http.StatusCreated, key, toBookingResp(b))
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	b, err := h.repo.GetBooking(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !principal.IsAdmin() && !principal.HasRole("staff") && b.UserID != principal.UserID {
		h.writeError(w, r, domain.ErrNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toBookingResp(b))
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	h.bookingAction(w, r, func(principal domain.Principal, id uuid.UUID, reason string) (*domain.Booking, error) {
		return h.coordinator.CancelBooking(r.Context(), principal, id, reason)
	})
}

func (h *Handlers) ApproveBooking(w http.ResponseWriter, r *http.Request) {
	h.bookingAction(w, r, func(principal domain.Principal, id uuid.UUID, _ string) (*domain.Booking, error) {
		return h.coordinator.ApproveBooking(r.Context(), principal, id)
	})
}

func (h *Handlers) RejectBooking(w http.ResponseWriter, r *http.Request) {
	h.bookingAction(w, r, func(principal domain.Principal, id uuid.UUID, reason string) (*domain.Booking, error) {
		return h.coordinator.RejectBooking(r.Context(), principal, id, reason)
	})
}

func (h *Handlers) CheckInBooking(w http.ResponseWriter, r *http.Request) {
	h.bookingAction(w, r, func(principal domain.Principal, id uuid.UUID, _ string) (*domain.Booking, error) {
		return h.coordinator.CheckInBooking(r.Context(), principal, id)
	})
}

func (h *Handlers) bookingAction(w http.ResponseWriter, r *http.Request, fn func(domain.Principal, uuid.UUID, string) (*domain.Booking, error)) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	b, err := fn(principal, id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toBookingResp(b))
}

// CreatePayment opens a payment intent at the processor for the booking's
// final amount and records the payment in PROCESSING.
func (h *Handlers) CreatePayment(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	done, key := h.replayIdempotent(w, r)
	if done {
		return
	}

	var req struct {
		BookingID       uuid.UUID `json:"booking_id"`
		PaymentMethodID string    `json:"payment_method_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := h.repo.GetBooking(r.Context(), req.BookingID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !principal.IsAdmin() && b.UserID != principal.UserID {
		h.writeError(w, r, domain.ErrNotFound)
		return
	}
	if b.Status != domain.BookingPending && b.Status != domain.BookingConfirmed {
		h.writeError(w, r, errors.Wrapf(domain.ErrInvalidStateTransition, "booking %s is %s", b.ID, b.Status))
		return
	}

	p, err := domain.NewPayment(b.ID, b.FinalAmount(), time.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	intent, err := h.pspClient.CreateIntent(r.Context(), p.Amount, req.PaymentMethodID, map[string]string{
		"booking_id": b.ID.String(),
		"payment_id": p.ID.String(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err = p.Process(intent.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.repo.CreatePayment(r.Context(), p, "payment.created"); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, r, http.StatusCreated, key, map[string]interface{}{
		"payment_id":              p.ID,
		"external_transaction_id": p.ExternalTransactionID,
		"client_secret":           intent.ClientSecret,
		"status":                  p.Status,
	})
}

// ConfirmPayment drives the intent at the processor and funnels the outcome
// through the reconciliation processor. An ambiguous processor failure leaves
// the payment in PROCESSING; the webhook settles it.
func (h *Handlers) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := PrincipalFromContext(r.Context()); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		ExternalTransactionID string `json:"external_transaction_id"`
		PaymentMethodID       string `json:"payment_method_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ExternalTransactionID == "" {
		http.Error(w, "external_transaction_id required", http.StatusBadRequest)
		return
	}

	intent, err := h.pspClient.ConfirmIntent(r.Context(), req.ExternalTransactionID, req.PaymentMethodID)
	if err != nil {
		if errors.Is(err, domain.ErrExternalProcessor) {
			h.logger.WithField("external_id", req.ExternalTransactionID).WithError(err).
				Warn("ambiguous processor outcome, awaiting webhook")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":        domain.PaymentProcessing,
				"is_successful": false,
			})
			return
		}
		h.writeError(w, r, err)
		return
	}

	if err := h.processor.Apply(r.Context(), reconcile.ProviderEvent{
		ExternalTransactionID: intent.ID,
		Status:                intent.Status,
		Reason:                intent.FailureMessage,
		OccurredAt:            time.Now(),
	}); err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.repo.GetPaymentByExternalID(r.Context(), intent.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := map[string]interface{}{
		"status":        p.Status,
		"is_successful": p.Status == domain.PaymentCompleted,
	}
	if p.FailureReason != "" {
		resp["failure_message"] = p.FailureReason
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// RefundPayment requests a refund at the processor and applies it locally
// through the same funnel the refund webhook uses. Admin only.
func (h *Handlers) RefundPayment(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !principal.IsAdmin() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		Amount *string `json:"amount,omitempty"`
		Reason string  `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := h.repo.GetPayment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	amount := p.RemainingRefundable()
	if req.Amount != nil {
		d, perr := decimal.NewFromString(*req.Amount)
		if perr != nil {
			h.writeError(w, r, errors.Wrapf(domain.ErrInvalidInput, "refund amount %q", *req.Amount))
			return
		}
		amount = domain.NewMoney(d, p.Amount.Currency())
	}
	if amount.GreaterThan(p.RemainingRefundable()) {
		h.writeError(w, r, errors.Wrapf(domain.ErrRefundExceedsPayment,
			"refund %s exceeds remaining %s", amount, p.RemainingRefundable()))
		return
	}

	res, err := h.pspClient.CreateRefund(r.Context(), p.ExternalTransactionID, amount, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// The provider mirrors this refund back as a webhook under its own event
	// id, so the local application carries the cumulative total: whichever
	// channel lands second reconciles to a no-op.
	total := p.RefundedAmount.Add(amount)
	if err := h.processor.Apply(r.Context(), reconcile.ProviderEvent{
		ID:                    res.ID,
		Type:                  reconcile.TypeChargeRefunded,
		ExternalTransactionID: p.ExternalTransactionID,
		RefundTotal:           &total,
		Reason:                req.Reason,
		OccurredAt:            time.Now(),
	}); err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err = h.repo.GetPayment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          p.Status,
		"refunded_amount": p.RefundedAmount.Amount().String(),
		"currency":        p.RefundedAmount.Currency(),
	})
}

// webhookEnvelope is the processor's event shape.
type webhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			FailureMessage string `json:"failure_message,omitempty"`
			AmountRefunded string `json:"amount_refunded,omitempty"`
			Currency       string `json:"currency,omitempty"`
		} `json:"object"`
	} `json:"data"`
}

// PaymentWebhook verifies the provider signature before touching any state.
// A bad signature is a hard 400 with no side effects.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	header := r.Header.Get(psp.SignatureHeader)
	if err := psp.VerifySignature([]byte(h.cfg.PSPWebhookSecret), body, header, time.Now(), webhookTolerance); err != nil {
		h.logger.WithError(err).Warn("webhook signature rejected")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	evt := reconcile.ProviderEvent{
		ID:                    env.ID,
		Type:                  env.Type,
		ExternalTransactionID: env.Data.Object.ID,
		Status:                env.Data.Object.Status,
		Reason:                env.Data.Object.FailureMessage,
		OccurredAt:            time.Unix(env.Created, 0),
	}
	if env.Data.Object.AmountRefunded != "" {
		// amount_refunded is the charge's cumulative refunded total.
		d, err := decimal.NewFromString(env.Data.Object.AmountRefunded)
		if err != nil {
			http.Error(w, "malformed refund amount", http.StatusBadRequest)
			return
		}
		total := domain.NewMoney(d, env.Data.Object.Currency)
		evt.RefundTotal = &total
	}

	if err := h.processor.Apply(r.Context(), evt); err != nil {
		// Non-2xx makes the provider redeliver; Apply is idempotent.
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

// replayIdempotent serves the cached response for a repeated Idempotency-Key.
// Returns the key for the handler to cache its own response under.
func (h *Handlers) replayIdempotent(w http.ResponseWriter, r *http.Request) (bool, string) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return false, ""
	}
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		h.logger.WithError(err).Warn("idempotency lookup failed")
		return false, key
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return true, key
	}
	return false, key
}

func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, idempKey string, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)

	if idempKey != "" {
		if err := h.idemp.Set(r.Context(), idempKey, idempotency.Response{Status: status, Result: data}); err != nil {
			h.logger.WithError(err).Warn("failed to cache idempotent response")
		}
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= 500 {
		h.logger.WithField("path", r.URL.Path).WithError(err).Error("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":  code,
		"error": err.Error(),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrRefundExceedsPayment):
		return http.StatusBadRequest, "refund_exceeds_payment"
	case errors.Is(err, domain.ErrCancellationWindowClosed):
		return http.StatusForbidden, "cancellation_window_closed"
	case errors.Is(err, domain.ErrRegistrationClosed):
		return http.StatusConflict, "registration_closed"
	case errors.Is(err, domain.ErrEventFull):
		return http.StatusConflict, "event_full"
	case errors.Is(err, domain.ErrInsufficientQuantity):
		return http.StatusConflict, "insufficient_quantity"
	case errors.Is(err, domain.ErrNotAvailable):
		return http.StatusConflict, "not_available"
	case errors.Is(err, domain.ErrBelowMinimum):
		return http.StatusConflict, "below_minimum"
	case errors.Is(err, domain.ErrAboveMaximum):
		return http.StatusConflict, "above_maximum"
	case errors.Is(err, domain.ErrContention), errors.Is(err, domain.ErrSerializationFailure):
		return http.StatusConflict, "contention"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, domain.ErrInconsistentExternalState):
		return http.StatusConflict, "inconsistent_external_state"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrExternalProcessor):
		return http.StatusBadGateway, "external_processor_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
