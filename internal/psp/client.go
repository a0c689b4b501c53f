// Package psp is the HTTP client for the external payment processor. The
// processor owns all card mechanics; this client only creates, confirms, and
// refunds intents. Transport failures and timeouts are ambiguous outcomes:
// they are marked with domain.ErrExternalProcessor and the caller must leave
// the payment in PROCESSING for the reconciliation webhook to resolve.
package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/event-bookings/internal/domain"
	"github.com/robertarktes/event-bookings/internal/observability"
)

type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	logger  observability.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger observability.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Intent mirrors the processor's payment-intent resource.
type Intent struct {
	ID             string `json:"id"`
	ClientSecret   string `json:"client_secret"`
	Status         string `json:"status"`
	FailureMessage string `json:"failure_message,omitempty"`
}

type RefundResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *Client) CreateIntent(ctx context.Context, amount domain.Money, paymentMethodID string, metadata map[string]string) (*Intent, error) {
	body := map[string]interface{}{
		"amount":   amount.Amount().String(),
		"currency": amount.Currency(),
		"metadata": metadata,
	}
	if paymentMethodID != "" {
		body["payment_method"] = paymentMethodID
	}
	var intent Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", body, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) ConfirmIntent(ctx context.Context, intentID, paymentMethodID string) (*Intent, error) {
	body := map[string]interface{}{}
	if paymentMethodID != "" {
		body["payment_method"] = paymentMethodID
	}
	var intent Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+intentID+"/confirm", body, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) CreateRefund(ctx context.Context, intentID string, amount domain.Money, reason string) (*RefundResult, error) {
	body := map[string]interface{}{
		"payment_intent": intentID,
		"amount":         amount.Amount().String(),
		"currency":       amount.Currency(),
		"reason":         reason,
	}
	var res RefundResult
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		// Timeout or transport failure: the request may or may not have
		// reached the processor.
		return errors.Mark(errors.Wrapf(err, "processor %s %s", method, path), domain.ErrExternalProcessor)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Mark(err, domain.ErrExternalProcessor)
	}
	if resp.StatusCode >= 500 {
		return errors.Mark(
			errors.Newf("processor %s %s: status %d", method, path, resp.StatusCode),
			domain.ErrExternalProcessor)
	}
	if resp.StatusCode >= 400 {
		// Definite rejection, not ambiguous.
		return errors.Wrapf(domain.ErrInvalidInput, "processor rejected %s %s: status %d: %s",
			method, path, resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Mark(err, domain.ErrExternalProcessor)
		}
	}
	return nil
}
