// Package payment talks to the external payment gateway: initialize,
// verify and refund over HTTPS with a bearer secret, plus the webhook
// signature scheme.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront/internal/metrics"
)

var (
	// ErrGatewayUnavailable covers transport failures, timeouts and 5xx.
	// The caller may retry; nothing about the order changed.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected is a 4xx or a status=false envelope.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

type Customer struct {
	Name  string
	Email string
	Phone string
}

type InitRequest struct {
	AmountCents int64
	Currency    string
	Reference   string
	OrderID     string
	OrderNumber string
	Customer    Customer
}

type InitResult struct {
	PaymentURL string
	Reference  string
}

type VerifyResult struct {
	Status        Outcome
	AmountCents   int64
	Reference     string
	TransactionID string
	Raw           json.RawMessage
}

type Config struct {
	BaseURL     string
	SecretKey   string
	Timeout     time.Duration
	CallbackURL string
	ReturnURL   string
	CancelURL   string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) Initialize(ctx context.Context, req InitRequest) (InitResult, error) {
	body := map[string]any{
		"amount":         req.AmountCents,
		"currency":       req.Currency,
		"reference":      req.Reference,
		"order_id":       req.OrderID,
		"description":    "Order " + req.OrderNumber,
		"customer_name":  req.Customer.Name,
		"customer_email": req.Customer.Email,
		"customer_phone": req.Customer.Phone,
		"callback_url":   c.cfg.CallbackURL,
		"return_url":     c.cfg.ReturnURL,
		"cancel_url":     c.cfg.CancelURL,
	}
	var data struct {
		PaymentURL       string `json:"payment_url"`
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	}
	if err := c.do(ctx, "initialize", http.MethodPost, "/payments/initialize", body, &data); err != nil {
		return InitResult{}, err
	}
	url := data.PaymentURL
	if url == "" {
		url = data.AuthorizationURL
	}
	if url == "" {
		return InitResult{}, fmt.Errorf("%w: no payment url in response", ErrGatewayRejected)
	}
	ref := data.Reference
	if ref == "" {
		ref = req.Reference
	}
	return InitResult{PaymentURL: url, Reference: ref}, nil
}

func (c *Client) Verify(ctx context.Context, reference string) (VerifyResult, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "verify", http.MethodGet, "/payments/verify/"+reference, nil, &raw); err != nil {
		return VerifyResult{}, err
	}
	var data struct {
		Status        string `json:"status"`
		Amount        Amount `json:"amount"`
		Reference     string `json:"reference"`
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: decode verify data: %v", ErrGatewayRejected, err)
	}
	return VerifyResult{
		Status:        NormalizeStatus(data.Status),
		AmountCents:   data.Amount.Cents(),
		Reference:     data.Reference,
		TransactionID: data.TransactionID,
		Raw:           raw,
	}, nil
}

func (c *Client) Refund(ctx context.Context, reference string, amountCents int64) error {
	body := map[string]any{"reference": reference, "amount": amountCents}
	return c.do(ctx, "refund", http.MethodPost, "/payments/refund", body, nil)
}

// NormalizeStatus folds provider vocabularies into success/failed/pending.
func NormalizeStatus(s string) Outcome {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful", "paid", "fulfilled", "completed":
		return OutcomeSuccess
	case "failed", "failure", "abandoned", "reversed", "declined", "unfulfilled_error", "cancelled":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, in any, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveGateway(op, err, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var rdr io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrGatewayUnavailable, op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrGatewayUnavailable, op, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: status %d", ErrGatewayUnavailable, op, resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrGatewayRejected, op, err)
	}
	if resp.StatusCode >= 400 || !env.Status {
		return fmt.Errorf("%w: %s: status %d: %s", ErrGatewayRejected, op, resp.StatusCode, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = env.Data
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %s: decode data: %v", ErrGatewayRejected, op, err)
	}
	return nil
}
