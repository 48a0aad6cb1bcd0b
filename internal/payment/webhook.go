package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign returns the hex HMAC-SHA512 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks sig against the raw body in constant time.
// An empty secret never verifies.
func VerifySignature(secret string, body []byte, sig string) error {
	if secret == "" || sig == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

type WebhookEvent struct {
	Event string      `json:"event"`
	Data  WebhookData `json:"data"`
}

type WebhookData struct {
	Reference     string `json:"reference"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	Amount        Amount `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

// ParseWebhook decodes a verified body.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, err
	}
	return ev, nil
}

// Outcome maps the event name to a payment outcome. ok is false for events
// that carry no payment result and should just be acknowledged.
func (e WebhookEvent) Outcome() (o Outcome, refund bool, ok bool) {
	switch strings.ToLower(e.Event) {
	case "payment.success", "charge.success", "payment.successful":
		return OutcomeSuccess, false, true
	case "payment.failed", "charge.failed":
		return OutcomeFailed, false, true
	case "refund.processed", "payment.refunded":
		return "", true, true
	case "payment.status", "payment.update":
		// status-carrying event: data.status decides
		switch out := NormalizeStatus(e.Data.Status); out {
		case OutcomeSuccess, OutcomeFailed:
			return out, false, true
		}
	}
	return "", false, false
}
