package redisx

import "time"

const (
	// Checkout replay: idem:checkout:{sha256(user, token)} -> order_id
	KeyIdemCheckout = "idem:checkout:%s"

	// Processed webhook bodies: dedup:webhook:{sha256(body)}
	KeyDedupWebhook = "dedup:webhook:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)
