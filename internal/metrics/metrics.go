package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	checkouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "checkout_total",
		Help:      "Checkout attempts by outcome.",
	}, []string{"outcome"})

	reconciles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "reconcile_total",
		Help:      "Payment results applied, by source and outcome.",
	}, []string{"source", "outcome"})

	webhookRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "webhook_rejected_total",
		Help:      "Webhook deliveries rejected before processing.",
	}, []string{"reason"})

	gatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storefront",
		Name:      "gateway_request_seconds",
		Help:      "Payment gateway call latency.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"op", "outcome"})

	fulfillments = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "fulfillment_notifications_total",
		Help:      "Orders handed to fulfillment.",
	})
)

func init() {
	prometheus.MustRegister(checkouts, reconciles, webhookRejected, gatewayLatency, fulfillments)
}

func Checkout(outcome string) { checkouts.WithLabelValues(outcome).Inc() }

func Reconcile(source, outcome string) { reconciles.WithLabelValues(source, outcome).Inc() }

func WebhookRejected(reason string) { webhookRejected.WithLabelValues(reason).Inc() }

func FulfillmentNotified() { fulfillments.Inc() }

func ObserveGateway(op string, err error, d time.Duration) {
	outcome := "ok"
	var ne interface{ Timeout() bool }
	switch {
	case err == nil:
	case errors.As(err, &ne) && ne.Timeout():
		outcome = "timeout"
	default:
		outcome = "error"
	}
	gatewayLatency.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
