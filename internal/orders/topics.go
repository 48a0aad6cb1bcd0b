package orders

const (
	TopicOrderPlaced        = "storefront.order.placed"
	TopicOrderPaid          = "storefront.order.paid"
	TopicPaymentFailed      = "storefront.order.payment_failed"
	TopicOrderRefunded      = "storefront.order.refunded"
	TopicOrderStatusChanged = "storefront.order.status_changed"
)

// PartitionKey keeps every event of one order on one partition, in order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

func paymentTopic(to PaymentStatus) (topic, eventType string) {
	switch to {
	case PaymentPaid:
		return TopicOrderPaid, EventOrderPaid
	case PaymentFailed:
		return TopicPaymentFailed, EventPaymentFailed
	default:
		return TopicOrderRefunded, EventOrderRefunded
	}
}
