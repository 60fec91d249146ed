package kafka

import (
	"time"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
	"github.com/vladislavdragonenkov/escrow/internal/money"
)

// Topics для Kafka
const (
	TopicEscrowEvents    = "escrow.events"
	TopicDeadLetterQueue = "escrow.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// EscrowEvent — payload события перехода escrow.
type EscrowEvent struct {
	EventType        string    `json:"event_type"`
	OrderID          int64     `json:"order_id"`
	State            string    `json:"state"`
	BuyerID          int64     `json:"buyer_id"`
	SellerID         int64     `json:"seller_id"`
	AmountMinor      int64     `json:"amount_minor"`
	Amount           string    `json:"amount"`
	Currency         string    `json:"currency"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	Actor            string    `json:"actor"`
	Reason           string    `json:"reason,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewEscrowEvent собирает событие из сохранённого заказа.
func NewEscrowEvent(event domain.Event, order domain.Order, actor domain.Actor, at time.Time) *EscrowEvent {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &EscrowEvent{
		EventType:        domain.EventTypeFor(event),
		OrderID:          order.ID,
		State:            string(order.State),
		BuyerID:          order.BuyerID,
		SellerID:         order.SellerID,
		AmountMinor:      order.AmountMinor,
		Amount:           money.Format(order.AmountMinor, order.Currency),
		Currency:         order.Currency,
		PaymentReference: order.PaymentReference,
		Actor:            actor.String(),
		Reason:           order.DisputeReason,
		Timestamp:        at,
	}
}
