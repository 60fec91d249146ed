package domain

import "time"

// Типы событий, публикуемых из outbox.
const (
	EventTypeEscrowHeld     = "escrow.held"
	EventTypeEscrowReleased = "escrow.released"
	EventTypeEscrowRefunded = "escrow.refunded"
	EventTypeEscrowDisputed = "escrow.disputed"
)

// AggregateTypeOrder — тип агрегата для событий escrow.
const AggregateTypeOrder = "order"

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// EventTypeFor возвращает тип outbox-события для перехода.
func EventTypeFor(event Event) string {
	switch event {
	case EventInitialize:
		return EventTypeEscrowHeld
	case EventRelease:
		return EventTypeEscrowReleased
	case EventRefund:
		return EventTypeEscrowRefunded
	case EventDispute:
		return EventTypeEscrowDisputed
	default:
		return "escrow." + string(event)
	}
}
