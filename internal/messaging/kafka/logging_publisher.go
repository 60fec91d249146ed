package kafka

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

// LoggingPublisher пишет события в лог. Используется, когда Kafka не настроена.
type LoggingPublisher struct {
	logger *log.Entry
}

// NewLoggingPublisher создаёт publisher, логирующий события.
func NewLoggingPublisher(logger *log.Entry) *LoggingPublisher {
	if logger == nil {
		logger = log.WithField("component", "event-log-publisher")
	}
	return &LoggingPublisher{logger: logger}
}

// Publish всегда успешен.
func (p *LoggingPublisher) Publish(event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"event_type": event.EventType,
		"order_id":   event.AggregateID,
		"payload":    string(event.Payload),
	}).Info("escrow event")
	return nil
}

var _ domain.OutboxPublisher = (*LoggingPublisher)(nil)
