package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

func TestProducer_PublishEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicEscrowEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "1001" {
			return errors.New("unexpected key " + string(key))
		}
		if len(msg.Headers) != 0 {
			return errors.New("expected no headers")
		}
		return nil
	})

	event := map[string]any{"order_id": 1001, "state": "held"}
	if err := producer.PublishEvent(TopicEscrowEvents, "1001", event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	if err := producer.PublishEvent(TopicEscrowEvents, "1001", map[string]any{}); err == nil {
		t.Fatal("expected error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_MarshalError(t *testing.T) {
	producer := &Producer{logger: log.WithField("component", "kafka-producer-test")}

	if err := producer.PublishEvent(TopicEscrowEvents, "1001", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	if _, err := NewProducer(nil, "", nil); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}

func TestRecordHeadersAreSorted(t *testing.T) {
	headers := recordHeaders(map[string]string{"b": "2", "a": "1"})
	require.Len(t, headers, 2)
	require.Equal(t, "a", string(headers[0].Key))
	require.Equal(t, "2", string(headers[1].Value))
	require.Nil(t, recordHeaders(nil))
}

func TestNewEscrowEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:               1001,
		BuyerID:          5,
		SellerID:         9,
		AmountMinor:      10000,
		Currency:         "XOF",
		State:            domain.EscrowStateReleased,
		PaymentReference: "pm_abc",
	}

	event := NewEscrowEvent(domain.EventRelease, order, domain.UserActor(5), at)

	if event.EventType != domain.EventTypeEscrowReleased {
		t.Errorf("expected event type %s, got %s", domain.EventTypeEscrowReleased, event.EventType)
	}
	if event.OrderID != 1001 || event.BuyerID != 5 || event.SellerID != 9 {
		t.Errorf("unexpected identifiers: %+v", event)
	}
	if event.Amount != "10000" || event.AmountMinor != 10000 {
		t.Errorf("unexpected amount: %s / %d", event.Amount, event.AmountMinor)
	}
	if event.Actor != "user:5" {
		t.Errorf("unexpected actor: %s", event.Actor)
	}
	if !event.Timestamp.Equal(at) {
		t.Errorf("unexpected timestamp: %s", event.Timestamp)
	}

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "reason")

	eur := NewEscrowEvent(domain.EventInitialize, domain.Order{ID: 7, AmountMinor: 1250, Currency: "EUR"}, domain.SystemActor, time.Time{})
	require.Equal(t, "12.50", eur.Amount)
	require.Equal(t, "system", eur.Actor)
	require.False(t, eur.Timestamp.IsZero())
}
