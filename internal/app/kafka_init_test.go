package app

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/escrow/internal/messaging/kafka"
)

func TestInitKafkaProducer_EmptyBrokers(t *testing.T) {
	producer, err := initKafkaProducer(nil, "escrow-test", log.WithField("test", "kafka"))
	require.NoError(t, err)
	require.Nil(t, producer)
}

func TestInitKafkaProducer_InvalidBrokers(t *testing.T) {
	producer, err := initKafkaProducer([]string{"invalid-broker:9999"}, "escrow-test", log.WithField("test", "kafka"))
	require.Error(t, err)
	require.Nil(t, producer)
}

func TestInitPublishers_FallsBackToLogging(t *testing.T) {
	pubs := initPublishers(DefaultConfig(), log.WithField("test", "kafka"))

	require.IsType(t, &kafka.LoggingPublisher{}, pubs.events)
	require.Nil(t, pubs.dlq)
	require.Nil(t, pubs.producer)
}

func TestCloseKafka_NilProducer(_ *testing.T) {
	closeKafka(nil, log.WithField("test", "kafka"))
}
