package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/escrow/internal/messaging/kafka"
)

func dlqMessage(t *testing.T, offset int64) *sarama.ConsumerMessage {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"id":             "outbox-1",
		"aggregate_type": "escrow_order",
		"aggregate_id":   "1001",
		"event_type":     "escrow.released",
		"occurred_at":    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		"payload": map[string]any{
			"outbox_id":      "outbox-1",
			"aggregate_type": "escrow_order",
			"aggregate_id":   "1001",
			"event_type":     "escrow.released",
			"payload":        map[string]any{"order_id": 1001, "state": "released"},
			"publish_error":  "kafka: client has run out of available brokers",
			"failed_at":      time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC),
		},
	})
	require.NoError(t, err)

	return &sarama.ConsumerMessage{Topic: kafka.TopicDeadLetterQueue, Partition: 0, Offset: offset, Value: raw}
}

func headerValue(headers []sarama.RecordHeader, key string) string {
	for _, h := range headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestParseBrokers(t *testing.T) {
	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, parseBrokers(" broker-1:9092, ,broker-2:9092 "))
	require.Empty(t, parseBrokers(""))
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	}, nil)
	require.NoError(t, err)
	require.Len(t, cfg.brokers, 2)
	require.Equal(t, kafka.TopicDeadLetterQueue, cfg.sourceTopic)
	require.Equal(t, kafka.TopicEscrowEvents, cfg.targetTopic)
	require.Equal(t, 10, cfg.limit)
	require.True(t, cfg.execute)
	require.True(t, cfg.fromNewest)
	require.Equal(t, 3*time.Second, cfg.idleTimeout)
}

func TestParseFlags_BrokersFromEnv(t *testing.T) {
	getenv := func(key string) string {
		if key == brokersEnv {
			return "kafka:9092"
		}
		return ""
	}

	cfg, err := parseFlags(nil, getenv)
	require.NoError(t, err)
	require.Equal(t, []string{"kafka:9092"}, cfg.brokers)
	require.False(t, cfg.execute)
}

func TestParseFlags_ValidationErrors(t *testing.T) {
	cases := map[string]struct {
		args []string
		want string
	}{
		"brokers":      {args: []string{"-brokers="}, want: "kafka brokers are required"},
		"source topic": {args: []string{"-brokers=b:9092", "-source-topic="}, want: "source-topic is required"},
		"target topic": {args: []string{"-brokers=b:9092", "-target-topic="}, want: "target-topic is required"},
		"same topics":  {args: []string{"-brokers=b:9092", "-target-topic=escrow.dlq"}, want: "must differ"},
		"limit":        {args: []string{"-brokers=b:9092", "-limit=0"}, want: "limit must be > 0"},
		"idle timeout": {args: []string{"-brokers=b:9092", "-idle-timeout=0s"}, want: "idle-timeout must be > 0"},
		"unknown flag": {args: []string{"-nope"}, want: "not defined"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseFlags(tc.args, func(string) string { return "" })
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestExtractReplayMessage(t *testing.T) {
	got, err := extractReplayMessage(dlqMessage(t, 0), kafka.TopicEscrowEvents)
	require.NoError(t, err)
	require.Equal(t, kafka.TopicEscrowEvents, got.topic)
	require.Equal(t, "1001", got.key)

	var envelope kafka.OutboxEnvelope
	require.NoError(t, json.Unmarshal(got.value, &envelope))
	require.Equal(t, "outbox-1", envelope.ID)
	require.Equal(t, "escrow.released", envelope.EventType)
	require.JSONEq(t, `{"order_id":1001,"state":"released"}`, string(envelope.Payload))
	require.False(t, envelope.PublishedAt.IsZero())

	require.Equal(t, "escrow.released", headerValue(got.headers, kafka.HeaderEventType))
	require.Equal(t, "outbox-1", headerValue(got.headers, kafka.HeaderMessageID))
	require.Equal(t, kafka.TopicDeadLetterQueue, headerValue(got.headers, kafka.HeaderOriginalTopic))
	require.Equal(t, "1", headerValue(got.headers, kafka.HeaderRetryCount))
	require.Equal(t, "2026-03-01T12:00:05Z", headerValue(got.headers, kafka.HeaderFailedAt))
	require.Contains(t, headerValue(got.headers, kafka.HeaderErrorMessage), "out of available brokers")
}

func TestExtractReplayMessage_IncrementsRetryCount(t *testing.T) {
	msg := dlqMessage(t, 0)
	msg.Headers = []*sarama.RecordHeader{{Key: []byte(kafka.HeaderRetryCount), Value: []byte("2")}}

	got, err := extractReplayMessage(msg, kafka.TopicEscrowEvents)
	require.NoError(t, err)
	require.Equal(t, "3", headerValue(got.headers, kafka.HeaderRetryCount))
}

func TestExtractReplayMessage_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":         `not-json`,
		"no payload":       `{"id":"x"}`,
		"payload string":   `{"id":"x","payload":"not-an-object"}`,
		"no nested record": `{"id":"x","payload":{"outbox_id":"x","event_type":"escrow.held"}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(raw)}, kafka.TopicEscrowEvents)
			require.Error(t, err)
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	require.Equal(t, "x", firstNonEmpty("", "  ", "x", "y"))
	require.Empty(t, firstNonEmpty("", " "))
}

func TestPublishReplay(t *testing.T) {
	require.Error(t, publishReplay(nil, replayMessage{}))

	producer := &stubReplayProducer{}
	msg := replayMessage{
		topic:   kafka.TopicEscrowEvents,
		key:     "1001",
		value:   []byte(`{"x":1}`),
		headers: []sarama.RecordHeader{{Key: []byte(kafka.HeaderRetryCount), Value: []byte("1")}},
	}
	require.NoError(t, publishReplay(producer, msg))
	require.Equal(t, 1, producer.calls)
	require.Equal(t, kafka.TopicEscrowEvents, producer.lastMsg.Topic)
	require.Len(t, producer.lastMsg.Headers, 1)

	producer.sendErr = errors.New("send failed")
	require.Error(t, publishReplay(producer, msg))
}

func TestProcessPartition_DryRun(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(dlqMessage(t, 0))},
	}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicEscrowEvents, idleTimeout: 20 * time.Millisecond}

	stats, err := processPartition(context.Background(), consumer, client, nil, cfg, 0, 10)
	require.NoError(t, err)
	require.Equal(t, replayStats{processed: 1, replayed: 1}, stats)
	require.Len(t, consumer.calls, 1)
	require.EqualValues(t, 0, consumer.calls[0].offset)
}

func TestProcessPartition_Execute(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(dlqMessage(t, 0), dlqMessage(t, 1))},
	}
	producer := &stubReplayProducer{}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicEscrowEvents, execute: true, idleTimeout: 20 * time.Millisecond}

	stats, err := processPartition(context.Background(), consumer, client, producer, cfg, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 2, stats.replayed)
	require.Equal(t, 2, producer.calls)
}

func TestProcessPartition_FromNewestStartsWithinLimit(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 3, newest: 10}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: closedPartitionConsumer()},
	}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicEscrowEvents, fromNewest: true, idleTimeout: 20 * time.Millisecond}

	_, err := processPartition(context.Background(), consumer, client, nil, cfg, 0, 2)
	require.NoError(t, err)
	require.EqualValues(t, 8, consumer.calls[0].offset)

	consumer.calls = nil
	_, err = processPartition(context.Background(), consumer, client, nil, cfg, 0, 100)
	require.NoError(t, err)
	require.EqualValues(t, 3, consumer.calls[0].offset)
}

func TestProcessPartition_ErrorBranches(t *testing.T) {
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicEscrowEvents, execute: true, idleTimeout: 20 * time.Millisecond}

	offsetErr := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	_, err := processPartition(context.Background(), &stubPartitionConsumerSource{}, offsetErr, &stubReplayProducer{}, cfg, 0, 1)
	require.Error(t, err)

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	_, err = processPartition(context.Background(), &stubPartitionConsumerSource{consumeErr: errors.New("consume")}, client, &stubReplayProducer{}, cfg, 0, 1)
	require.Error(t, err)

	pcWithErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcWithErr}}
	_, err = processPartition(context.Background(), consumer, client, &stubReplayProducer{}, cfg, 0, 1)
	require.ErrorContains(t, err, "consumer boom")

	bad := closedPartitionConsumer(&sarama.ConsumerMessage{Offset: 0, Value: []byte(`{"id":"x","payload":"not-an-object"}`)})
	consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: bad}}
	stats, err := processPartition(context.Background(), consumer, client, &stubReplayProducer{}, cfg, 0, 1)
	require.NoError(t, err)
	require.Equal(t, replayStats{processed: 1, skipped: 1}, stats)

	consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(dlqMessage(t, 0))}}
	_, err = processPartition(context.Background(), consumer, client, &stubReplayProducer{sendErr: errors.New("send fail")}, cfg, 0, 1)
	require.ErrorContains(t, err, "send fail")
}

func TestProcessPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicEscrowEvents, idleTimeout: 10 * time.Millisecond}

	idle := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idle}}
	stats, err := processPartition(context.Background(), consumer, client, nil, cfg, 0, 1)
	require.NoError(t, err)
	require.Zero(t, stats.processed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceled := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: canceled}}
	_, err = processPartition(ctx, consumer, client, nil, cfg, 0, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunReplay(t *testing.T) {
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicEscrowEvents, limit: 1, idleTimeout: 20 * time.Millisecond}

	_, err := runReplay(context.Background(), cfg, nil, nil, nil)
	require.Error(t, err)

	cfg.execute = true
	_, err = runReplay(context.Background(), cfg, &stubOffsetClient{}, &stubPartitionConsumerSource{}, nil)
	require.ErrorContains(t, err, "producer is required")

	cfg.execute = false
	_, err = runReplay(context.Background(), cfg, &stubOffsetClient{partitionsErr: errors.New("meta")}, &stubPartitionConsumerSource{}, nil)
	require.Error(t, err)

	stats, err := runReplay(context.Background(), cfg, &stubOffsetClient{}, &stubPartitionConsumerSource{}, nil)
	require.NoError(t, err)
	require.Zero(t, stats.processed)
}

func TestRunReplay_RespectsLimitAcrossPartitions(t *testing.T) {
	client := &stubOffsetClient{
		partitions: []int32{1, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 1},
			1: {oldest: 0, newest: 1},
		},
	}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(dlqMessage(t, 0)),
		1: closedPartitionConsumer(dlqMessage(t, 0)),
	}}
	producer := &stubReplayProducer{}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicEscrowEvents, limit: 1, execute: true, idleTimeout: 20 * time.Millisecond}

	stats, err := runReplay(context.Background(), cfg, client, consumer, producer)
	require.NoError(t, err)
	require.Equal(t, 1, stats.replayed)
	require.Equal(t, 1, producer.calls)
	require.Len(t, consumer.calls, 1)
	require.EqualValues(t, 0, consumer.calls[0].partition)
}

func TestRun_DependencyError(t *testing.T) {
	original := newReplayDependencies
	t.Cleanup(func() { newReplayDependencies = original })

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return nil, nil, nil, errors.New("no brokers")
	}
	require.ErrorContains(t, run(context.Background(), config{}), "no brokers")
}

func TestRun_ClosesDependencies(t *testing.T) {
	original := newReplayDependencies
	t.Cleanup(func() { newReplayDependencies = original })

	client := &stubOffsetClient{}
	consumer := &stubPartitionConsumerSource{}
	producer := &stubReplayProducer{}
	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return client, consumer, producer, nil
	}

	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicEscrowEvents, limit: 1, execute: true, idleTimeout: time.Millisecond}
	require.NoError(t, run(context.Background(), cfg))
	require.True(t, client.closed)
	require.True(t, consumer.closed)
	require.True(t, producer.closed)
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if err := s.offsetErr[partition]; err != nil {
		return 0, err
	}
	r := s.offsets[partition]
	if at == sarama.OffsetOldest {
		return r.oldest, nil
	}
	return r.newest, nil
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return s.partitions, nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, errors.New("unknown partition")
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

// closedPartitionConsumer отдаёт сообщения и закрывает канал.
func closedPartitionConsumer(messages ...*sarama.ConsumerMessage) *stubPartitionConsumer {
	pc := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage, len(messages)),
		errors:   make(chan *sarama.ConsumerError),
	}
	for _, msg := range messages {
		pc.messages <- msg
	}
	close(pc.messages)
	return pc
}

type stubReplayProducer struct {
	calls   int
	lastMsg *sarama.ProducerMessage
	sendErr error
	closed  bool
}

func (s *stubReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.calls++
	s.lastMsg = msg
	if s.sendErr != nil {
		return 0, 0, s.sendErr
	}
	return 0, 0, nil
}

func (s *stubReplayProducer) Close() error {
	s.closed = true
	return nil
}
