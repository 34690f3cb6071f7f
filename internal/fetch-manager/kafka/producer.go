package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"

	"background-fetch-service/internal/fetch-manager/coordinator"
	"background-fetch-service/internal/fetch-manager/events"
	"background-fetch-service/internal/models"
)

const (
	DefaultKafkaBrokers  = "localhost:9092"
	DefaultRunEventTopic = "background_fetch_runs"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.WriterStats
}

func NewKafkaProducer(brokers []string, topic string) *kafka.Writer {
	producer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
	hlog.Infof("Kafka producer configured for topic: %s", topic)
	return producer
}

// EventPublisher publishes a run event for every finished run, keyed by task
// so that events of one task stay ordered.
type EventPublisher struct {
	Writer   MessageWriter
	Encoding events.Encoding
}

func NewEventPublisher(w MessageWriter, enc events.Encoding) *EventPublisher {
	return &EventPublisher{Writer: w, Encoding: enc}
}

func (p *EventPublisher) Report(ctx context.Context, outcome coordinator.Outcome) error {
	if outcome.RunID == "" {
		// Skipped before a run was started; nothing to publish.
		return nil
	}
	payload, err := events.Encode(events.FromOutcome(outcome), p.Encoding)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(models.TaskKey(outcome.TaskID)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: events.HeaderContentType, Value: []byte(p.Encoding.ContentType())},
		},
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.Writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("failed to publish run event for %s: %w", outcome.TaskID, err)
	}
	hlog.CtxDebugf(ctx, "EventPublisher: run %s of %s published (%s)", outcome.RunID, outcome.TaskID, outcome.Status)
	return nil
}

func (p *EventPublisher) Close() error {
	if p.Writer == nil {
		return nil
	}
	stats := p.Writer.Stats()
	hlog.Infof("EventPublisher: closing Kafka writer after %d messages (%d errors)", stats.Messages, stats.Errors)
	return p.Writer.Close()
}

var _ coordinator.Reporter = (*EventPublisher)(nil)
