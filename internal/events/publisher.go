package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/munistream/puente/internal/engine"
	"github.com/munistream/puente/internal/sync"
)

// Event types published on the events topic.
const (
	EventReviewRequested = "review_requested"
	EventEscalation      = "escalation"
)

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the envelope of every published message.
type Event struct {
	EventType string          `json:"event_type"`
	LinkageID uuid.UUID       `json:"linkage_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher publishes review tasks and escalations. It implements
// engine.Notifier.
type Publisher struct {
	writer Writer
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewPublisher creates a publisher writing to cfg.Topic.
func NewPublisher(cfg ProducerConfig) *Publisher {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewPublisherWithWriter(writer, cfg.Topic)
}

// NewPublisherWithWriter creates a publisher over an existing writer. Every
// message carries topic, so the writer must not set one of its own.
func NewPublisherWithWriter(w Writer, topic string) *Publisher {
	return &Publisher{writer: w, topic: topic}
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// ReviewRequested publishes a review task.
func (p *Publisher) ReviewRequested(ctx context.Context, task engine.ReviewTask) error {
	return p.publish(ctx, EventReviewRequested, task.LinkageID, task.RequestedAt, task)
}

// Escalate publishes an escalation.
func (p *Publisher) Escalate(ctx context.Context, e sync.Escalation) error {
	return p.publish(ctx, EventEscalation, e.LinkageID, e.At, e)
}

func (p *Publisher) publish(ctx context.Context, eventType string, linkageID uuid.UUID, at time.Time, payload any) error {
	ctx, span := tracer.Start(ctx, "events.Publisher.publish")
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	if at.IsZero() {
		at = time.Now()
	}
	value, err := json.Marshal(Event{
		EventType: eventType,
		LinkageID: linkageID,
		Data:      data,
		Timestamp: at.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(linkageID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	logrus.WithFields(logrus.Fields{
		"event_type": eventType,
		"linkage_id": linkageID,
	}).Debug("Published event")
	return nil
}

// LogNotifier logs review tasks and escalations. It is used when no broker
// is configured.
type LogNotifier struct{}

// ReviewRequested logs a review task.
func (LogNotifier) ReviewRequested(_ context.Context, task engine.ReviewTask) error {
	logrus.WithFields(logrus.Fields{
		"linkage_id": task.LinkageID,
		"origin":     task.Origin,
		"key":        task.SourceKey,
		"candidate":  task.CandidateRef,
		"score":      task.Score,
	}).Warn("Linkage needs manual review")
	return nil
}

// Escalate logs an escalation.
func (LogNotifier) Escalate(_ context.Context, e sync.Escalation) error {
	logrus.WithFields(logrus.Fields{
		"linkage_id":      e.LinkageID,
		"operation_id":    e.OperationID,
		"origin":          e.Origin,
		"reason":          e.Reason,
		"rollback_failed": e.RollbackFailed,
		"error":           e.Error,
	}).Error("Escalation: manual intervention required")
	return nil
}

var (
	_ engine.Notifier = (*Publisher)(nil)
	_ engine.Notifier = LogNotifier{}
)
