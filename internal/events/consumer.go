// Package events connects the engine to Kafka: registry change events come in
// on one topic, review tasks and escalations go out on another.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/munistream/puente/internal/engine"
	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/metrics"
	"github.com/munistream/puente/internal/retry"
	"github.com/munistream/puente/internal/sync"
)

var tracer = otel.Tracer("github.com/munistream/puente/internal/events")

// ChangeHandler processes one registry change. *engine.Engine implements it.
type ChangeHandler interface {
	HandleChange(ctx context.Context, ch engine.Change) (*engine.StepResult, error)
}

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// Retry bounds how long a transient failure is retried before the
	// consumer stops. Nil means HandlerDefaults.
	Retry *retry.Config
}

// HandlerDefaults returns the in-place retry policy for change events.
func HandlerDefaults() *retry.Config {
	return &retry.Config{
		MaxRetries:    8,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      time.Minute,
		JitterPercent: 10,
	}
}

// Consumer feeds change events to a ChangeHandler.
type Consumer struct {
	reader  Reader
	handler ChangeHandler
	retry   *retry.Config
}

// NewConsumer creates a consumer reading cfg.Topic as part of cfg.ConsumerGroup.
func NewConsumer(cfg ConsumerConfig, handler ChangeHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	return NewConsumerWithReader(reader, handler, cfg.Retry)
}

// NewConsumerWithReader creates a consumer over an existing reader. A nil
// policy means HandlerDefaults.
func NewConsumerWithReader(r Reader, handler ChangeHandler, policy *retry.Config) *Consumer {
	if policy == nil {
		policy = HandlerDefaults()
	}
	return &Consumer{reader: r, handler: handler, retry: policy}
}

// Run consumes until ctx is cancelled or the reader is closed. Offsets are
// committed in order: a change that still fails transiently after its
// retries stops the consumer without committing, so the group replays it
// from that offset.
func (c *Consumer) Run(ctx context.Context) error {
	logrus.Info("Change event consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logrus.Info("Change event consumer stopping")
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			logrus.WithError(err).Error("Failed to fetch message")
			continue
		}
		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				logrus.Info("Change event consumer stopping")
				return ctx.Err()
			}
			return err
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	ctx, span := tracer.Start(ctx, "events.Consumer.process", trace.WithAttributes(
		attribute.String("topic", msg.Topic),
		attribute.Int64("offset", msg.Offset),
	))
	defer span.End()

	log := logrus.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var ch engine.Change
	if err := json.Unmarshal(msg.Value, &ch); err != nil {
		log.WithError(err).Error("Failed to parse change event")
		metrics.ChangeEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		// commit anyway so a poison message cannot block the partition
		c.commit(ctx, log, msg)
		return nil
	}
	if ch.ModifiedAt.IsZero() {
		ch.ModifiedAt = msg.Time
	}
	log = log.WithFields(logrus.Fields{"origin": ch.Origin, "key": ch.Key})

	var res *engine.StepResult
	err := retry.WithAttempts(ctx, c.retry, func(ctx context.Context, attempt uint64) error {
		r, err := c.handler.HandleChange(ctx, ch)
		if err != nil {
			if permanent(err) {
				return retry.Permanent(err)
			}
			metrics.ChangeEventsTotal.WithLabelValues(string(ch.Origin), "retry").Inc()
			return err
		}
		res = r
		return nil
	}, "handle change event")
	if err != nil {
		if !permanent(err) {
			log.WithError(err).Error("Failed to process change event (not committing)")
			return fmt.Errorf("change event at offset %d of partition %d left uncommitted: %w", msg.Offset, msg.Partition, err)
		}
		log.WithError(err).Warn("Change event failed permanently")
		metrics.ChangeEventsTotal.WithLabelValues(string(ch.Origin), "failed").Inc()
		c.commit(ctx, log, msg)
		return nil
	}
	log.WithFields(logrus.Fields{
		"step":     res.Step,
		"decision": res.LinkingDecision,
	}).Debug("Change event processed")
	metrics.ChangeEventsTotal.WithLabelValues(string(ch.Origin), "processed").Inc()
	c.commit(ctx, log, msg)
	return nil
}

func (c *Consumer) commit(ctx context.Context, log *logrus.Entry, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}

// permanent reports errors that replaying the event cannot fix. Sync and
// rollback failures were already escalated.
func permanent(err error) bool {
	var sf *sync.SyncFailure
	var rf *sync.RollbackFailure
	return errors.Is(err, engine.ErrValidation) ||
		errors.Is(err, linkage.ErrLinkageConflict) ||
		errors.Is(err, linkage.ErrInvalidLinkage) ||
		errors.Is(err, sync.ErrNoCounterpart) ||
		errors.Is(err, sync.ErrRollbackPending) ||
		errors.As(err, &sf) ||
		errors.As(err, &rf)
}
