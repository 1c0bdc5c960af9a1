// Package reliable holds the two delivery primitives every service shares:
// a publisher with bounded retry and dead-letter fallback, and a consumer
// dispatcher that acknowledges a message only after its effect is durable or
// the message is confirmed dead-lettered.
package reliable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/medhasoft/hospital-platform/libs/kafkax"
)

var (
	// ErrPublishFailed is returned once all delivery attempts are exhausted.
	// The event has been parked in the dead-letter topic unless the error
	// also matches ErrDeadLetterFailed.
	ErrPublishFailed = errors.New("publish failed")

	// ErrDeadLetterFailed marks the one path where an event may be lost:
	// both the primary delivery and the dead-letter send failed.
	ErrDeadLetterFailed = errors.New("dead-letter publish failed")
)

const (
	DefaultAttempts       = 3
	DefaultAttemptTimeout = 5 * time.Second
	DefaultBackoff        = 5 * time.Second
)

// DeadLetterTopic returns the dead-letter destination for a topic.
func DeadLetterTopic(topic string) string {
	return topic + ".dlt"
}

// Event is a domain event bound for a Kafka topic.
type Event struct {
	Topic   string
	Key     string
	EventID string
	Value   []byte
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher struct {
	writer   messageWriter
	logger   *slog.Logger
	attempts int
	timeout  time.Duration
	backoff  time.Duration
}

type PublisherConfig struct {
	Brokers        string
	Attempts       int
	AttemptTimeout time.Duration
	Backoff        time.Duration
}

func NewPublisher(logger *slog.Logger, cfg PublisherConfig) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(kafkax.SplitBrokers(cfg.Brokers)...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return newPublisher(writer, logger, cfg)
}

func newPublisher(writer messageWriter, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Publisher{
		writer:   writer,
		logger:   logger,
		attempts: cfg.Attempts,
		timeout:  cfg.AttemptTimeout,
		backoff:  cfg.Backoff,
	}
}

func (p *Publisher) Close() error {
	if c, ok := p.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Publish delivers the event with bounded retry. Every exit path either
// delivers the event or durably parks it: after the attempts are exhausted
// the event is forwarded once to <topic>.dlt, tagged with the terminal
// failure cause, and ErrPublishFailed is returned. Only when that fallback
// itself fails is the event at risk, and the returned error then also
// matches ErrDeadLetterFailed.
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	msg := kafka.Message{
		Topic: evt.Topic,
		Key:   []byte(evt.Key),
		Value: evt.Value,
		Headers: []kafka.Header{
			{Key: kafkax.HeaderEventID, Value: []byte(evt.EventID)},
			{Key: kafkax.HeaderEventType, Value: []byte(evt.Topic)},
		},
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)

	err := p.deliver(ctx, msg)
	if err == nil {
		return nil
	}

	p.logger.Error("publish exhausted all attempts",
		"topic", evt.Topic, "event_id", evt.EventID, "attempts", p.attempts, "err", err)

	if dltErr := p.sendDeadLetter(ctx, msg, evt.Topic, err.Error()); dltErr != nil {
		p.logger.Error("EVENT LOST: primary publish and dead-letter publish both failed",
			"topic", evt.Topic, "event_id", evt.EventID, "err", err, "dlt_err", dltErr)
		return fmt.Errorf("%w: %w: topic %s: %v", ErrPublishFailed, ErrDeadLetterFailed, evt.Topic, err)
	}

	p.logger.Warn("event parked in dead-letter topic",
		"topic", DeadLetterTopic(evt.Topic), "event_id", evt.EventID, "cause", err)
	return fmt.Errorf("%w: topic %s: %v", ErrPublishFailed, evt.Topic, err)
}

// PublishDeadLetter forwards a consumed message to its topic's dead-letter
// destination. Used by the dispatcher when a handler fails terminally.
func (p *Publisher) PublishDeadLetter(ctx context.Context, originTopic, key string, value []byte, reason string) error {
	msg := kafka.Message{
		Topic: originTopic,
		Key:   []byte(key),
		Value: value,
	}
	return p.sendDeadLetter(ctx, msg, originTopic, reason)
}

func (p *Publisher) deliver(ctx context.Context, msg kafka.Message) error {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			if attempt > 1 {
				p.logger.Info("publish succeeded after retry", "topic", msg.Topic, "attempt", attempt)
			}
			return nil
		}

		// Timeouts and interruptions are retryable like any broker error.
		lastErr = err
		p.logger.Warn("publish attempt failed",
			"topic", msg.Topic, "attempt", attempt, "err", err)

		if attempt < p.attempts {
			if werr := p.wait(ctx, p.backoff); werr != nil {
				return fmt.Errorf("publish interrupted: %w (last error: %v)", werr, lastErr)
			}
		}
	}
	return lastErr
}

func (p *Publisher) sendDeadLetter(ctx context.Context, msg kafka.Message, originTopic, reason string) error {
	dlt := kafka.Message{
		Topic:   DeadLetterTopic(originTopic),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: append([]kafka.Header{}, msg.Headers...),
	}
	dlt.Headers = append(dlt.Headers,
		kafka.Header{Key: kafkax.HeaderDLTReason, Value: []byte(reason)},
		kafka.Header{Key: kafkax.HeaderOriginTopic, Value: []byte(originTopic)},
	)

	// The fallback is sent exactly once; retrying here would only delay
	// surfacing the failure to the caller.
	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(sendCtx, dlt)
}

func (p *Publisher) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
