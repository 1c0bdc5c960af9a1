package reliable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/medhasoft/hospital-platform/libs/kafkax"
)

// ErrDuplicate signals that the handler's effect was already applied. The
// dispatcher acknowledges the message without further retries.
var ErrDuplicate = errors.New("effect already applied")

// Permanent wraps a business failure that retrying cannot fix. The dispatcher
// dead-letters the message immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Handler processes one inbound message. It must be idempotent: the broker
// delivers at-least-once and the dispatcher retries on failure.
type Handler func(ctx context.Context, msg kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type deadLetterer interface {
	PublishDeadLetter(ctx context.Context, originTopic, key string, value []byte, reason string) error
}

// Dispatcher drives the per-message state machine
// Received -> Processing -> {Acknowledged, Redeliverable}. A message is
// committed only after the handler succeeded (or reported a benign
// duplicate), or after it was confirmed parked in the dead-letter topic.
type Dispatcher struct {
	reader    messageReader
	publisher deadLetterer
	logger    *slog.Logger
	handler   Handler
	attempts  int
	backoff   time.Duration
}

type DispatcherConfig struct {
	Brokers  string
	GroupID  string
	Topic    string
	Attempts int
	Backoff  time.Duration
}

func NewDispatcher(logger *slog.Logger, publisher *Publisher, cfg DispatcherConfig, handler Handler) *Dispatcher {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newDispatcher(reader, publisher, logger, cfg, handler)
}

func newDispatcher(reader messageReader, publisher deadLetterer, logger *slog.Logger, cfg DispatcherConfig, handler Handler) *Dispatcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Dispatcher{
		reader:    reader,
		publisher: publisher,
		logger:    logger,
		handler:   handler,
		attempts:  cfg.Attempts,
		backoff:   cfg.Backoff,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	defer d.reader.Close()

	for {
		msg, err := d.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("kafka fetch error", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}

		msgCtx := kafkax.ExtractTraceContext(ctx, msg)
		spanCtx, span := otel.Tracer("kafka").Start(msgCtx, "kafka.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
			),
		)

		if d.process(spanCtx, msg) {
			// Ack only after the effect is durable or the message is parked.
			if err := d.reader.CommitMessages(ctx, msg); err != nil {
				d.logger.Error("kafka commit failed; message will be redelivered", "err", err)
			}
		}
		span.End()
	}
}

// process returns true when the message may be acknowledged.
func (d *Dispatcher) process(ctx context.Context, msg kafka.Message) bool {
	meta := kafkax.ExtractEventMeta(msg)

	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		err = d.handler(ctx, msg)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrDuplicate) {
			d.logger.Info("duplicate effect; acknowledging without retry",
				"topic", msg.Topic, "event_id", meta.EventID)
			return true
		}
		if IsPermanent(err) {
			d.logger.Error("permanent failure; routing to dead letter",
				"topic", msg.Topic, "event_id", meta.EventID, "err", err)
			break
		}

		d.logger.Warn("handler attempt failed",
			"topic", msg.Topic, "event_id", meta.EventID, "attempt", attempt, "err", err)
		if attempt < d.attempts {
			if werr := d.wait(ctx, d.backoff); werr != nil {
				return false
			}
		}
	}

	reason := fmt.Sprintf("handler failed after %d attempt(s): %v", d.attempts, err)
	if IsPermanent(err) {
		reason = err.Error()
	}
	if dltErr := d.publisher.PublishDeadLetter(ctx, msg.Topic, string(msg.Key), msg.Value, reason); dltErr != nil {
		// Not parked: leave the message uncommitted so the broker redelivers.
		d.logger.Error("dead-letter publish failed; message stays redeliverable",
			"topic", msg.Topic, "event_id", meta.EventID, "err", dltErr)
		return false
	}

	d.logger.Error("message dead-lettered",
		"topic", DeadLetterTopic(msg.Topic), "event_id", meta.EventID, "reason", reason)
	return true
}

func (d *Dispatcher) wait(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
