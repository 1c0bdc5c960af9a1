package reliable

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/medhasoft/hospital-platform/libs/kafkax"
)

type fakeWriter struct {
	failures int // fail this many writes before succeeding
	failDLT  bool
	written  []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, m := range msgs {
		if w.failDLT && isDLT(m.Topic) {
			return errors.New("dlt broker down")
		}
		if w.failures > 0 && !isDLT(m.Topic) {
			w.failures--
			return errors.New("broker unavailable")
		}
		w.written = append(w.written, m)
	}
	return nil
}

func isDLT(topic string) bool {
	return len(topic) > 4 && topic[len(topic)-4:] == ".dlt"
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPublisher(w messageWriter) *Publisher {
	return newPublisher(w, testLogger(), PublisherConfig{
		Attempts:       3,
		AttemptTimeout: 100 * time.Millisecond,
		Backoff:        time.Millisecond,
	})
}

func TestPublishFirstAttempt(t *testing.T) {
	w := &fakeWriter{}
	p := testPublisher(w)

	err := p.Publish(context.Background(), Event{
		Topic:   "appointment.booked",
		Key:     "APT-2026-DEADBEEF",
		EventID: "evt-1",
		Value:   []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.written) != 1 {
		t.Fatalf("expected 1 message written, got %d", len(w.written))
	}
	msg := w.written[0]
	if msg.Topic != "appointment.booked" {
		t.Fatalf("unexpected topic %q", msg.Topic)
	}
	if got := kafkax.HeaderValue(msg.Headers, kafkax.HeaderEventID); got != "evt-1" {
		t.Fatalf("event_id header = %q", got)
	}
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := testPublisher(w)

	if err := p.Publish(context.Background(), Event{Topic: "bill.generated", EventID: "evt-2"}); err != nil {
		t.Fatalf("Publish after retries: %v", err)
	}
	if len(w.written) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.written))
	}
}

func TestPublishExhaustedGoesToDeadLetter(t *testing.T) {
	w := &fakeWriter{failures: 3}
	p := testPublisher(w)

	err := p.Publish(context.Background(), Event{
		Topic:   "payment.completed",
		Key:     "PAY-2026-00C0FFEE",
		EventID: "evt-3",
		Value:   []byte(`{"amount":500.00}`),
	})
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
	if errors.Is(err, ErrDeadLetterFailed) {
		t.Fatalf("event was parked; error must not match ErrDeadLetterFailed: %v", err)
	}
	if len(w.written) != 1 {
		t.Fatalf("expected exactly one dead-letter message, got %d", len(w.written))
	}
	dlt := w.written[0]
	if dlt.Topic != "payment.completed.dlt" {
		t.Fatalf("dead-letter topic = %q", dlt.Topic)
	}
	if string(dlt.Value) != `{"amount":500.00}` {
		t.Fatalf("dead-letter payload changed: %s", dlt.Value)
	}
	if got := kafkax.HeaderValue(dlt.Headers, kafkax.HeaderOriginTopic); got != "payment.completed" {
		t.Fatalf("origin topic header = %q", got)
	}
	if got := kafkax.HeaderValue(dlt.Headers, kafkax.HeaderDLTReason); got == "" {
		t.Fatal("dead-letter message carries no reason header")
	}
}

func TestPublishDeadLetterAlsoFails(t *testing.T) {
	w := &fakeWriter{failures: 3, failDLT: true}
	p := testPublisher(w)

	err := p.Publish(context.Background(), Event{Topic: "payment.failed", EventID: "evt-4"})
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
	if !errors.Is(err, ErrDeadLetterFailed) {
		t.Fatalf("expected ErrDeadLetterFailed, got %v", err)
	}
	if len(w.written) != 0 {
		t.Fatalf("nothing should have been written, got %d messages", len(w.written))
	}
}

func TestPublishDeadLetterDirect(t *testing.T) {
	w := &fakeWriter{}
	p := testPublisher(w)

	err := p.PublishDeadLetter(context.Background(), "appointment.booked", "k", []byte("v"), "handler gave up")
	if err != nil {
		t.Fatalf("PublishDeadLetter: %v", err)
	}
	if len(w.written) != 1 || w.written[0].Topic != "appointment.booked.dlt" {
		t.Fatalf("unexpected writes: %+v", w.written)
	}
	if got := kafkax.HeaderValue(w.written[0].Headers, kafkax.HeaderDLTReason); got != "handler gave up" {
		t.Fatalf("reason header = %q", got)
	}
}
