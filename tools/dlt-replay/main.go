// dlt-replay drains a dead-letter topic and republishes each message to its
// origin topic. Run it after the failure that parked the events is fixed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/medhasoft/hospital-platform/libs/kafkax"
	"github.com/medhasoft/hospital-platform/libs/reliable"
)

func main() {
	var (
		brokers = flag.String("brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "comma-separated kafka brokers")
		topic   = flag.String("topic", getenv("DLT_TOPIC", ""), "dead-letter topic to drain (e.g. appointment.booked.dlt)")
		group   = flag.String("group", getenv("DLT_REPLAY_GROUP", "dlt-replay"), "consumer group for the drain")
		limit   = flag.Int("limit", 0, "stop after this many messages (0 = drain until idle)")
		dryRun  = flag.Bool("dry-run", false, "print instead of republishing")
	)
	flag.Parse()

	if strings.TrimSpace(*topic) == "" {
		fatal("DLT_TOPIC is required")
	}
	if !strings.HasSuffix(*topic, ".dlt") {
		fatal(fmt.Sprintf("%s is not a dead-letter topic", *topic))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(*brokers),
		GroupID:  *group,
		Topic:    *topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	writer := &kafka.Writer{
		Addr:     kafka.TCP(kafkax.SplitBrokers(*brokers)...),
		Balancer: &kafka.Hash{},
	}
	defer writer.Close()

	replayed := 0
	for *limit == 0 || replayed < *limit {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		msg, err := reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
				break // drained or interrupted
			}
			fatal(err.Error())
		}

		origin := kafkax.HeaderValue(msg.Headers, kafkax.HeaderOriginTopic)
		if origin == "" {
			origin = strings.TrimSuffix(msg.Topic, ".dlt")
		}
		reason := kafkax.HeaderValue(msg.Headers, kafkax.HeaderDLTReason)
		eventID := kafkax.HeaderValue(msg.Headers, kafkax.HeaderEventID)

		if *dryRun {
			fmt.Printf("would replay offset=%d event_id=%s origin=%s reason=%q\n", msg.Offset, eventID, origin, reason)
		} else {
			out := kafka.Message{
				Topic:   origin,
				Key:     msg.Key,
				Value:   msg.Value,
				Headers: stripDLTHeaders(msg.Headers),
			}
			writeCtx, cancel := context.WithTimeout(ctx, reliable.DefaultAttemptTimeout)
			err = writer.WriteMessages(writeCtx, out)
			cancel()
			if err != nil {
				fatal(fmt.Sprintf("replay to %s failed: %v", origin, err))
			}
			fmt.Printf("replayed offset=%d event_id=%s -> %s\n", msg.Offset, eventID, origin)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			fatal(fmt.Sprintf("commit failed: %v", err))
		}
		replayed++
	}
	fmt.Printf("done: %d message(s)\n", replayed)
}

// stripDLTHeaders drops the parking metadata so the replayed message looks
// like a fresh publish to its consumers.
func stripDLTHeaders(headers []kafka.Header) []kafka.Header {
	var out []kafka.Header
	for _, h := range headers {
		if h.Key == kafkax.HeaderDLTReason || h.Key == kafkax.HeaderOriginTopic {
			continue
		}
		out = append(out, h)
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "dlt-replay: "+msg)
	os.Exit(1)
}
