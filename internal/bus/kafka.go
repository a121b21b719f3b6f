package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every broadcast event to a Kafka topic, keyed by
// event type.
type KafkaSink struct {
	writer       messageWriter
	queue        chan Event
	writeTimeout time.Duration
}

// NewKafkaSink creates a sink writing to topic on the comma separated brokers.
func NewKafkaSink(brokers, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newKafkaSink(w)
}

// SplitBrokers parses a comma separated broker list, skipping blanks.
func SplitBrokers(brokers string) []string {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return addrs
}

func newKafkaSink(w messageWriter) *KafkaSink {
	return &KafkaSink{writer: w, queue: make(chan Event, 512), writeTimeout: 10 * time.Second}
}

// Handle queues ev for publishing. It is meant to be a Broadcaster subscriber.
func (s *KafkaSink) Handle(ev Event) {
	select {
	case s.queue <- ev:
	default:
		slog.Warn("Kafka sink queue full, dropping event", "type", ev.Type)
	}
}

// Run writes queued events until ctx is cancelled, then closes the writer.
func (s *KafkaSink) Run(ctx context.Context) error {
	defer s.writer.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.queue:
			if err := s.write(ctx, ev); err != nil && ctx.Err() == nil {
				slog.Warn("Kafka publish failed", "type", ev.Type, "error", err)
			}
		}
	}
}

func (s *KafkaSink) write(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:     []byte(ev.Type),
		Value:   value,
		Headers: []kafka.Header{{Key: "event_id", Value: []byte(ev.ID)}},
		Time:    ev.Timestamp,
	}
	var writeErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		writeErr = s.writer.WriteMessages(writeCtx, msg)
		cancel()
		if writeErr == nil {
			return nil
		}
		if !errors.Is(writeErr, kafka.NotLeaderForPartition) && !errors.Is(writeErr, kafka.LeaderNotAvailable) {
			break
		}
	}
	return writeErr
}
