// Package kafka publishes alert notifications to a Kafka topic so downstream
// services (case management, mailers) can consume them.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/warden/internal/alert"
)

// MessageWriter is the subset of *kafkago.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Sink writes one message per notification, keyed by alert ID so every
// notification about an alert lands on the same partition in order.
type Sink struct {
	w MessageWriter
}

// New creates a sink writing to topic on brokers.
func New(brokers []string, topic string) *Sink {
	return NewWithWriter(&kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafkago.Gzip,
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		MaxAttempts:            1, // the dispatcher retries
	})
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w MessageWriter) *Sink {
	return &Sink{w: w}
}

// Name implements notify.Sink.
func (s *Sink) Name() string { return "kafka" }

// Send publishes n as JSON.
func (s *Sink) Send(ctx context.Context, n *alert.Notification) error {
	msg, err := Message(n)
	if err != nil {
		return err
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write message: %w", err)
	}
	return nil
}

// Close flushes pending writes and releases the writer.
func (s *Sink) Close() error {
	return s.w.Close()
}

// Message encodes n. The key falls back to the notification ID when the
// payload names no alert.
func Message(n *alert.Notification) (kafkago.Message, error) {
	value, err := json.Marshal(n)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("kafka: marshal notification %s: %w", n.ID, err)
	}
	key := n.AlertID()
	if key == "" {
		key = n.ID
	}
	return kafkago.Message{
		Key:   []byte(key),
		Value: value,
		Time:  n.CreatedAt,
		Headers: []kafkago.Header{
			{Key: "notification_type", Value: []byte(n.Type)},
			{Key: "priority", Value: []byte(n.Priority)},
		},
	}, nil
}
