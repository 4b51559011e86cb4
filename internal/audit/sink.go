package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Sink receives batches of audit events.
type Sink interface {
	Write(ctx context.Context, events []*Event) error
	Close() error
}

// WriterSink writes one line per event, JSON or text.
type WriterSink struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

// NewWriterSink creates a sink on w.
func NewWriterSink(w io.Writer, jsonFormat bool) *WriterSink {
	return &WriterSink{w: w, json: jsonFormat}
}

func (s *WriterSink) Write(ctx context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		var line []byte
		if s.json {
			out, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("failed to marshal audit event: %w", err)
			}
			line = append(out, '\n')
		} else {
			line = []byte(formatText(event) + "\n")
		}
		if _, err := s.w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func (s *WriterSink) Close() error {
	return nil
}

// formatText formats an event as human-readable text.
func formatText(event *Event) string {
	msg := fmt.Sprintf("[%s] %s server=%s type=%s",
		event.Timestamp.Format(time.RFC3339),
		event.Type.GetSeverity().String(),
		event.ServerID,
		event.Type,
	)

	if event.ActorID != "" {
		msg += fmt.Sprintf(" actor=%s", event.ActorID)
	}
	if event.APIEndpoint != "" {
		msg += fmt.Sprintf(" endpoint=%s method=%s status=%d", event.APIEndpoint, event.HTTPMethod, event.HTTPStatus)
	}
	if event.CustomerID != 0 {
		msg += fmt.Sprintf(" customer=%d", event.CustomerID)
	}
	if event.SubscriptionID != 0 {
		msg += fmt.Sprintf(" subscription=%d", event.SubscriptionID)
	}
	if event.Step != "" {
		msg += fmt.Sprintf(" step=%s", event.Step)
	}
	if event.Outcome != "" {
		msg += fmt.Sprintf(" outcome=%s", event.Outcome)
	}
	if event.FromState != "" || event.ToState != "" {
		msg += fmt.Sprintf(" from=%s to=%s", event.FromState, event.ToState)
	}
	if event.TicketID != "" {
		msg += fmt.Sprintf(" ticket=%s", event.TicketID)
	}
	if !event.Success {
		msg += " success=false"
	}
	if event.ErrorMessage != "" {
		msg += fmt.Sprintf(" error=%q", event.ErrorMessage)
	}

	return msg
}

// MessageWriter is the part of kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a Kafka topic keyed by customer, so one
// customer's events stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaWriter builds the kafka.Writer used in production.
func NewKafkaWriter(brokers []string, topic, clientID string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
}

// NewKafkaSink creates a sink on w.
func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Write(ctx context.Context, events []*Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		key := event.ServerID
		if event.CustomerID != 0 {
			key = strconv.FormatInt(event.CustomerID, 10)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.Type)},
				{Key: "event_id", Value: []byte(event.ID)},
			},
		})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
