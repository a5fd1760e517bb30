// Package events publishes workup lifecycle events for downstream consumers such as LIS interfaces.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
)

// Event types
const (
	WorkupSaved   = "workup.saved"
	WorkupDeleted = "workup.deleted"
)

// WorkupEvent is the message value written for every archived workup change
type WorkupEvent struct {
	Type                 string    `json:"type"`
	WorkupID             string    `json:"workup_id"`
	SessionID            string    `json:"session_id,omitempty"`
	SpecimenRef          string    `json:"specimen_ref,omitempty"`
	IdentifiedAntibodies []string  `json:"identified_antibodies,omitempty"`
	RuledOut             []string  `json:"ruled_out,omitempty"`
	OccurredAt           time.Time `json:"occurred_at"`
}

// NewWorkupEvent builds an event from a workup
func NewWorkupEvent(eventType string, w *domain.Workup) WorkupEvent {
	e := WorkupEvent{
		Type:                 eventType,
		WorkupID:             w.ID,
		SessionID:            w.SessionID,
		SpecimenRef:          w.SpecimenRef,
		IdentifiedAntibodies: w.IdentifiedAntibodies,
		OccurredAt:           time.Now().UTC(),
	}
	if w.Result != nil {
		e.RuledOut = w.Result.RuledOut
	}
	return e
}

// Publisher delivers workup events
type Publisher interface {
	Publish(ctx context.Context, event WorkupEvent) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by workup id
type KafkaPublisher struct {
	writer       messageWriter
	writeTimeout time.Duration
	logger       *logrus.Logger
}

// New returns a Kafka publisher when brokers are configured and a no-op publisher otherwise
func New(config domain.EventsConfig, logger *logrus.Logger) Publisher {
	if len(config.Brokers) == 0 {
		logger.Info("No Kafka brokers configured, workup events disabled")
		return NoopPublisher{}
	}
	return NewKafkaPublisher(config, logger)
}

// NewKafkaPublisher creates a publisher for the configured topic
func NewKafkaPublisher(config domain.EventsConfig, logger *logrus.Logger) *KafkaPublisher {
	topic := config.Topic
	if topic == "" {
		topic = "abid-workups"
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  config.Brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	logger.WithFields(logrus.Fields{
		"brokers": config.Brokers,
		"topic":   topic,
	}).Info("Kafka workup publisher configured")
	return newKafkaPublisher(writer, config.WriteTimeout, logger)
}

func newKafkaPublisher(writer messageWriter, timeout time.Duration, logger *logrus.Logger) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaPublisher{writer: writer, writeTimeout: timeout, logger: logger}
}

// Publish writes one event
func (p *KafkaPublisher) Publish(ctx context.Context, event WorkupEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.WorkupID),
		Value: value,
	})
	if err != nil {
		p.logger.WithError(err).WithField("workup_id", event.WorkupID).Error("Failed to publish workup event")
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}

	p.logger.WithFields(logrus.Fields{
		"type":      event.Type,
		"workup_id": event.WorkupID,
	}).Debug("Published workup event")
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher discards events
type NoopPublisher struct{}

// Publish does nothing
func (NoopPublisher) Publish(context.Context, WorkupEvent) error { return nil }

// Close does nothing
func (NoopPublisher) Close() error { return nil }
