// Package events publishes ingestion lifecycle events. With Kafka brokers
// configured, events go to a per-lifecycle topic; without them, events are
// logged and dropped so ingestion never blocks on the event bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/corvuslabs/conduit-go/internal/config"
	"github.com/corvuslabs/conduit-go/internal/logging"
)

// Lifecycle event kinds.
const (
	IngestionStarted   = "ingestion.started"
	IngestionCompleted = "ingestion.completed"
	IngestionFailed    = "ingestion.failed"
)

// Event is one lifecycle record.
type Event struct {
	Kind      string `json:"kind"`
	IngestID  string `json:"ingest_id"`
	TenantID  string `json:"tenant_id"`
	Stage     string `json:"stage,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// KafkaPublisher writes events to `<prefix>.<kind>` topics, keyed by
// ingest id so per-ingest ordering is preserved within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
}

// NewKafkaPublisher constructs a KafkaPublisher from the events settings.
func NewKafkaPublisher(cfg config.EventsSettings) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(cfg.KafkaBrokers, ",")...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		prefix: cfg.TopicPrefix,
	}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	msg := kafka.Message{
		Topic: p.prefix + "." + event.Kind,
		Key:   []byte(event.IngestID),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: write %s: %w", event.Kind, err)
	}
	return nil
}

// Close implements Publisher.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher records events with the context logger. It is the fallback
// when no brokers are configured.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(ctx context.Context, event Event) error {
	logging.FromContext(ctx).Info("events: lifecycle",
		slog.String("kind", event.Kind),
		slog.String("ingest_id", event.IngestID),
		slog.String("tenant_id", event.TenantID),
		slog.String("stage", event.Stage),
		slog.String("reason", event.Reason),
	)
	return nil
}

// Close implements Publisher.
func (LogPublisher) Close() error { return nil }

// NewFromSettings returns a KafkaPublisher when brokers are configured,
// otherwise the logging fallback.
func NewFromSettings(cfg config.EventsSettings) Publisher {
	if strings.TrimSpace(cfg.KafkaBrokers) == "" {
		return LogPublisher{}
	}
	return NewKafkaPublisher(cfg)
}
