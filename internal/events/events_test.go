package events

import (
	"context"
	"testing"

	"github.com/corvuslabs/conduit-go/internal/config"
)

func Test_Events_NewFromSettings(t *testing.T) {
	t.Parallel()
	if _, ok := NewFromSettings(config.EventsSettings{}).(LogPublisher); !ok {
		t.Error("empty brokers must select the log fallback")
	}
	p := NewFromSettings(config.EventsSettings{KafkaBrokers: "k1:9092,k2:9092", TopicPrefix: "ingestion"})
	if _, ok := p.(*KafkaPublisher); !ok {
		t.Errorf("configured brokers must select kafka, got %T", p)
	}
	_ = p.Close()
}

func Test_Events_LogPublisherNeverFails(t *testing.T) {
	t.Parallel()
	p := LogPublisher{}
	err := p.Publish(context.Background(), Event{
		Kind:     IngestionFailed,
		IngestID: "i1",
		TenantID: "t1",
		Stage:    "pii_dq",
		Reason:   "DQ checks failed",
	})
	if err != nil {
		t.Errorf("publish: %v", err)
	}
}
