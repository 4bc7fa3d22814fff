// Package pubsub implements the downstream ingestion hook on Google Cloud
// Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/dealhound/fetchengine/internal/fetch"
)

// Publisher pushes normalized fetch records to a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals the record to JSON and publishes it.
func (p *Publisher) Publish(ctx context.Context, record fetch.IngestRecord) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"domain": record.Domain,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}
