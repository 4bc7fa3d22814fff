// Package memory provides an in-process ingestion sink for tests and local
// development.
package memory

import (
	"context"
	"sync"

	"github.com/dealhound/fetchengine/internal/fetch"
)

// Publisher collects published records in memory.
type Publisher struct {
	mu      sync.Mutex
	records []fetch.IngestRecord
}

// New creates a Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the record.
func (p *Publisher) Publish(_ context.Context, record fetch.IngestRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return nil
}

// Records returns a copy of everything published so far.
func (p *Publisher) Records() []fetch.IngestRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fetch.IngestRecord(nil), p.records...)
}
