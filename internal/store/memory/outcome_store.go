// Package memory provides an in-process outcome journal.
package memory

import (
	"context"
	"sync"

	"github.com/dealhound/fetchengine/internal/fetch"
)

// OutcomeStore keeps appended outcomes in a slice.
type OutcomeStore struct {
	mu       sync.Mutex
	outcomes []fetch.Outcome
}

// New creates an OutcomeStore.
func New() *OutcomeStore {
	return &OutcomeStore{}
}

// Append records the outcome.
func (s *OutcomeStore) Append(_ context.Context, outcome fetch.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

// Outcomes returns a copy of everything appended so far.
func (s *OutcomeStore) Outcomes() []fetch.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fetch.Outcome(nil), s.outcomes...)
}
