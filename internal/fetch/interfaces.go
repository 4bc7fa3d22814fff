package fetch

import (
	"context"
	"time"
)

// Strategy is one interchangeable fetch implementation. Executors never retry
// internally; escalation and retry budgets belong to the dispatcher so that
// outcome accounting stays centralized.
type Strategy interface {
	ID() string
	Fetch(ctx context.Context, job Job, proxyAddr string) (RawResult, error)
}

// CaptchaSolver wraps the submit/poll collaborator behind a single blocking
// call bounded by ctx.
type CaptchaSolver interface {
	Solve(ctx context.Context, challenge Challenge) (string, error)
}

// BrowserRunner abstracts the headless automation engine. One cancellable
// operation in, a rendered document plus block signals out.
type BrowserRunner interface {
	Run(ctx context.Context, url string, profile BehaviorProfile, waits WaitConditions) (html string, blockSignals []string, err error)
}

// IngestSink receives normalized records on success. Delivery failure never
// invalidates the fetch outcome.
type IngestSink interface {
	Publish(ctx context.Context, record IngestRecord) error
}

// OutcomeJournal persists attempt outcomes for warm-starting strategy stats.
type OutcomeJournal interface {
	Append(ctx context.Context, outcome Outcome) error
}

// PayloadArchive stores raw successful payloads and returns a URI.
type PayloadArchive interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for cache fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
