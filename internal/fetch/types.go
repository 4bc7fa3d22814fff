// Package fetch defines core types shared across subsystems.
package fetch

import (
	"net/http"
	"time"
)

// Job is a single retrieval request. Immutable once submitted.
type Job struct {
	ID      string        `json:"id"`
	URL     string        `json:"url"`
	Domain  string        `json:"domain"`
	Site    string        `json:"site"`
	Fields  []string      `json:"fields"`
	Timeout time.Duration `json:"timeout"`
	NoCache bool          `json:"no_cache"`

	// SolvedToken carries a captcha token for the single post-solve retry.
	// Set by the dispatcher on a copy of the job, never by callers.
	SolvedToken string `json:"-"`
}

// Classification buckets every attempt result into exactly one outcome class.
type Classification string

// Attempt outcome classes consumed by the dispatcher loop.
const (
	ClassSuccess          Classification = "success"
	ClassRetryable        Classification = "retryable"
	ClassBlockDetected    Classification = "block_detected"
	ClassCaptchaChallenge Classification = "captcha_challenge"
	ClassFatal            Classification = "fatal"
)

// Failed reports whether the class counts as a failure for health accounting.
func (c Classification) Failed() bool {
	return c != ClassSuccess
}

// RawResult is what a strategy executor hands back before classification.
type RawResult struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Fields       map[string]string
	BlockSignals []string
	Duration     time.Duration
}

// Result is the terminal answer for a dispatched Job.
type Result struct {
	Job        Job
	Strategy   string
	StatusCode int
	Body       []byte
	Fields     map[string]string
	FetchedAt  time.Time
	FromCache  bool
}

// Outcome is the write-once record of a single attempt. Consumed by the
// recorder to update proxy health, strategy stats and breaker state.
type Outcome struct {
	JobID          string
	Domain         string
	Strategy       string
	Proxy          string
	Success        bool
	Classification Classification
	Latency        time.Duration
	At             time.Time
}

// Challenge describes a solvable interstitial handed to the captcha
// collaborator.
type Challenge struct {
	Site    string
	URL     string
	SiteKey string
	Image   []byte
}

// BehaviorProfile randomizes how the stealth executor drives a page so that
// interaction-pattern checks see organic traffic.
type BehaviorProfile struct {
	NavigationWait time.Duration
	ScrollSteps    int
	ScrollPause    time.Duration
	ThinkTime      time.Duration
}

// WaitConditions tells the browser collaborator what "page is ready" means.
type WaitConditions struct {
	Selector string
	Timeout  time.Duration
}

// IngestRecord is the normalized payload emitted downstream on success.
type IngestRecord struct {
	Domain    string            `json:"domain"`
	URL       string            `json:"url"`
	Fields    map[string]string `json:"fields"`
	Timestamp time.Time         `json:"timestamp"`
}
