package engine

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/strategy"
)

// Classifier buckets every raw result or low-level error into exactly one
// outcome class. The dispatcher's escalation control flow is a plain switch
// over the result, so block and captcha paths are testable without fault
// injection.
type Classifier struct {
	blockMarkers   []string
	captchaMarkers []string
}

// DefaultBlockMarkers are interstitial fragments common to the major
// anti-automation vendors.
var DefaultBlockMarkers = []string{
	"access denied",
	"verify you are a human",
	"are you a robot",
	"unusual traffic",
	"attention required",
	"request blocked",
}

// DefaultCaptchaMarkers indicate a solvable challenge.
var DefaultCaptchaMarkers = []string{
	"g-recaptcha",
	"h-captcha",
	"cf-turnstile",
	"captcha",
}

// NewClassifier builds a Classifier; nil marker slices fall back to defaults.
func NewClassifier(blockMarkers, captchaMarkers []string) *Classifier {
	if len(blockMarkers) == 0 {
		blockMarkers = DefaultBlockMarkers
	}
	if len(captchaMarkers) == 0 {
		captchaMarkers = DefaultCaptchaMarkers
	}
	return &Classifier{
		blockMarkers:   lower(blockMarkers),
		captchaMarkers: lower(captchaMarkers),
	}
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Classify maps an executor's answer to an outcome class.
func (c *Classifier) Classify(job fetch.Job, result fetch.RawResult, err error) fetch.Classification {
	if err != nil {
		return c.classifyError(err)
	}

	body := strings.ToLower(string(result.Body))

	// Marker scans only run on suspicious responses so that marker words in
	// ordinary page content cannot misclassify a clean fetch.
	suspicious := result.StatusCode == 403 || result.StatusCode == 503 ||
		len(result.BlockSignals) > 0 ||
		(len(job.Fields) > 0 && len(result.Fields) == 0)
	if suspicious {
		if c.captchaSignal(result, body) {
			return fetch.ClassCaptchaChallenge
		}
		if c.blockSignal(job, result, body) {
			return fetch.ClassBlockDetected
		}
	}

	switch {
	case result.StatusCode >= 200 && result.StatusCode < 300:
		if len(job.Fields) > 0 && len(result.Fields) == 0 {
			// Expected fields, extracted none: an empty shell page is a
			// block pattern, not a success.
			return fetch.ClassBlockDetected
		}
		return fetch.ClassSuccess
	case result.StatusCode >= 500:
		return fetch.ClassRetryable
	case result.StatusCode == 429:
		return fetch.ClassRetryable
	case result.StatusCode == 404 || result.StatusCode == 410:
		return fetch.ClassFatal
	default:
		return fetch.ClassRetryable
	}
}

func (c *Classifier) classifyError(err error) fetch.Classification {
	if fetch.IsFatal(err) {
		return fetch.ClassFatal
	}
	if errors.Is(err, strategy.ErrNoEndpoint) {
		// Should have been filtered before ranking; escalate rather than
		// burn retries on a tier that can never answer.
		return fetch.ClassBlockDetected
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fetch.ClassRetryable
	}
	return fetch.ClassRetryable
}

func (c *Classifier) captchaSignal(result fetch.RawResult, body string) bool {
	for _, sig := range result.BlockSignals {
		if strings.Contains(strings.ToLower(sig), "captcha") {
			return true
		}
	}
	for _, marker := range c.captchaMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

func (c *Classifier) blockSignal(job fetch.Job, result fetch.RawResult, body string) bool {
	if len(result.BlockSignals) > 0 {
		return true
	}
	if result.StatusCode == 403 || result.StatusCode == 503 {
		for _, marker := range c.blockMarkers {
			if strings.Contains(body, marker) {
				return true
			}
		}
		// 403 on a page that for sure exists reads as a fingerprint
		// rejection even without a marker.
		if result.StatusCode == 403 {
			return true
		}
	}
	return false
}
