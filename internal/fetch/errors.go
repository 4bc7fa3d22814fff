package fetch

import (
	"errors"
	"fmt"
)

// Terminal dispatch errors surfaced to the caller. These are policy
// decisions, not transient glitches; the caller decides whether to requeue.
var (
	ErrCircuitOpen            = errors.New("circuit open for domain")
	ErrProxyUnavailable       = errors.New("no eligible proxy available")
	ErrAllStrategiesExhausted = errors.New("all strategies exhausted")
)

// FatalError marks a job that can never succeed (malformed job, unsupported
// domain). No retry, no escalation.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s", e.Reason)
}

// Fatalf builds a FatalError.
func Fatalf(format string, args ...any) error {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
