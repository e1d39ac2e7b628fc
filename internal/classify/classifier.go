// Package classify submits audio samples to the voice classification service.
package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snarg/voice-sentinel/internal/sample"
)

// Classifier is the classification capability. Implementations must not retry;
// retry is a user decision.
type Classifier interface {
	Classify(ctx context.Context, s *sample.AudioSample) (*Verdict, error)
	Name() string
}

// Verdict is the result of classifying one sample. It is immutable once built.
type Verdict struct {
	IsAuthentic       bool
	ConfidencePercent int
	SampleRef         sample.Ref

	// Score and Label carry the raw service output when the service reports
	// a synthetic-voice probability instead of a verdict.
	Score    *float64
	Label    string
	Provider string
	Latency  time.Duration
}

// ErrorKind categorizes classification failures.
type ErrorKind string

const (
	KindTimeout            ErrorKind = "timeout"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindMalformedResponse  ErrorKind = "malformed_response"
)

// Error is a classification failure. All kinds are surfaced to the user with
// a retry affordance.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrMalformedResponse  = &Error{Kind: KindMalformedResponse}
)

// KindOf returns the failure kind of err. Errors that are not classification
// errors are reported as service_unavailable.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindServiceUnavailable
}

// Message returns a user-facing message for a failure kind.
func Message(kind ErrorKind) string {
	switch kind {
	case KindTimeout:
		return "The analysis took too long to respond. Please try again."
	case KindMalformedResponse:
		return "The analysis service returned an unexpected result. Please try again."
	default:
		return "The analysis service is unavailable right now. Please try again."
	}
}
