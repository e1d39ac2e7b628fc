package sample

import "fmt"

// Stage says where a sample error was raised.
type Stage string

const (
	StageCapture    Stage = "capture"
	StageValidation Stage = "validation"
)

// Kind categorizes capture and validation failures. Every kind is recoverable:
// the user captures again.
type Kind string

const (
	KindInvalidFormat    Kind = "invalid_format"
	KindTooLarge         Kind = "too_large"
	KindTooLong          Kind = "too_long"
	KindEmpty            Kind = "empty"
	KindPermissionDenied Kind = "permission_denied"
	KindAlreadyRecording Kind = "already_recording"
	KindUnavailable      Kind = "input_unavailable"
)

// Error is a capture or validation failure.
type Error struct {
	Stage  Stage
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Detail)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTooLarge) holds
// for both capture- and validation-stage failures.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidFormat    = &Error{Kind: KindInvalidFormat}
	ErrTooLarge         = &Error{Kind: KindTooLarge}
	ErrTooLong          = &Error{Kind: KindTooLong}
	ErrEmpty            = &Error{Kind: KindEmpty}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrAlreadyRecording = &Error{Kind: KindAlreadyRecording}
	ErrUnavailable      = &Error{Kind: KindUnavailable}
)

func newError(stage Stage, kind Kind, format string, args ...any) *Error {
	return &Error{Stage: stage, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// CaptureError builds a capture-stage error.
func CaptureError(kind Kind, format string, args ...any) *Error {
	return newError(StageCapture, kind, format, args...)
}

// Message returns a user-facing message for a failure kind. Permission denial
// gets an actionable message distinct from the generic ones.
func Message(kind Kind) string {
	switch kind {
	case KindInvalidFormat:
		return "Please upload an audio file (MP3, WAV, etc.)."
	case KindTooLarge:
		return "The audio file is too large. The maximum size is 10MB."
	case KindTooLong:
		return "The recording is too long. The maximum length is 2 minutes."
	case KindEmpty:
		return "No audio was captured. Please try again."
	case KindPermissionDenied:
		return "Microphone access denied. Please allow access to your microphone to record audio."
	case KindAlreadyRecording:
		return "A recording is already in progress."
	case KindUnavailable:
		return "The audio input could not be opened. Please try again, or upload a file instead."
	default:
		return "The audio sample could not be used."
	}
}
