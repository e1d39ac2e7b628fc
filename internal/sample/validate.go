package sample

import (
	"mime"
	"strings"
)

const (
	DefaultMaxSizeBytes       int64 = 10 * 1024 * 1024
	DefaultMaxDurationSeconds int   = 120
)

// Limits is the acceptance policy for samples.
type Limits struct {
	MaxSizeBytes       int64
	MaxDurationSeconds int
}

// DefaultLimits returns the 10 MB / 120 s policy.
func DefaultLimits() Limits {
	return Limits{
		MaxSizeBytes:       DefaultMaxSizeBytes,
		MaxDurationSeconds: DefaultMaxDurationSeconds,
	}
}

// IsAudioMIME reports whether mimeType belongs to the audio/* category.
func IsAudioMIME(mimeType string) bool {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = strings.TrimSpace(mimeType)
	}
	base = strings.ToLower(base)
	return strings.HasPrefix(base, "audio/") && len(base) > len("audio/")
}

// CheckFormat is the format rule shared by capture and validation.
func CheckFormat(stage Stage, mimeType string) error {
	if !IsAudioMIME(mimeType) {
		return newError(stage, KindInvalidFormat, "mime type %q is not audio/*", mimeType)
	}
	return nil
}

// CheckSize is the size rule shared by capture and validation.
func (l Limits) CheckSize(stage Stage, size int64) error {
	if size <= 0 {
		return newError(stage, KindEmpty, "sample has no audio data")
	}
	if size > l.MaxSizeBytes {
		return newError(stage, KindTooLarge, "%d bytes exceeds limit of %d", size, l.MaxSizeBytes)
	}
	return nil
}

// CheckDuration is the duration rule. Unknown durations (0) pass.
func (l Limits) CheckDuration(stage Stage, seconds float64) error {
	if seconds < 0 {
		return newError(stage, KindTooLong, "negative duration %.2fs", seconds)
	}
	if seconds > float64(l.MaxDurationSeconds) {
		return newError(stage, KindTooLong, "%.1fs exceeds limit of %ds", seconds, l.MaxDurationSeconds)
	}
	return nil
}

// Validate re-checks format, size and, when known, duration of s against l.
// It has no side effects and returns s itself on success, so validating a
// valid sample any number of times yields the same sample.
func Validate(s *AudioSample, l Limits) (*AudioSample, error) {
	if s == nil {
		return nil, newError(StageValidation, KindEmpty, "no sample")
	}
	if err := CheckFormat(StageValidation, s.mimeType); err != nil {
		return nil, err
	}
	if err := l.CheckSize(StageValidation, s.SizeBytes()); err != nil {
		return nil, err
	}
	if err := l.CheckDuration(StageValidation, s.duration); err != nil {
		return nil, err
	}
	return s, nil
}
