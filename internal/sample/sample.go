// Package sample defines the audio sample that flows through the capture,
// validation and classification workflow, together with the size/format/duration
// policy every sample is checked against.
package sample

import (
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceKind records how a sample was captured.
type SourceKind string

const (
	Uploaded SourceKind = "uploaded"
	Recorded SourceKind = "recorded"
)

// Ref identifies one captured sample. Verdicts carry the Ref of the sample
// they were produced for.
type Ref = uuid.UUID

// AudioSample is the unit of work. The payload is owned by the sample and must
// not be modified after New returns.
type AudioSample struct {
	ref         Ref
	payload     []byte
	kind        SourceKind
	mimeType    string
	displayName string
	duration    float64 // seconds; 0 = unknown
	capturedAt  time.Time
}

// Params holds everything needed to build a sample.
type Params struct {
	Payload         []byte
	Kind            SourceKind
	MIMEType        string
	DisplayName     string
	DurationSeconds float64
	CapturedAt      time.Time
}

// New builds a sample from p. The payload is copied so the caller may reuse its
// buffer. New does not validate; use Validate.
func New(p Params) *AudioSample {
	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)
	at := p.CapturedAt
	if at.IsZero() {
		at = time.Now()
	}
	return &AudioSample{
		ref:         uuid.New(),
		payload:     payload,
		kind:        p.Kind,
		mimeType:    p.MIMEType,
		displayName: p.DisplayName,
		duration:    p.DurationSeconds,
		capturedAt:  at,
	}
}

func (s *AudioSample) Ref() Ref { return s.ref }
func (s *AudioSample) Kind() SourceKind { return s.kind }
func (s *AudioSample) MIMEType() string { return s.mimeType }
func (s *AudioSample) DisplayName() string { return s.displayName }
func (s *AudioSample) SizeBytes() int64 { return int64(len(s.payload)) }
func (s *AudioSample) CapturedAt() time.Time { return s.capturedAt }

// Payload returns the raw audio bytes. Callers must treat the slice as read-only.
func (s *AudioSample) Payload() []byte { return s.payload }

// Duration returns the duration in seconds and whether it is known.
func (s *AudioSample) Duration() (float64, bool) {
	return s.duration, s.duration > 0
}

// Metadata is the part of a sample exposed to the presentation layer.
type Metadata struct {
	Ref             string   `json:"ref"`
	Kind            string   `json:"kind"`
	Name            string   `json:"name"`
	MIMEType        string   `json:"mime_type"`
	SizeBytes       int64    `json:"size_bytes"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// Metadata returns the presentation view of s.
func (s *AudioSample) Metadata() Metadata {
	m := Metadata{
		Ref:       s.ref.String(),
		Kind:      string(s.kind),
		Name:      s.displayName,
		MIMEType:  s.mimeType,
		SizeBytes: s.SizeBytes(),
	}
	if d, ok := s.Duration(); ok {
		m.DurationSeconds = &d
	}
	return m
}

// Extension returns a file extension (with dot) for the sample's MIME type.
func (s *AudioSample) Extension() string {
	return ExtensionFor(s.mimeType)
}

var knownExtensions = map[string]string{
	"audio/wav":    ".wav",
	"audio/x-wav":  ".wav",
	"audio/wave":   ".wav",
	"audio/mpeg":   ".mp3",
	"audio/mp3":    ".mp3",
	"audio/ogg":    ".ogg",
	"audio/flac":   ".flac",
	"audio/x-flac": ".flac",
	"audio/webm":   ".webm",
	"audio/mp4":    ".m4a",
	"audio/x-m4a":  ".m4a",
	"audio/aac":    ".aac",
}

// ExtensionFor maps an audio MIME type to a file extension. Unknown types get ".bin".
func ExtensionFor(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(mimeType))
	}
	if ext, ok := knownExtensions[base]; ok {
		return ext
	}
	return ".bin"
}
