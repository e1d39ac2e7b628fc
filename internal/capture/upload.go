// Package capture produces validated audio samples from user input: uploaded
// files and live microphone recordings.
package capture

import (
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/sample"
)

// Entry names the path a file took into the uploader. Every entry goes through
// the same validation routine.
type Entry string

const (
	EntryPicker Entry = "picker"
	EntryDrop   Entry = "drop"
	EntryWatch  Entry = "watch"
	EntryAPI    Entry = "api"
)

// FileInput is a file-like upload: a declared MIME type and byte length plus
// the content itself.
type FileInput struct {
	Name      string
	MIMEType  string
	SizeBytes int64 // declared length; -1 if unknown
	Content   io.Reader
	Via       Entry
}

// Uploader is the upload variant of the capture source.
type Uploader struct {
	limits sample.Limits
	log    zerolog.Logger
}

// NewUploader creates an uploader enforcing limits.
func NewUploader(limits sample.Limits, log zerolog.Logger) *Uploader {
	return &Uploader{
		limits: limits,
		log:    log.With().Str("component", "uploader").Logger(),
	}
}

// SelectFile validates in and builds an Uploaded sample from it. The declared
// size is checked before any content is read, and the content is read through
// a limit so a lying declaration cannot push a sample past the ceiling.
// A missing or generic MIME type is filled by sniffing the content; a declared
// type is never overridden.
func (u *Uploader) SelectFile(in FileInput) (*sample.AudioSample, error) {
	if in.SizeBytes > u.limits.MaxSizeBytes {
		return nil, u.reject(in, sample.CaptureError(sample.KindTooLarge,
			"%d bytes exceeds limit of %d", in.SizeBytes, u.limits.MaxSizeBytes))
	}

	declared := strings.TrimSpace(in.MIMEType)
	if declared != "" && !isGenericMIME(declared) {
		if err := sample.CheckFormat(sample.StageCapture, declared); err != nil {
			return nil, u.reject(in, err)
		}
	}

	if in.Content == nil {
		return nil, u.reject(in, sample.CaptureError(sample.KindEmpty, "no content"))
	}
	data, err := io.ReadAll(io.LimitReader(in.Content, u.limits.MaxSizeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload %q: %w", in.Name, err)
	}
	if err := u.limits.CheckSize(sample.StageCapture, int64(len(data))); err != nil {
		return nil, u.reject(in, err)
	}

	mimeType := declared
	if mimeType == "" || isGenericMIME(mimeType) {
		mimeType = mimetype.Detect(data).String()
		if err := sample.CheckFormat(sample.StageCapture, mimeType); err != nil {
			return nil, u.reject(in, err)
		}
	}

	name := in.Name
	if name == "" {
		name = "upload" + sample.ExtensionFor(mimeType)
	}

	s := sample.New(sample.Params{
		Payload:     data,
		Kind:        sample.Uploaded,
		MIMEType:    mimeType,
		DisplayName: name,
	})
	u.log.Debug().
		Str("via", string(in.Via)).
		Str("name", name).
		Str("mime_type", mimeType).
		Int64("size", s.SizeBytes()).
		Str("sample_ref", s.Ref().String()).
		Msg("upload captured")
	return s, nil
}

func (u *Uploader) reject(in FileInput, err error) error {
	u.log.Debug().Err(err).
		Str("via", string(in.Via)).
		Str("name", in.Name).
		Str("mime_type", in.MIMEType).
		Msg("upload rejected")
	return err
}

// Limits returns the policy the uploader enforces.
func (u *Uploader) Limits() sample.Limits { return u.limits }

func isGenericMIME(m string) bool {
	m = strings.ToLower(m)
	return strings.HasPrefix(m, "application/octet-stream")
}
