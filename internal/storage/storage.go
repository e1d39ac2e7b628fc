package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/config"
	"github.com/snarg/voice-sentinel/internal/sample"
)

// SampleStore abstracts archive backends for analyzed samples.
type SampleStore interface {
	// Save stores sample data. key format: {kind}/{YYYY-MM-DD}/{sampleRef}{ext}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for an archived sample.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a sample is archived in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// ErrNotConfigured is returned by New when no archive backend is configured.
var ErrNotConfigured = errors.New("no archive backend configured")

// New creates a SampleStore from config: local only, S3 only, or tiered when
// both are set. Returns an error if S3 is configured but unreachable.
func New(ctx context.Context, cfg config.S3Config, archiveDir string, log zerolog.Logger) (SampleStore, error) {
	if !cfg.Enabled() {
		if archiveDir == "" {
			return nil, ErrNotConfigured
		}
		return NewLocalStore(archiveDir), nil
	}

	s3store, err := NewS3Store(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(checkCtx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if archiveDir == "" {
		return s3store, nil
	}
	return NewTieredStore(s3store, NewLocalStore(archiveDir), log), nil
}

// Key returns the archive key for a sample.
func Key(s *sample.AudioSample) string {
	day := s.CapturedAt().UTC().Format("2006-01-02")
	return string(s.Kind()) + "/" + day + "/" + s.Ref().String() + s.Extension()
}
