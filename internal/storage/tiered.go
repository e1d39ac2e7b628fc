package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
)

// TieredStore combines local disk (source of truth) with S3 (backup).
// Write path: save locally first, then push to S3.
// Read path: local first, S3 fallback with cache-on-read.
type TieredStore struct {
	remote SampleStore
	local  *LocalStore
	log    zerolog.Logger
}

// NewTieredStore creates a tiered local-primary + remote-backup store.
func NewTieredStore(remote SampleStore, local *LocalStore, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		remote: remote,
		local:  local,
		log:    log.With().Str("component", "tiered-store").Logger(),
	}
}

// Save writes to local disk first (fatal on failure), then the remote
// (warning on failure).
func (s *TieredStore) Save(ctx context.Context, key string, data []byte, ct string) error {
	if err := s.local.Save(ctx, key, data, ct); err != nil {
		return err
	}
	if err := s.remote.Save(ctx, key, data, ct); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("remote backup write failed, local copy kept")
	}
	return nil
}

// Open checks local disk first, then falls back to the remote. On a remote
// hit, the sample is cached locally for future reads.
func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if r, err := s.local.Open(ctx, key); err == nil {
		return r, nil
	}
	r, err := s.remote.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}
	if cacheErr := s.local.Save(ctx, key, data, ""); cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("key", key).Msg("failed to cache remote sample locally")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	if s.local.Exists(ctx, key) {
		return true
	}
	return s.remote.Exists(ctx, key)
}

func (s *TieredStore) Type() string { return "tiered" }
