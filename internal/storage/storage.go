package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/config"
)

// AudioStore abstracts storage backends for rendered speech.
type AudioStore interface {
	// Save stores audio data. key format: tts/{xx}/{sha256}.{format}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// LocalPath returns the local filesystem path if the file exists on disk.
	// Returns "" if not available locally.
	LocalPath(key string) string

	// Open returns a reader for the audio file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an audio file exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// objectStore is the remote tier as seen by the tiered store, the pruner and
// the uploader.
type objectStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) bool
}

// New creates an AudioStore based on config. Returns the store and optional
// background services (pruner, uploader) that the caller must Start/Stop.
// Returns an error if S3 is configured but unreachable.
func New(s3cfg config.S3Config, cache config.CacheConfig, log zerolog.Logger) (AudioStore, []BackgroundService, error) {
	if !s3cfg.Enabled() {
		local := NewLocalStore(cache.Dir)
		var services []BackgroundService
		if cache.Retention > 0 || cache.MaxGB > 0 {
			services = append(services, NewCachePruner(local, cache.Retention, cache.MaxGB, nil, log))
		}
		return local, services, nil
	}

	s3store, err := NewS3Store(s3cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			s3cfg.Bucket, s3cfg.Endpoint, err)
	}
	log.Info().Str("bucket", s3cfg.Bucket).Str("endpoint", s3cfg.Endpoint).Msg("S3 connection verified")

	if !s3cfg.LocalCache {
		return s3store, nil, nil
	}

	// Tiered mode: local primary + S3 backup
	uploader := NewAsyncUploader(s3store, s3cfg.UploadQueue, log)
	local := NewLocalStore(cache.Dir)
	tiered := NewTieredStore(s3store, local, uploader, log)

	services := []BackgroundService{uploader}
	if cache.Retention > 0 || cache.MaxGB > 0 {
		services = append(services, NewCachePruner(local, cache.Retention, cache.MaxGB, s3store, log))
	}
	return tiered, services, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}
