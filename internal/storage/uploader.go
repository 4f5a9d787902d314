package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const uploadTimeout = 30 * time.Second

// AsyncUploader pushes cached renderings to the remote tier without blocking
// speech generation. Files are already saved locally before being enqueued,
// so a dropped or failed upload loses nothing.
type AsyncUploader struct {
	remote  objectStore
	workers int
	ch      chan uploadJob
	log     zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

type uploadJob struct {
	key         string
	data        []byte
	contentType string
}

// NewAsyncUploader creates an uploader with the given queue size.
func NewAsyncUploader(remote objectStore, bufferSize int, log zerolog.Logger) *AsyncUploader {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &AsyncUploader{
		remote:  remote,
		workers: 2,
		ch:      make(chan uploadJob, bufferSize),
		log:     log.With().Str("component", "async-uploader").Logger(),
	}
}

// Enqueue adds an upload job. Non-blocking: drops with a warning if the queue
// is full or the uploader stopped.
func (u *AsyncUploader) Enqueue(key string, data []byte, contentType string) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.stopped {
		return
	}
	select {
	case u.ch <- uploadJob{key: key, data: data, contentType: contentType}:
	default:
		u.log.Warn().Str("key", key).Msg("upload queue full, skipping (file safe in cache)")
	}
}

// Start launches the worker goroutines.
func (u *AsyncUploader) Start() {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	u.log.Info().Int("workers", u.workers).Int("buffer", cap(u.ch)).Msg("async uploader started")
}

// Stop drains the queue and waits for the workers. Safe to call twice.
func (u *AsyncUploader) Stop() {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.stopped = true
	close(u.ch)
	u.mu.Unlock()
	u.wg.Wait()
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for job := range u.ch {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		if err := u.remote.Save(ctx, job.key, job.data, job.contentType); err != nil {
			u.log.Error().Err(err).Str("key", job.key).Msg("async upload failed (file safe in cache)")
		}
		cancel()
	}
}
