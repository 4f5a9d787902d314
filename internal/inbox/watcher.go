// Package inbox watches a directory for plain-text scripts and reads each new
// one aloud through the session engine.
package inbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/engine"
	"github.com/snarg/readalong/internal/metrics"
	"github.com/snarg/readalong/internal/speech"
)

const defaultDebounce = 500 * time.Millisecond

// Speaker is the part of the engine the watcher drives.
type Speaker interface {
	RequestSpeech(ctx context.Context, text string, p engine.SpeechParams) (*speech.Result, error)
	Play() error
}

// Watcher monitors a directory for new .txt files.
type Watcher struct {
	dir      string
	speaker  Speaker
	debounce time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	// serializes reads so scripts are spoken in arrival order
	speakMu sync.Mutex

	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
}

// New creates a watcher for dir. It does nothing until Start.
func New(dir string, speaker Speaker, log zerolog.Logger) *Watcher {
	return &Watcher{
		dir:            dir,
		speaker:        speaker,
		debounce:       defaultDebounce,
		timeout:        2 * time.Minute,
		log:            log.With().Str("component", "inbox").Logger(),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start creates the directory if needed and begins watching it.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.watchLoop()
	w.log.Info().Str("dir", w.dir).Msg("inbox watcher started")
	return nil
}

// Stop closes the watcher and cancels pending work.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	w.cancel()
	w.watcher.Close()
	<-w.done

	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()

	w.log.Info().
		Int64("files_processed", w.filesProcessed.Load()).
		Int64("files_skipped", w.filesSkipped.Load()).
		Msg("inbox watcher stopped")
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isScript(event.Name) {
				continue
			}
			w.scheduleProcess(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func isScript(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".txt")
}

// scheduleProcess waits until the file has been quiet for the debounce
// interval before reading it.
func (w *Watcher) scheduleProcess(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(w.debounce)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.process(path)
	})
}

// process reads a script and speaks it. A failed generation leaves the text
// loaded for own-clock streaming, which is started instead.
func (w *Watcher) process(path string) {
	if w.ctx.Err() != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to read script")
		w.skip("unreadable")
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		w.skip("empty")
		return
	}

	w.speakMu.Lock()
	defer w.speakMu.Unlock()

	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	log := w.log.With().Str("file", filepath.Base(path)).Int("chars", len([]rune(text))).Logger()
	if _, err := w.speaker.RequestSpeech(ctx, text, engine.SpeechParams{AutoPlay: true}); err != nil {
		log.Warn().Err(err).Msg("speech failed, streaming text only")
		if perr := w.speaker.Play(); perr != nil {
			log.Warn().Err(perr).Msg("text-only streaming could not start")
			w.skip("error")
			return
		}
		w.filesProcessed.Add(1)
		metrics.InboxFilesTotal.WithLabelValues("text_only").Inc()
		return
	}
	w.filesProcessed.Add(1)
	metrics.InboxFilesTotal.WithLabelValues("spoken").Inc()
	log.Info().Msg("script spoken")
}

func (w *Watcher) skip(result string) {
	w.filesSkipped.Add(1)
	metrics.InboxFilesTotal.WithLabelValues(result).Inc()
}

// Processed returns how many scripts were spoken or streamed.
func (w *Watcher) Processed() int64 { return w.filesProcessed.Load() }

// Skipped returns how many files were ignored.
func (w *Watcher) Skipped() int64 { return w.filesSkipped.Load() }
