package journal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/metrics"
)

// Table names as they appear in logs and metrics.
const (
	tableGenerations = "speech_generations"
	tableIncidents   = "sync_incidents"
	tableErrors      = "engine_errors"
)

// pendingRows holds unwritten rows for every journal table.
type pendingRows struct {
	generations []GenerationRow
	incidents   []SyncIncidentRow
	errs        []ErrorRow
}

func (p *pendingRows) len() int {
	return len(p.generations) + len(p.incidents) + len(p.errs)
}

// spoolOptions tunes when the spool writes and how much it buffers.
type spoolOptions struct {
	FlushRows     int           // write once this many rows are pending
	FlushInterval time.Duration // write pending rows at least this often
	MaxPending    int           // rows beyond this are dropped while a write is slow
	WriteTimeout  time.Duration
}

var defaultSpoolOptions = spoolOptions{
	FlushRows:     100,
	FlushInterval: 2 * time.Second,
	MaxPending:    5000,
	WriteTimeout:  10 * time.Second,
}

// spool buffers journal rows from engine callbacks and writes them from a
// single goroutine, one table after another: generations, incidents, errors.
// Enqueueing never blocks on Postgres.
type spool struct {
	w    Writer
	opts spoolOptions
	log  zerolog.Logger

	mu      sync.Mutex
	pending pendingRows
	closed  bool

	kick chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newSpool(w Writer, opts spoolOptions, log zerolog.Logger) *spool {
	if opts.FlushRows < 1 {
		opts.FlushRows = defaultSpoolOptions.FlushRows
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultSpoolOptions.FlushInterval
	}
	if opts.MaxPending < opts.FlushRows {
		opts.MaxPending = opts.FlushRows
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultSpoolOptions.WriteTimeout
	}
	s := &spool{
		w:    w,
		opts: opts,
		log:  log,
		kick: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// enqueue appends rows under the lock via add. It returns false when the
// spool is closed or full, in which case the row is counted as dropped.
func (s *spool) enqueue(table string, add func(p *pendingRows)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.pending.len() >= s.opts.MaxPending {
		s.mu.Unlock()
		metrics.JournalRowsDroppedTotal.WithLabelValues(table, "spool_full").Inc()
		return false
	}
	add(&s.pending)
	full := s.pending.len() >= s.opts.FlushRows
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return true
}

func (s *spool) addGeneration(r GenerationRow) bool {
	return s.enqueue(tableGenerations, func(p *pendingRows) { p.generations = append(p.generations, r) })
}

func (s *spool) addIncident(r SyncIncidentRow) bool {
	return s.enqueue(tableIncidents, func(p *pendingRows) { p.incidents = append(p.incidents, r) })
}

func (s *spool) addError(r ErrorRow) bool {
	return s.enqueue(tableErrors, func(p *pendingRows) { p.errs = append(p.errs, r) })
}

// pendingCount returns the number of rows not yet handed to the writer.
func (s *spool) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.len()
}

// close stops accepting rows, writes what is pending, and waits. Safe to call
// more than once.
func (s *spool) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.quit)
	})
	<-s.done
}

func (s *spool) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.kick:
		case <-ticker.C:
		case <-s.quit:
			s.flush()
			return
		}
		s.flush()
	}
}

func (s *spool) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = pendingRows{}
	s.mu.Unlock()

	if len(batch.generations) > 0 {
		s.write(tableGenerations, len(batch.generations), func(ctx context.Context) (int64, error) {
			return s.w.InsertGenerations(ctx, batch.generations)
		})
	}
	if len(batch.incidents) > 0 {
		s.write(tableIncidents, len(batch.incidents), func(ctx context.Context) (int64, error) {
			return s.w.InsertSyncIncidents(ctx, batch.incidents)
		})
	}
	if len(batch.errs) > 0 {
		s.write(tableErrors, len(batch.errs), func(ctx context.Context) (int64, error) {
			return s.w.InsertErrors(ctx, batch.errs)
		})
	}
}

func (s *spool) write(table string, n int, fn func(context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	written, err := fn(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("table", table).Int("rows", n).Msg("journal write failed, rows dropped")
		metrics.JournalRowsDroppedTotal.WithLabelValues(table, "write_failed").Add(float64(n))
		return
	}
	metrics.JournalRowsTotal.WithLabelValues(table).Add(float64(written))
}
