package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/fault"
	"github.com/snarg/readalong/internal/playback"
	"github.com/snarg/readalong/internal/speech"
	"github.com/snarg/readalong/internal/synchronizer"
)

// Writer persists journal rows. *DB implements it.
type Writer interface {
	InsertGenerations(ctx context.Context, rows []GenerationRow) (int64, error)
	InsertSyncIncidents(ctx context.Context, rows []SyncIncidentRow) (int64, error)
	InsertErrors(ctx context.Context, rows []ErrorRow) (int64, error)
}

// Recorder is an engine listener that journals generations, Poor and Failed
// sync samples and errors. Rows are spooled and written in batches; a failed
// write is logged and dropped.
type Recorder struct {
	session string
	now     func() time.Time
	spool   *spool
}

// NewRecorder creates a recorder writing rows for one session.
func NewRecorder(w Writer, session string, log zerolog.Logger) *Recorder {
	return newRecorder(w, session, defaultSpoolOptions, log)
}

func newRecorder(w Writer, session string, opts spoolOptions, log zerolog.Logger) *Recorder {
	log = log.With().Str("component", "journal-recorder").Str("session", session).Logger()
	return &Recorder{
		session: session,
		now:     time.Now,
		spool:   newSpool(w, opts, log),
	}
}

// Stop writes pending rows and waits for the writes. Rows reported after Stop
// are discarded.
func (r *Recorder) Stop() { r.spool.close() }

func (r *Recorder) OnPlaybackStateChanged(playback.State) {}

func (r *Recorder) OnTextCursorChanged(int) {}

func (r *Recorder) OnCompletion() {}

func (r *Recorder) OnSyncStateChanged(s synchronizer.Sample) {
	if s.Quality != synchronizer.Poor && s.Quality != synchronizer.Failed {
		return
	}
	at := s.At
	if at.IsZero() {
		at = r.now()
	}
	r.spool.addIncident(SyncIncidentRow{
		SessionID:     r.session,
		AudioTime:     s.AudioTime,
		ExpectedIndex: s.ExpectedIndex,
		ActualIndex:   s.ActualIndex,
		DriftMs:       s.DriftMs,
		Quality:       string(s.Quality),
		Corrected:     s.Corrected,
		Message:       IncidentMessage(s.DriftMs, at),
		Time:          at,
	})
}

func (r *Recorder) OnError(kind fault.Kind, message string) {
	r.spool.addError(ErrorRow{
		SessionID: r.session,
		Kind:      string(kind),
		Message:   message,
		Time:      r.now(),
	})
}

func (r *Recorder) OnSpeechGenerated(meta speech.Metadata) {
	r.spool.addGeneration(GenerationRow{
		SessionID:    r.session,
		Provider:     meta.Provider,
		VoiceID:      meta.VoiceID,
		ModelID:      meta.ModelID,
		TextLength:   meta.TextLength,
		Attempts:     meta.Attempts,
		GenerationMs: float64(meta.GenerationTime) / float64(time.Millisecond),
		SampleRate:   meta.SampleRate,
		Channels:     meta.Channels,
		Cached:       meta.Cached,
		Time:         r.now(),
	})
}

// IncidentMessage formats a sync incident, e.g.
// "sync accuracy 250.0ms at 2024-01-02T15:04:05Z".
func IncidentMessage(driftMs float64, at time.Time) string {
	return fmt.Sprintf("sync accuracy %.1fms at %s", driftMs, at.UTC().Format(time.RFC3339))
}
