// Package synchronizer compares the playback clock with the text cursor on
// every tick, classifies the drift and pulls the cursor back into line when
// it drifts past the acceptable tier.
package synchronizer

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/metrics"
	"github.com/snarg/readalong/internal/playback"
)

const DefaultHistorySize = 10

// AudioSource is the playback clock being followed.
type AudioSource interface {
	Phase() playback.Phase
	Position() float64
}

// Cursor is the text cursor being corrected.
type Cursor interface {
	Cursor() int
	Len() int
	Rate() float64
	Correct(index int)
}

// Sample is one tick's measurement.
type Sample struct {
	AudioTime     float64   `json:"audio_time_seconds"`
	ExpectedIndex int       `json:"expected_text_index"`
	ActualIndex   int       `json:"actual_text_index"`
	DriftMs       float64   `json:"drift_ms"`
	Quality       Quality   `json:"quality"`
	Corrected     bool      `json:"corrected"`
	At            time.Time `json:"at"`
}

// Status is the current sync picture for display.
type Status struct {
	Monitoring     bool     `json:"monitoring"`
	Current        *Sample  `json:"current,omitempty"`
	Synchronized   bool     `json:"synchronized"`
	QualityPercent int      `json:"quality_percent"`
	Description    string   `json:"description"`
	Accuracy       string   `json:"accuracy,omitempty"`
	History        []Sample `json:"history"`
}

// Options configures a Synchronizer.
type Options struct {
	Thresholds  Thresholds
	MinRate     float64
	MaxRate     float64
	HistorySize int
	Log         zerolog.Logger
	// OnSample receives every sample, after the correction was applied.
	OnSample func(Sample)
}

// Synchronizer keeps a text cursor aligned with a playback clock.
type Synchronizer struct {
	audio      AudioSource
	text       Cursor
	thresholds Thresholds
	minRate    float64
	maxRate    float64
	log        zerolog.Logger
	onSample   func(Sample)

	// tickMu serializes Step with Start/StopMonitoring, so once
	// StopMonitoring returns no tick is in flight or can begin its body.
	tickMu sync.Mutex

	mu         sync.Mutex
	monitoring bool
	current    *Sample
	history    []Sample // ring, oldest first
	historyCap int
}

// New creates a Synchronizer following audio and correcting text.
func New(audio AudioSource, text Cursor, opts Options) *Synchronizer {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds
	}
	if opts.MinRate <= 0 {
		opts.MinRate = 5
	}
	if opts.MaxRate < opts.MinRate {
		opts.MaxRate = math.Max(25, opts.MinRate)
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Synchronizer{
		audio:      audio,
		text:       text,
		thresholds: opts.Thresholds,
		minRate:    opts.MinRate,
		maxRate:    opts.MaxRate,
		log:        opts.Log.With().Str("component", "synchronizer").Logger(),
		onSample:   opts.OnSample,
		historyCap: opts.HistorySize,
	}
}

// StartMonitoring enables ticking.
func (s *Synchronizer) StartMonitoring() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.mu.Lock()
	s.monitoring = true
	s.mu.Unlock()
}

// StopMonitoring disables ticking. It waits for an in-flight tick to finish
// and is safe to call at any time, any number of times.
func (s *Synchronizer) StopMonitoring() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.mu.Lock()
	s.monitoring = false
	s.mu.Unlock()
}

// Monitoring reports whether ticks are enabled.
func (s *Synchronizer) Monitoring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitoring
}

// Step runs one tick. It does nothing unless monitoring and the audio is
// playing. The sample is delivered to OnSample after the tick released its
// locks.
func (s *Synchronizer) Step(now time.Time) {
	sample, ok := s.tick(now)
	if ok && s.onSample != nil {
		s.onSample(sample)
	}
}

func (s *Synchronizer) tick(now time.Time) (Sample, bool) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	on := s.monitoring
	s.mu.Unlock()
	if !on || s.audio.Phase() != playback.PhasePlaying {
		return Sample{}, false
	}

	sample := s.measure(now)
	if s.thresholds.NeedsCorrection(sample.DriftMs) {
		s.text.Correct(sample.ExpectedIndex)
		sample.Corrected = true
		metrics.SyncCorrectionsTotal.Inc()
	}
	metrics.SyncSamplesTotal.WithLabelValues(string(sample.Quality)).Inc()
	metrics.SyncDrift.Observe(sample.DriftMs)

	s.mu.Lock()
	s.current = &sample
	if sample.Quality == Poor || sample.Quality == Failed {
		s.appendHistoryLocked(sample)
	}
	s.mu.Unlock()

	if sample.Corrected {
		s.log.Debug().
			Int("from", sample.ActualIndex).
			Int("to", sample.ExpectedIndex).
			Str("drift", FormatDrift(sample.DriftMs)).
			Msg("text cursor corrected")
	}
	return sample, true
}

// measure computes a sample from the current audio position and cursor.
func (s *Synchronizer) measure(now time.Time) Sample {
	audioTime := s.audio.Position()
	rate := s.textRate()

	expected := int(math.Floor(audioTime * rate))
	if n := s.text.Len(); expected > n {
		expected = n
	}
	if expected < 0 {
		expected = 0
	}
	actual := s.text.Cursor()

	driftChars := actual - expected
	if driftChars < 0 {
		driftChars = -driftChars
	}
	driftMs := float64(driftChars) * 1000 / rate

	return Sample{
		AudioTime:     audioTime,
		ExpectedIndex: expected,
		ActualIndex:   actual,
		DriftMs:       driftMs,
		Quality:       s.thresholds.Classify(driftMs),
		At:            now,
	}
}

func (s *Synchronizer) textRate() float64 {
	r := s.text.Rate()
	if math.IsNaN(r) || r < s.minRate {
		return s.minRate
	}
	if r > s.maxRate {
		return s.maxRate
	}
	return r
}

func (s *Synchronizer) appendHistoryLocked(sample Sample) {
	if len(s.history) == s.historyCap {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, sample)
}

// Current returns the latest sample.
func (s *Synchronizer) Current() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Sample{}, false
	}
	return *s.current, true
}

// History returns the retained Poor/Failed samples, oldest first.
func (s *Synchronizer) History() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.history))
	copy(out, s.history)
	return out
}

// Status returns the current sample with its display fields.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Monitoring:  s.monitoring,
		History:     make([]Sample, len(s.history)),
		Description: "Not monitoring",
	}
	copy(st.History, s.history)
	if s.current != nil {
		cur := *s.current
		st.Current = &cur
		st.Synchronized = s.thresholds.IsSynchronized(cur)
		st.QualityPercent = QualityPercent(cur.Quality)
		st.Description = Describe(cur)
		st.Accuracy = FormatDrift(cur.DriftMs)
	}
	return st
}

// Thresholds returns the configured tiers.
func (s *Synchronizer) Thresholds() Thresholds {
	return s.thresholds
}

// Reset drops the current sample and the history.
func (s *Synchronizer) Reset() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.mu.Lock()
	s.current = nil
	s.history = nil
	s.mu.Unlock()
}
