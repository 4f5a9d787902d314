// Package engine wires one read-along session: speech generation, playback,
// the text cursor and the synchronizer that keeps them together, all driven by
// a single scheduler.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/clock"
	"github.com/snarg/readalong/internal/fault"
	"github.com/snarg/readalong/internal/metrics"
	"github.com/snarg/readalong/internal/playback"
	"github.com/snarg/readalong/internal/scheduler"
	"github.com/snarg/readalong/internal/speech"
	"github.com/snarg/readalong/internal/synchronizer"
	"github.com/snarg/readalong/internal/textstream"
)

// Generator renders speech. *speech.Client implements it.
type Generator interface {
	Generate(ctx context.Context, req speech.Request) (*speech.Result, error)
}

// Settings are the tunables of a session.
type Settings struct {
	TickHz         int
	TextRate       float64
	MinRate        float64
	MaxRate        float64
	Thresholds     synchronizer.Thresholds
	HistorySize    int
	AudioDriven    bool // text follows the playback state machine
	MatchAudioRate bool // derive the text rate from the audio duration

	VoiceID string
	ModelID string
	Voice   speech.VoiceParams
}

// DefaultSettings returns the stock session settings.
func DefaultSettings() Settings {
	return Settings{
		TickHz:         scheduler.DefaultHz,
		TextRate:       textstream.DefaultRate,
		MinRate:        textstream.DefaultMin,
		MaxRate:        textstream.DefaultMax,
		Thresholds:     synchronizer.DefaultThresholds,
		HistorySize:    synchronizer.DefaultHistorySize,
		AudioDriven:    true,
		MatchAudioRate: true,
	}
}

// Options configures an Engine.
type Options struct {
	// Generator may be nil, in which case every speech request degrades to
	// text-only streaming.
	Generator Generator
	Device    playback.Device
	Clock     clock.Clock
	Settings  Settings
	Log       zerolog.Logger
	Session   string // generated when empty
}

// SpeechParams are per-request overrides for RequestSpeech.
type SpeechParams struct {
	VoiceID  string
	ModelID  string
	Voice    *speech.VoiceParams
	TextRate float64 // 0 picks the rate from settings or the audio duration
	AutoPlay bool
}

// Snapshot is the full session picture.
type Snapshot struct {
	Session    string              `json:"session"`
	Playback   playback.State      `json:"playback"`
	Text       textstream.State    `json:"text"`
	Sync       synchronizer.Status `json:"sync"`
	Controls   Controls            `json:"controls"`
	TextOnly   bool                `json:"text_only"`
	Generating bool                `json:"generating"`
	Speech     *speech.Metadata    `json:"speech,omitempty"`
}

type listenerEntry struct {
	id uint64
	l  Listener
}

// Engine is one session. Engines share no state.
type Engine struct {
	session  string
	settings Settings
	gen      Generator
	log      zerolog.Logger

	playback *playback.Controller
	text     *textstream.Controller
	sync     *synchronizer.Synchronizer
	driver   *scheduler.Driver

	lmu       sync.RWMutex
	listeners []listenerEntry
	nextID    uint64

	generating atomic.Bool

	mu         sync.Mutex
	lastSpeech *speech.Metadata
}

// New builds an engine. The scheduler is not running until Start.
func New(opts Options) *Engine {
	s := opts.Settings
	if s == (Settings{}) {
		s = DefaultSettings()
	}
	if s.TextRate <= 0 {
		s.TextRate = textstream.DefaultRate
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Session == "" {
		opts.Session = uuid.NewString()
	}

	e := &Engine{
		session:  opts.Session,
		settings: s,
		gen:      opts.Generator,
		log:      opts.Log.With().Str("component", "engine").Str("session", opts.Session).Logger(),
	}

	e.playback = playback.NewController(playback.Options{
		Device:   opts.Device,
		Clock:    opts.Clock,
		Log:      opts.Log,
		OnChange: e.onPlayback,
	})
	e.text = textstream.NewController(textstream.Options{
		Clock:      opts.Clock,
		MinRate:    s.MinRate,
		MaxRate:    s.MaxRate,
		Log:        opts.Log,
		OnCursor:   e.onCursor,
		OnComplete: e.onComplete,
	})
	e.text.Load("", s.TextRate)
	e.sync = synchronizer.New(e.playback, e.text, synchronizer.Options{
		Thresholds:  s.Thresholds,
		MinRate:     s.MinRate,
		MaxRate:     s.MaxRate,
		HistorySize: s.HistorySize,
		Log:         opts.Log,
		OnSample:    e.onSample,
	})
	// synchronizer first so a correction is observed before the text advances
	e.driver = scheduler.NewDriver(s.TickHz, opts.Clock, opts.Log, e.sync, e.text)
	return e
}

// Session returns the session ID.
func (e *Engine) Session() string { return e.session }

// Start launches the scheduler.
func (e *Engine) Start() { e.driver.Start() }

// Close stops the scheduler and the audio output.
func (e *Engine) Close() {
	e.driver.Stop()
	e.sync.StopMonitoring()
	e.playback.Unload()
}

// Subscribe registers l and returns a function that removes it. Listeners are
// called in subscription order. The returned function is idempotent.
func (e *Engine) Subscribe(l Listener) func() {
	e.lmu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, listenerEntry{id: id, l: l})
	e.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.lmu.Lock()
			defer e.lmu.Unlock()
			for i, entry := range e.listeners {
				if entry.id == id {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// RequestSpeech renders text and loads it for playback together with the
// text stream. When generation fails the text is still loaded so that Play
// streams it on its own clock, and the error is returned.
func (e *Engine) RequestSpeech(ctx context.Context, text string, p SpeechParams) (*speech.Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, e.fail(fault.New(fault.KindValidation, "request_speech", "text is empty"))
	}
	if err := e.checkLoadable(); err != nil {
		return nil, err
	}
	if !e.generating.CompareAndSwap(false, true) {
		return nil, e.fail(fault.New(fault.KindPrecondition, "request_speech", "speech generation already in progress"))
	}
	defer e.generating.Store(false)

	res, err := e.generate(ctx, text, p)
	if err != nil {
		var fb *speech.FallbackError
		if errors.As(err, &fb) && fb.Fallback != nil {
			e.log.Warn().Err(err).Msg("speech generation failed, using cached rendering")
			e.fail(err)
			res, err = fb.Fallback, nil
		}
	}
	if err != nil {
		e.degrade(text, p.TextRate)
		return nil, e.fail(err)
	}

	// playback may have been started by another caller while we waited
	if err := e.checkLoadable(); err != nil {
		return nil, err
	}
	e.playback.Unload()
	e.sync.StopMonitoring()
	e.sync.Reset()
	if err := e.playback.Load(res.Buffer); err != nil {
		e.degrade(text, p.TextRate)
		return nil, e.fail(err)
	}
	rate := e.textRateFor(text, res.Duration, p.TextRate)
	e.text.Load(text, rate)

	meta := res.Metadata
	e.mu.Lock()
	e.lastSpeech = &meta
	e.mu.Unlock()
	e.dispatchSpeech(meta)

	e.log.Info().
		Int("chars", meta.TextLength).
		Float64("duration_s", res.Duration).
		Float64("text_rate", rate).
		Bool("cached", meta.Cached).
		Msg("speech loaded")

	if p.AutoPlay {
		if err := e.Play(); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) generate(ctx context.Context, text string, p SpeechParams) (*speech.Result, error) {
	if e.gen == nil {
		return nil, fault.New(fault.KindPrecondition, "generate", "no speech provider configured")
	}
	req := speech.Request{
		Text:    text,
		VoiceID: e.settings.VoiceID,
		ModelID: e.settings.ModelID,
		Voice:   e.settings.Voice,
	}
	if p.VoiceID != "" {
		req.VoiceID = p.VoiceID
	}
	if p.ModelID != "" {
		req.ModelID = p.ModelID
	}
	if p.Voice != nil {
		req.Voice = *p.Voice
	}
	return e.gen.Generate(ctx, req)
}

// checkLoadable rejects new audio while output is active and stops a loaded
// but unplayed buffer.
func (e *Engine) checkLoadable() error {
	switch e.playback.Phase() {
	case playback.PhasePlaying, playback.PhasePaused:
		return e.fail(fault.New(fault.KindPrecondition, "request_speech", "stop playback before loading new audio"))
	case playback.PhaseLoaded:
		return e.fail(e.playback.Stop())
	}
	return nil
}

// degrade loads text without audio so Play can still stream it.
func (e *Engine) degrade(text string, rate float64) {
	e.playback.Unload()
	e.sync.StopMonitoring()
	e.sync.Reset()
	if rate <= 0 {
		rate = e.settings.TextRate
	}
	e.text.Load(text, rate)
	e.log.Warn().Int("chars", len([]rune(text))).Msg("degraded to text-only streaming")
}

func (e *Engine) textRateFor(text string, duration, explicit float64) float64 {
	if explicit > 0 {
		return explicit
	}
	if e.settings.MatchAudioRate {
		return synchronizer.OptimalRate(len([]rune(text)), duration, e.settings.MinRate, e.settings.MaxRate, e.settings.TextRate)
	}
	return e.settings.TextRate
}

// Play starts or resumes output. Without audio it streams loaded text on its
// own clock. From Ended it resumes text paused after the audio finished, and
// otherwise restarts from the beginning.
func (e *Engine) Play() error {
	switch e.playback.Phase() {
	case playback.PhaseIdle:
		if e.text.Len() == 0 {
			return e.fail(fault.New(fault.KindPrecondition, "play", "nothing loaded"))
		}
		e.text.Resume()
		return nil
	case playback.PhaseEnded:
		if st := e.text.State(); e.text.Started() && !st.Running && !st.Complete {
			e.text.Resume()
			return nil
		}
		if err := e.playback.Stop(); err != nil {
			return e.fail(err)
		}
	}
	return e.fail(e.playback.Play())
}

// Pause halts output, or the text stream when no audio is playing.
func (e *Engine) Pause() error {
	if e.textOnly() || e.textAfterEnd() {
		e.text.Pause()
		return nil
	}
	return e.fail(e.playback.Pause())
}

// Stop halts output and rewinds. Text streaming without audio is rewound on
// its own.
func (e *Engine) Stop() error {
	if e.textOnly() {
		e.text.Reset()
		return nil
	}
	if e.textAfterEnd() {
		e.text.Reset()
	}
	return e.fail(e.playback.Stop())
}

// Seek moves playback to sec and realigns the text cursor with it.
func (e *Engine) Seek(sec float64) error {
	if err := e.playback.Seek(sec); err != nil {
		return e.fail(err)
	}
	st := e.playback.State()
	index := int(st.Position * e.text.Rate())
	if e.text.State().Complete {
		e.text.Reset()
		if st.Phase == playback.PhasePlaying {
			e.text.Start()
		}
	}
	e.text.Correct(index)
	return nil
}

// SetVolume clamps and applies the output volume.
func (e *Engine) SetVolume(v float64) float64 { return e.playback.SetVolume(v) }

// SetRate clamps and applies the playback rate.
func (e *Engine) SetRate(r float64) float64 { return e.playback.SetRate(r) }

// SetTextRate clamps and applies the text stream rate.
func (e *Engine) SetTextRate(r float64) float64 { return e.text.SetRate(r) }

// StartTextStream releases any audio and streams text on its own clock.
func (e *Engine) StartTextStream(text string, rate float64) {
	e.playback.Unload()
	e.sync.StopMonitoring()
	e.sync.Reset()
	if rate <= 0 {
		rate = e.settings.TextRate
	}
	e.text.Load(text, rate)
	e.text.Start()
}

// ResetAll releases audio and clears text and sync history.
func (e *Engine) ResetAll() {
	e.playback.Unload()
	e.sync.StopMonitoring()
	e.sync.Reset()
	e.text.Load("", e.settings.TextRate)
	e.mu.Lock()
	e.lastSpeech = nil
	e.mu.Unlock()
	e.log.Info().Msg("session reset")
}

// Snapshot returns the current session picture.
func (e *Engine) Snapshot() Snapshot {
	pb := e.playback.State()
	txt := e.text.State()
	e.mu.Lock()
	meta := e.lastSpeech
	e.mu.Unlock()
	return Snapshot{
		Session:    e.session,
		Playback:   pb,
		Text:       txt,
		Sync:       e.sync.Status(),
		Controls:   controlsFor(pb.Phase, txt.Length > 0, txt.Running),
		TextOnly:   pb.Phase == playback.PhaseIdle && txt.Length > 0,
		Generating: e.generating.Load(),
		Speech:     meta,
	}
}

// SyncStatus returns the synchronizer status.
func (e *Engine) SyncStatus() synchronizer.Status { return e.sync.Status() }

// Controls returns which transport controls are currently usable.
func (e *Engine) Controls() Controls {
	return controlsFor(e.playback.Phase(), e.text.Len() > 0, e.text.State().Running)
}

// Step runs one scheduler tick at now. The running scheduler calls it; tests
// call it directly with a manual clock.
func (e *Engine) Step(now time.Time) { e.driver.Step(now) }

func (e *Engine) textOnly() bool {
	return e.playback.Phase() == playback.PhaseIdle && e.text.Len() > 0
}

// textAfterEnd reports text still streaming after the audio finished.
func (e *Engine) textAfterEnd() bool {
	return e.playback.Phase() == playback.PhaseEnded && e.text.State().Running
}

// onPlayback couples the text stream and synchronizer to the playback state
// before notifying listeners. The synchronizer runs whenever audio plays;
// only the text start/pause coupling depends on AudioDriven.
func (e *Engine) onPlayback(st playback.State) {
	switch st.Phase {
	case playback.PhasePlaying:
		e.sync.StartMonitoring()
		if e.settings.AudioDriven {
			e.text.Resume()
		}
	case playback.PhasePaused:
		e.sync.StopMonitoring()
		if e.settings.AudioDriven {
			e.text.Pause()
		}
	case playback.PhaseStopped:
		e.sync.StopMonitoring()
		if e.settings.AudioDriven {
			e.text.Reset()
		}
	case playback.PhaseEnded:
		// the text keeps going on its own clock until it completes
		e.sync.StopMonitoring()
	default:
		e.sync.StopMonitoring()
	}
	e.each(func(l Listener) { l.OnPlaybackStateChanged(st) })
}

func (e *Engine) onSample(s synchronizer.Sample) {
	e.each(func(l Listener) { l.OnSyncStateChanged(s) })
}

func (e *Engine) onCursor(index int) {
	e.each(func(l Listener) { l.OnTextCursorChanged(index) })
}

func (e *Engine) onComplete() {
	e.each(func(l Listener) { l.OnCompletion() })
}

func (e *Engine) dispatchSpeech(meta speech.Metadata) {
	e.each(func(l Listener) {
		if sl, ok := l.(SpeechListener); ok {
			sl.OnSpeechGenerated(meta)
		}
	})
}

// fail publishes err to listeners and returns it unchanged. A nil err is a
// no-op.
func (e *Engine) fail(err error) error {
	if err == nil {
		return nil
	}
	kind := fault.KindOf(err)
	if kind == "" {
		kind = fault.KindTransient
	}
	metrics.EngineErrorsTotal.WithLabelValues(string(kind)).Inc()
	msg := fault.Message(err)
	e.each(func(l Listener) { l.OnError(kind, msg) })
	return err
}

func (e *Engine) each(fn func(Listener)) {
	e.lmu.RLock()
	ls := make([]Listener, len(e.listeners))
	for i, entry := range e.listeners {
		ls[i] = entry.l
	}
	e.lmu.RUnlock()
	for _, l := range ls {
		fn(l)
	}
}
