// Package playback owns the audio output of a session and its
// Idle/Loaded/Playing/Paused/Stopped/Ended state machine.
package playback

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/audio"
	"github.com/snarg/readalong/internal/clock"
	"github.com/snarg/readalong/internal/fault"
	"github.com/snarg/readalong/internal/metrics"
)

// Phase is the state of the playback state machine.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoaded  Phase = "loaded"
	PhasePlaying Phase = "playing"
	PhasePaused  Phase = "paused"
	PhaseStopped Phase = "stopped"
	PhaseEnded   Phase = "ended"
)

const (
	MinVolume = 0.0
	MaxVolume = 1.0
	MinRate   = 0.5
	MaxRate   = 2.0
)

// SpeedPresets are the playback rates offered to listeners.
var SpeedPresets = []float64{0.5, 0.75, 1, 1.25, 1.5, 2}

// State is a snapshot of the controller.
type State struct {
	Phase    Phase   `json:"phase"`
	Position float64 `json:"position_seconds"`
	Duration float64 `json:"duration_seconds"`
	Volume   float64 `json:"volume"`
	Rate     float64 `json:"rate"`
}

// Options configures a Controller.
type Options struct {
	Device Device
	Clock  clock.Clock
	Log    zerolog.Logger
	// OnChange is called after every transition or parameter change, outside
	// the controller lock.
	OnChange func(State)
}

// Controller is the playback state machine. It is safe for concurrent use;
// device end callbacks may arrive on any goroutine.
type Controller struct {
	device   Device
	clock    clock.Clock
	log      zerolog.Logger
	onChange func(State)

	mu       sync.Mutex
	phase    Phase
	buf      *audio.Buffer
	captured float64   // position at startRef
	startRef time.Time // valid while playing
	volume   float64
	rate     float64
	gen      uint64 // invalidates end callbacks from earlier starts
}

// NewController creates a controller in the Idle phase.
func NewController(opts Options) *Controller {
	if opts.Device == nil {
		opts.Device = NewVirtualDevice()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Controller{
		device:   opts.Device,
		clock:    opts.Clock,
		log:      opts.Log.With().Str("component", "playback").Logger(),
		onChange: opts.OnChange,
		phase:    PhaseIdle,
		volume:   MaxVolume,
		rate:     1,
	}
}

// Load installs a decoded buffer. Valid from Idle, Stopped and Ended.
func (c *Controller) Load(buf *audio.Buffer) error {
	c.mu.Lock()
	if err := c.require("load", PhaseIdle, PhaseStopped, PhaseEnded); err != nil {
		c.mu.Unlock()
		return err
	}
	if buf == nil || buf.Duration() <= 0 {
		c.mu.Unlock()
		return fault.New(fault.KindValidation, "load", "audio buffer is empty")
	}
	c.buf = buf
	c.captured = 0
	c.gen++
	st := c.transitionLocked(PhaseLoaded)
	c.mu.Unlock()

	c.notify(st)
	return nil
}

// Play starts or resumes output. Valid from Loaded, Paused and Stopped;
// Stopped restarts from the beginning.
func (c *Controller) Play() error {
	c.mu.Lock()
	if err := c.require("play", PhaseLoaded, PhasePaused, PhaseStopped); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.phase == PhaseStopped {
		c.captured = 0
	}
	if err := c.startLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	st := c.transitionLocked(PhasePlaying)
	c.mu.Unlock()

	c.notify(st)
	return nil
}

// Pause captures the position and halts output. Valid only from Playing.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if err := c.require("pause", PhasePlaying); err != nil {
		c.mu.Unlock()
		return err
	}
	c.captured = c.positionLocked()
	c.gen++
	c.device.Stop()
	st := c.transitionLocked(PhasePaused)
	c.mu.Unlock()

	c.notify(st)
	return nil
}

// Stop halts output and rewinds. Valid from any phase but Idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.phase == PhaseIdle {
		err := c.reject("stop")
		c.mu.Unlock()
		return err
	}
	if c.phase == PhasePlaying {
		c.device.Stop()
	}
	c.gen++
	c.captured = 0
	st := c.transitionLocked(PhaseStopped)
	c.mu.Unlock()

	c.notify(st)
	return nil
}

// Seek moves the position to sec, clamped to the buffer. Valid from Loaded,
// Playing and Paused.
func (c *Controller) Seek(sec float64) error {
	c.mu.Lock()
	if err := c.require("seek", PhaseLoaded, PhasePlaying, PhasePaused); err != nil {
		c.mu.Unlock()
		return err
	}
	c.captured = clamp(sec, 0, c.buf.Duration())
	if c.phase == PhasePlaying {
		c.device.Stop()
		if err := c.startLocked(); err != nil {
			// output is gone; keep the state machine truthful
			c.gen++
			st := c.transitionLocked(PhasePaused)
			c.mu.Unlock()
			c.notify(st)
			return err
		}
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(st)
	return nil
}

// Unload releases the buffer and returns to Idle from any phase.
func (c *Controller) Unload() {
	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return
	}
	if c.phase == PhasePlaying {
		c.device.Stop()
	}
	c.gen++
	c.buf = nil
	c.captured = 0
	st := c.transitionLocked(PhaseIdle)
	c.mu.Unlock()

	c.notify(st)
}

// SetVolume clamps v to [0,1], applies it and returns the applied value.
func (c *Controller) SetVolume(v float64) float64 {
	v = clamp(v, MinVolume, MaxVolume)
	c.mu.Lock()
	c.volume = v
	c.device.SetVolume(v)
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(st)
	return v
}

// SetRate clamps r to [0.5,2], applies it and returns the applied value.
// While playing, elapsed time is folded into the captured position first so
// the reported position is continuous across the change.
func (c *Controller) SetRate(r float64) float64 {
	r = clamp(r, MinRate, MaxRate)
	c.mu.Lock()
	if c.phase == PhasePlaying {
		c.captured = c.positionLocked()
		c.startRef = c.clock.Now()
	}
	c.rate = r
	c.device.SetRate(r)
	st := c.stateLocked()
	c.mu.Unlock()

	c.notify(st)
	return r
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Position returns the elapsed position in seconds.
func (c *Controller) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

// Buffer returns the loaded buffer, or nil.
func (c *Controller) Buffer() *audio.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

func (c *Controller) startLocked() error {
	c.gen++
	gen := c.gen
	if err := c.device.Start(c.buf, c.captured, c.rate, func() { c.ended(gen) }); err != nil {
		c.log.Error().Err(err).Msg("audio device failed to start")
		return fault.Wrap(fault.KindDevice, "play", err)
	}
	c.device.SetVolume(c.volume)
	c.startRef = c.clock.Now()
	return nil
}

// ended handles the device's end-of-buffer callback.
func (c *Controller) ended(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.phase != PhasePlaying {
		c.mu.Unlock()
		return
	}
	c.captured = c.buf.Duration()
	st := c.transitionLocked(PhaseEnded)
	c.mu.Unlock()

	c.log.Debug().Float64("duration_s", st.Duration).Msg("playback ended")
	c.notify(st)
}

func (c *Controller) positionLocked() float64 {
	if c.buf == nil {
		return 0
	}
	pos := c.captured
	if c.phase == PhasePlaying {
		pos += c.clock.Now().Sub(c.startRef).Seconds() * c.rate
	}
	return clamp(pos, 0, c.buf.Duration())
}

func (c *Controller) stateLocked() State {
	return State{
		Phase:    c.phase,
		Position: c.positionLocked(),
		Duration: c.buf.Duration(),
		Volume:   c.volume,
		Rate:     c.rate,
	}
}

func (c *Controller) transitionLocked(to Phase) State {
	c.log.Debug().Str("from", string(c.phase)).Str("to", string(to)).Msg("playback transition")
	c.phase = to
	metrics.PlaybackTransitionsTotal.WithLabelValues(string(to)).Inc()
	return c.stateLocked()
}

func (c *Controller) require(op string, allowed ...Phase) error {
	for _, p := range allowed {
		if c.phase == p {
			return nil
		}
	}
	return c.reject(op)
}

func (c *Controller) reject(op string) error {
	c.log.Warn().Str("op", op).Str("phase", string(c.phase)).Msg("operation not valid in current phase")
	return fault.New(fault.KindPrecondition, op, "not valid while %s", c.phase)
}

func (c *Controller) notify(st State) {
	if c.onChange != nil {
		c.onChange(st)
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
