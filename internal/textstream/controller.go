// Package textstream advances a character cursor through a text at a fixed
// characters-per-second rate, either on its own clock or under corrections
// from the synchronizer.
package textstream

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/clock"
	"github.com/snarg/readalong/internal/metrics"
)

const (
	DefaultRate = 15.0
	DefaultMin  = 5.0
	DefaultMax  = 25.0
)

// State is a snapshot of the stream. Cursor counts characters (runes).
type State struct {
	Text     string  `json:"text"`
	Length   int     `json:"length"`
	Cursor   int     `json:"cursor"`
	Rate     float64 `json:"rate"`
	Running  bool    `json:"running"`
	Complete bool    `json:"complete"`
}

// Options configures a Controller.
type Options struct {
	Clock   clock.Clock
	MinRate float64
	MaxRate float64
	Log     zerolog.Logger

	// OnCursor and OnComplete run outside the controller lock.
	OnCursor   func(index int)
	OnComplete func()
}

// Controller owns the text cursor. Step must be called periodically by a
// single driver; everything else is safe from any goroutine.
type Controller struct {
	clock      clock.Clock
	minRate    float64
	maxRate    float64
	log        zerolog.Logger
	onCursor   func(int)
	onComplete func()

	mu        sync.Mutex
	text      []rune
	cursor    int
	rate      float64
	running   bool
	complete  bool
	started   bool
	anchor    time.Time     // last time elapsed was accounted for
	carry     time.Duration // elapsed time not yet turned into characters
	corrected bool
}

// NewController creates an empty stream at DefaultRate.
func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.MinRate <= 0 {
		opts.MinRate = DefaultMin
	}
	if opts.MaxRate < opts.MinRate {
		opts.MaxRate = math.Max(DefaultMax, opts.MinRate)
	}
	c := &Controller{
		clock:      opts.Clock,
		minRate:    opts.MinRate,
		maxRate:    opts.MaxRate,
		log:        opts.Log.With().Str("component", "textstream").Logger(),
		onCursor:   opts.OnCursor,
		onComplete: opts.OnComplete,
	}
	c.rate = c.clampRate(DefaultRate)
	return c
}

// Load replaces the text and rate and resets the stream.
func (c *Controller) Load(text string, rate float64) {
	c.mu.Lock()
	c.text = []rune(text)
	c.rate = c.clampRate(rate)
	moved := c.resetLocked()
	c.mu.Unlock()

	if moved {
		c.emitCursor(0)
	}
}

// Start begins advancing. It is a no-op while running, and after completion
// until Reset is called. Empty text completes immediately.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running || c.complete {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.started = true
	c.anchor = c.clock.Now()
	c.carry = 0
	c.corrected = false
	done := c.checkCompleteLocked()
	c.mu.Unlock()

	if done {
		c.emitComplete()
	}
}

// Pause stops advancing and keeps the cursor where it is.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.running = false
	c.carry = 0
	c.mu.Unlock()
}

// Resume continues from the paused cursor with a fresh anchor, so time spent
// paused is not caught up. Resume on a stream that was never started starts it.
func (c *Controller) Resume() {
	c.Start()
}

// Reset rewinds to 0 and clears completion. The stream is left stopped.
func (c *Controller) Reset() {
	c.mu.Lock()
	moved := c.resetLocked()
	c.mu.Unlock()

	if moved {
		c.emitCursor(0)
	}
}

// SetRate changes the characters-per-second rate, clamped to the band.
func (c *Controller) SetRate(rate float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = c.clampRate(rate)
	return c.rate
}

// Correct moves the cursor to index, clamped to [0, len]. The next Step
// re-anchors instead of advancing, so the corrected index is what the next
// reader sees. Reaching the end by correction completes the run. Ignored once
// complete.
func (c *Controller) Correct(index int) {
	c.mu.Lock()
	if c.complete {
		c.mu.Unlock()
		return
	}
	if index < 0 {
		index = 0
	}
	if index > len(c.text) {
		index = len(c.text)
	}
	moved := index != c.cursor
	c.cursor = index
	c.carry = 0
	c.corrected = true
	done := c.running && c.checkCompleteLocked()
	c.mu.Unlock()

	if moved {
		c.emitCursor(index)
	}
	if done {
		c.emitComplete()
	}
}

// Step advances the cursor by the whole characters due since the last step.
func (c *Controller) Step(now time.Time) {
	c.mu.Lock()
	if !c.running || c.complete {
		c.mu.Unlock()
		return
	}
	if c.corrected || now.Before(c.anchor) {
		c.corrected = false
		c.anchor = now
		c.mu.Unlock()
		return
	}

	c.carry += now.Sub(c.anchor)
	c.anchor = now
	interval := time.Duration(float64(time.Second) / c.rate)
	n := int(c.carry / interval)
	if n == 0 {
		c.mu.Unlock()
		return
	}
	c.carry -= time.Duration(n) * interval
	c.cursor += n
	if c.cursor > len(c.text) {
		c.cursor = len(c.text)
	}
	index := c.cursor
	done := c.checkCompleteLocked()
	c.mu.Unlock()

	c.emitCursor(index)
	if done {
		c.emitComplete()
	}
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Text:     string(c.text),
		Length:   len(c.text),
		Cursor:   c.cursor,
		Rate:     c.rate,
		Running:  c.running,
		Complete: c.complete,
	}
}

// Cursor returns the current index.
func (c *Controller) Cursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Len returns the text length in characters.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.text)
}

// Rate returns the current rate in characters per second.
func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Started reports whether Start has run since the last Load or Reset.
func (c *Controller) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Controller) resetLocked() bool {
	moved := c.cursor != 0
	c.cursor = 0
	c.running = false
	c.complete = false
	c.started = false
	c.carry = 0
	c.corrected = false
	return moved
}

// checkCompleteLocked marks the run complete when the cursor is at the end.
// It returns true exactly once per run.
func (c *Controller) checkCompleteLocked() bool {
	if c.complete || c.cursor < len(c.text) {
		return false
	}
	c.complete = true
	c.running = false
	return true
}

func (c *Controller) clampRate(r float64) float64 {
	if math.IsNaN(r) || r <= 0 {
		r = DefaultRate
	}
	return math.Min(math.Max(r, c.minRate), c.maxRate)
}

func (c *Controller) emitCursor(index int) {
	if c.onCursor != nil {
		c.onCursor(index)
	}
}

func (c *Controller) emitComplete() {
	metrics.TextCompletionsTotal.Inc()
	c.log.Debug().Msg("text stream complete")
	if c.onComplete != nil {
		c.onComplete()
	}
}
