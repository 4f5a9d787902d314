// Package scheduler provides the single clock that drives the periodic parts
// of a session in a fixed order.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/clock"
)

const (
	DefaultHz = 60
	MinHz     = 10
)

// Stepper is one periodic subsystem.
type Stepper interface {
	Step(now time.Time)
}

// StepFunc adapts a function to Stepper.
type StepFunc func(now time.Time)

func (f StepFunc) Step(now time.Time) { f(now) }

// Driver ticks its steppers in registration order from one goroutine.
type Driver struct {
	steppers []Stepper
	interval time.Duration
	clock    clock.Clock
	log      zerolog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
	ticks   uint64
}

// NewDriver creates a driver ticking at hz (raised to MinHz if lower).
func NewDriver(hz int, clk clock.Clock, log zerolog.Logger, steppers ...Stepper) *Driver {
	if hz <= 0 {
		hz = DefaultHz
	}
	if hz < MinHz {
		hz = MinHz
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Driver{
		steppers: steppers,
		interval: time.Second / time.Duration(hz),
		clock:    clk,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Interval returns the tick period.
func (d *Driver) Interval() time.Duration { return d.interval }

// Start launches the tick loop. Calling Start on a running driver is a no-op.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
	d.log.Info().Dur("interval", d.interval).Int("steppers", len(d.steppers)).Msg("scheduler started")
}

// Stop halts the loop and returns after the last tick finished. Safe to call
// repeatedly and before Start.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()

	<-done
	d.log.Info().Msg("scheduler stopped")
}

// Running reports whether the loop is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Ticks returns the number of ticks run so far.
func (d *Driver) Ticks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks
}

// Step runs every stepper once at now. The loop uses it; tests call it
// directly with a manual clock.
func (d *Driver) Step(now time.Time) {
	for _, s := range d.steppers {
		s.Step(now)
	}
	d.mu.Lock()
	d.ticks++
	d.mu.Unlock()
}

func (d *Driver) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Step(d.clock.Now())
		case <-stop:
			return
		}
	}
}
