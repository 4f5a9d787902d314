package playback

import (
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/audio"
	"github.com/snarg/readalong/internal/clock"
	"github.com/snarg/readalong/internal/fault"
)

type fakeDevice struct {
	mu        sync.Mutex
	offsets   []float64
	stops     int
	volume    float64
	rate      float64
	onEnd     func()
	failStart error
}

func (d *fakeDevice) Start(buf *audio.Buffer, offset, rate float64, onEnd func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failStart != nil {
		return d.failStart
	}
	d.offsets = append(d.offsets, offset)
	d.rate = rate
	d.onEnd = onEnd
	return nil
}

func (d *fakeDevice) Stop() {
	d.mu.Lock()
	d.stops++
	d.mu.Unlock()
}

func (d *fakeDevice) SetVolume(v float64) {
	d.mu.Lock()
	d.volume = v
	d.mu.Unlock()
}

func (d *fakeDevice) SetRate(r float64) {
	d.mu.Lock()
	d.rate = r
	d.mu.Unlock()
}

// endCallback returns the onEnd handed to the most recent Start.
func (d *fakeDevice) endCallback() func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onEnd
}

// tenSeconds is a 10s mono buffer at 100Hz.
func tenSeconds() *audio.Buffer {
	return &audio.Buffer{Samples: make([]int16, 1000), SampleRate: 100, Channels: 1}
}

type harness struct {
	ctl    *Controller
	dev    *fakeDevice
	clk    *clock.Manual
	states []State
}

func newHarness() *harness {
	h := &harness{dev: &fakeDevice{}, clk: clock.NewManual(time.Unix(1000, 0))}
	h.ctl = NewController(Options{
		Device:   h.dev,
		Clock:    h.clk,
		Log:      zerolog.Nop(),
		OnChange: func(s State) { h.states = append(h.states, s) },
	})
	return h
}

func (h *harness) lastPhase() Phase {
	if len(h.states) == 0 {
		return ""
	}
	return h.states[len(h.states)-1].Phase
}

func mustOK(t *testing.T, op string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s() error: %v", op, err)
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPauseFromIdleIsPrecondition(t *testing.T) {
	h := newHarness()

	err := h.ctl.Pause()
	if k := fault.KindOf(err); k != fault.KindPrecondition {
		t.Errorf("kind = %q, want precondition", k)
	}
	if ph := h.ctl.Phase(); ph != PhaseIdle {
		t.Errorf("phase = %s, want idle", ph)
	}
	// rejected operations emit nothing
	if len(h.states) != 0 {
		t.Errorf("state changes = %d, want 0", len(h.states))
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		op    func(c *Controller) error
	}{
		{"play_from_idle", func(h *harness) {}, (*Controller).Play},
		{"stop_from_idle", func(h *harness) {}, (*Controller).Stop},
		{"pause_from_loaded", func(h *harness) { h.ctl.Load(tenSeconds()) }, (*Controller).Pause},
		{"load_while_playing", func(h *harness) {
			h.ctl.Load(tenSeconds())
			h.ctl.Play()
		}, func(c *Controller) error { return c.Load(tenSeconds()) }},
		{"load_while_paused", func(h *harness) {
			h.ctl.Load(tenSeconds())
			h.ctl.Play()
			h.ctl.Pause()
		}, func(c *Controller) error { return c.Load(tenSeconds()) }},
		{"play_from_ended", func(h *harness) {
			h.ctl.Load(tenSeconds())
			h.ctl.Play()
			h.dev.endCallback()()
		}, (*Controller).Play},
		{"seek_from_stopped", func(h *harness) {
			h.ctl.Load(tenSeconds())
			h.ctl.Stop()
		}, func(c *Controller) error { return c.Seek(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			tt.setup(h)
			before := h.ctl.Phase()

			err := tt.op(h.ctl)
			if k := fault.KindOf(err); k != fault.KindPrecondition {
				t.Errorf("kind = %q, want precondition", k)
			}
			if ph := h.ctl.Phase(); ph != before {
				t.Errorf("phase = %s, want unchanged %s", ph, before)
			}
		})
	}
}

func TestPlayPauseResumeStop(t *testing.T) {
	h := newHarness()
	mustOK(t, "Load", h.ctl.Load(tenSeconds()))
	if ph := h.lastPhase(); ph != PhaseLoaded {
		t.Errorf("phase = %s, want loaded", ph)
	}
	if d := h.ctl.State().Duration; d != 10 {
		t.Errorf("Duration = %v, want 10", d)
	}

	mustOK(t, "Play", h.ctl.Play())
	h.clk.Advance(1500 * time.Millisecond)
	if p := h.ctl.Position(); !near(p, 1.5) {
		t.Errorf("position = %v, want 1.5", p)
	}

	mustOK(t, "Pause", h.ctl.Pause())
	h.clk.Advance(5 * time.Second)
	if p := h.ctl.Position(); !near(p, 1.5) {
		t.Errorf("paused position = %v, want 1.5", p)
	}

	mustOK(t, "Play", h.ctl.Play())
	if off := h.dev.offsets[1]; !near(off, 1.5) {
		t.Errorf("resume offset = %v, want 1.5", off)
	}
	h.clk.Advance(500 * time.Millisecond)
	if p := h.ctl.Position(); !near(p, 2.0) {
		t.Errorf("position = %v, want 2.0", p)
	}

	mustOK(t, "Stop", h.ctl.Stop())
	if ph := h.ctl.Phase(); ph != PhaseStopped {
		t.Errorf("phase = %s, want stopped", ph)
	}
	if p := h.ctl.Position(); p != 0 {
		t.Errorf("position after stop = %v, want 0", p)
	}

	mustOK(t, "Play", h.ctl.Play())
	if off := h.dev.offsets[2]; off != 0 {
		t.Errorf("offset after stop = %v, want 0 (rewound)", off)
	}

	var phases []Phase
	for _, s := range h.states {
		phases = append(phases, s.Phase)
	}
	want := []Phase{PhaseLoaded, PhasePlaying, PhasePaused, PhasePlaying, PhaseStopped, PhasePlaying}
	if !reflect.DeepEqual(phases, want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
}

func TestRateChangeKeepsPositionContinuous(t *testing.T) {
	h := newHarness()
	mustOK(t, "Load", h.ctl.Load(tenSeconds()))
	mustOK(t, "Play", h.ctl.Play())

	h.clk.Advance(time.Second)
	if r := h.ctl.SetRate(2); r != 2 {
		t.Errorf("SetRate(2) = %v, want 2", r)
	}
	if p := h.ctl.Position(); !near(p, 1.0) {
		t.Errorf("position at rate change = %v, want 1.0", p)
	}

	h.clk.Advance(time.Second)
	if p := h.ctl.Position(); !near(p, 3.0) {
		t.Errorf("position = %v, want 3.0", p)
	}
	if h.dev.rate != 2 {
		t.Errorf("device rate = %v, want 2", h.dev.rate)
	}
}

func TestClamping(t *testing.T) {
	h := newHarness()
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"volume_above_one", h.ctl.SetVolume(1.5), 1},
		{"volume_negative", h.ctl.SetVolume(-0.2), 0},
		{"volume_in_range", h.ctl.SetVolume(0.4), 0.4},
		{"rate_above_max", h.ctl.SetRate(3), 2},
		{"rate_below_min", h.ctl.SetRate(0.1), 0.5},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	// volume applies in any phase
	if h.dev.volume != 0.4 {
		t.Errorf("device volume = %v, want 0.4", h.dev.volume)
	}
	if ph := h.ctl.Phase(); ph != PhaseIdle {
		t.Errorf("phase = %s, want idle", ph)
	}
}

func TestNaturalEnd(t *testing.T) {
	h := newHarness()
	mustOK(t, "Load", h.ctl.Load(tenSeconds()))
	mustOK(t, "Play", h.ctl.Play())
	h.clk.Advance(10 * time.Second)

	h.dev.endCallback()()
	if ph := h.ctl.Phase(); ph != PhaseEnded {
		t.Errorf("phase = %s, want ended", ph)
	}
	if p := h.ctl.Position(); p != 10 {
		t.Errorf("position = %v, want 10", p)
	}
	if ph := h.lastPhase(); ph != PhaseEnded {
		t.Errorf("last notified phase = %s, want ended", ph)
	}

	// replay goes through Stop, or a new Load
	mustOK(t, "Stop", h.ctl.Stop())
	mustOK(t, "Load", h.ctl.Load(tenSeconds()))
	if p := h.ctl.Position(); p != 0 {
		t.Errorf("position after reload = %v, want 0", p)
	}
}

func TestStaleEndCallbackIgnored(t *testing.T) {
	h := newHarness()
	mustOK(t, "Load", h.ctl.Load(tenSeconds()))
	mustOK(t, "Play", h.ctl.Play())
	stale := h.dev.endCallback()

	mustOK(t, "Pause", h.ctl.Pause())
	stale()
	if ph := h.ctl.Phase(); ph != PhasePaused {
		t.Errorf("phase = %s, want paused", ph)
	}

	mustOK(t, "Play", h.ctl.Play())
	stale()
	if ph := h.ctl.Phase(); ph != PhasePlaying {
		t.Errorf("phase = %s, want playing", ph)
	}
}

func TestDeviceFailure(t *testing.T) {
	h := newHarness()
	h.dev.failStart = errors.New("no output device")
	mustOK(t, "Load", h.ctl.Load(tenSeconds()))

	err := h.ctl.Play()
	if k := fault.KindOf(err); k != fault.KindDevice {
		t.Errorf("kind = %q, want device", k)
	}
	if ph := h.ctl.Phase(); ph != PhaseLoaded {
		t.Errorf("phase = %s, want loaded", ph)
	}
}

func TestSeek(t *testing.T) {
	h := newHarness()
	mustOK(t, "Load", h.ctl.Load(tenSeconds()))
	mustOK(t, "Seek", h.ctl.Seek(4))
	if p := h.ctl.Position(); p != 4 {
		t.Errorf("position = %v, want 4", p)
	}

	mustOK(t, "Play", h.ctl.Play())
	if off := h.dev.offsets[0]; off != 4 {
		t.Errorf("device offset = %v, want 4", off)
	}

	mustOK(t, "Seek", h.ctl.Seek(99))
	if p := h.ctl.Position(); p != 10 {
		t.Errorf("position = %v, want 10 (clamped to duration)", p)
	}
	if ph := h.ctl.Phase(); ph != PhasePlaying {
		t.Errorf("phase = %s, want playing", ph)
	}
}

func TestUnload(t *testing.T) {
	h := newHarness()
	mustOK(t, "Load", h.ctl.Load(tenSeconds()))
	mustOK(t, "Play", h.ctl.Play())
	h.ctl.Unload()
	if ph := h.ctl.Phase(); ph != PhaseIdle {
		t.Errorf("phase = %s, want idle", ph)
	}
	if b := h.ctl.Buffer(); b != nil {
		t.Error("Buffer() != nil after Unload")
	}
	if h.dev.stops != 1 {
		t.Errorf("device stops = %d, want 1", h.dev.stops)
	}
}

func TestVirtualDeviceEnds(t *testing.T) {
	d := NewVirtualDevice()
	buf := &audio.Buffer{Samples: make([]int16, 50), SampleRate: 1000, Channels: 1} // 50ms

	done := make(chan struct{})
	mustOK(t, "Start", d.Start(buf, 0, 2, func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("end callback never fired")
	}
}

func TestVirtualDeviceStopSuppressesEnd(t *testing.T) {
	d := NewVirtualDevice()
	buf := &audio.Buffer{Samples: make([]int16, 20), SampleRate: 1000, Channels: 1}

	fired := make(chan struct{}, 1)
	mustOK(t, "Start", d.Start(buf, 0, 1, func() { fired <- struct{}{} }))
	d.Stop()
	select {
	case <-fired:
		t.Fatal("end fired after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}
