package synchronizer

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/playback"
)

type fakeAudio struct {
	phase playback.Phase
	pos   float64
}

func (a *fakeAudio) Phase() playback.Phase { return a.phase }
func (a *fakeAudio) Position() float64     { return a.pos }

type fakeCursor struct {
	cursor      int
	length      int
	rate        float64
	corrections []int
}

func (c *fakeCursor) Cursor() int   { return c.cursor }
func (c *fakeCursor) Len() int      { return c.length }
func (c *fakeCursor) Rate() float64 { return c.rate }
func (c *fakeCursor) Correct(i int) {
	c.corrections = append(c.corrections, i)
	c.cursor = i
}

func newSync(audio *fakeAudio, text *fakeCursor, onSample func(Sample)) *Synchronizer {
	s := New(audio, text, Options{Log: zerolog.Nop(), OnSample: onSample})
	s.StartMonitoring()
	return s
}

func TestDriftBoundary(t *testing.T) {
	audio := &fakeAudio{phase: playback.PhasePlaying, pos: 2.0}
	text := &fakeCursor{cursor: 21, length: 100, rate: 10}
	var got []Sample
	s := newSync(audio, text, func(smp Sample) { got = append(got, smp) })

	s.Step(time.Now())
	if len(got) != 1 {
		t.Fatalf("samples = %d, want 1", len(got))
	}
	smp := got[0]
	if smp.ExpectedIndex != 20 || smp.ActualIndex != 21 {
		t.Errorf("expected/actual = %d/%d, want 20/21", smp.ExpectedIndex, smp.ActualIndex)
	}
	if smp.DriftMs != 100 {
		t.Errorf("DriftMs = %v, want 100", smp.DriftMs)
	}
	// exactly 100ms is not Good
	if smp.Quality != Acceptable {
		t.Errorf("Quality = %s, want %s", smp.Quality, Acceptable)
	}
	if smp.Corrected || len(text.corrections) != 0 {
		t.Errorf("corrected = %v (%v), want no correction", smp.Corrected, text.corrections)
	}
	if h := s.History(); len(h) != 0 {
		t.Errorf("history = %v, want empty", h)
	}
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds
	tests := []struct {
		drift float64
		want  Quality
	}{
		{0, Perfect},
		{49.9, Perfect},
		{50, Good},
		{99.9, Good},
		{100, Acceptable},
		{199.9, Acceptable},
		{200, Poor},
		{499.9, Poor},
		{500, Failed},
		{5000, Failed},
	}
	for _, tt := range tests {
		if got := th.Classify(tt.drift); got != tt.want {
			t.Errorf("Classify(%.1f) = %s, want %s", tt.drift, got, tt.want)
		}
	}
}

func TestIsSynchronized(t *testing.T) {
	th := DefaultThresholds
	tests := []struct {
		name  string
		drift float64
		want  bool
	}{
		{"perfect", 0, true},
		{"acceptable", 150, true},
		{"poor", 300, true},
		{"just_below_failed", 499.9, true},
		{"failed", 500, false},
		{"far_off", 2000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			smp := Sample{DriftMs: tt.drift, Quality: th.Classify(tt.drift)}
			if got := th.IsSynchronized(smp); got != tt.want {
				t.Errorf("IsSynchronized(%vms) = %v, want %v", tt.drift, got, tt.want)
			}
		})
	}
}

func TestCorrectionIsExact(t *testing.T) {
	audio := &fakeAudio{phase: playback.PhasePlaying, pos: 3.0}
	text := &fakeCursor{cursor: 10, length: 100, rate: 10}
	s := newSync(audio, text, nil)

	s.Step(time.Now())
	if want := []int{30}; !reflect.DeepEqual(text.corrections, want) {
		t.Errorf("corrections = %v, want %v", text.corrections, want)
	}
	if c := text.Cursor(); c != 30 {
		t.Errorf("cursor = %d, want 30 (no partial correction)", c)
	}

	cur, ok := s.Current()
	if !ok {
		t.Fatal("Current() ok = false after a tick")
	}
	if cur.Quality != Failed || !cur.Corrected {
		t.Errorf("current = %s corrected=%v, want failed and corrected", cur.Quality, cur.Corrected)
	}

	s.Step(time.Now())
	cur, _ = s.Current()
	if cur.Quality != Perfect {
		t.Errorf("quality after correction = %s, want perfect", cur.Quality)
	}
	if len(text.corrections) != 1 {
		t.Errorf("corrections = %d, want 1", len(text.corrections))
	}
}

func TestCorrectionThreshold(t *testing.T) {
	// 2 chars at 10 cps = 200ms: Poor, corrected
	audio := &fakeAudio{phase: playback.PhasePlaying, pos: 1.0}
	text := &fakeCursor{cursor: 12, length: 100, rate: 10}
	s := newSync(audio, text, nil)
	s.Step(time.Now())
	if want := []int{10}; !reflect.DeepEqual(text.corrections, want) {
		t.Errorf("corrections = %v, want %v", text.corrections, want)
	}

	// 1 char = 100ms: Acceptable, left alone
	text.cursor = 11
	s.Step(time.Now())
	if len(text.corrections) != 1 {
		t.Errorf("corrections = %v, want only the first", text.corrections)
	}
}

func TestExpectedClampedToText(t *testing.T) {
	audio := &fakeAudio{phase: playback.PhasePlaying, pos: 60}
	text := &fakeCursor{cursor: 0, length: 40, rate: 10}
	s := newSync(audio, text, nil)
	s.Step(time.Now())
	if want := []int{40}; !reflect.DeepEqual(text.corrections, want) {
		t.Errorf("corrections = %v, want %v", text.corrections, want)
	}
}

func TestTextRateClampedToBand(t *testing.T) {
	audio := &fakeAudio{phase: playback.PhasePlaying, pos: 2.0}
	text := &fakeCursor{cursor: 0, length: 1000, rate: 100}
	var got Sample
	s := newSync(audio, text, func(smp Sample) { got = smp })
	s.Step(time.Now())
	// rate 100 clamps to 25
	if got.ExpectedIndex != 50 {
		t.Errorf("ExpectedIndex = %d, want 50", got.ExpectedIndex)
	}
}

func TestOnlyTicksWhilePlayingAndMonitoring(t *testing.T) {
	audio := &fakeAudio{phase: playback.PhasePaused, pos: 5}
	text := &fakeCursor{length: 100, rate: 10}
	calls := 0
	s := newSync(audio, text, func(Sample) { calls++ })

	s.Step(time.Now())
	if calls != 0 {
		t.Errorf("samples while paused = %d, want 0", calls)
	}

	audio.phase = playback.PhasePlaying
	s.StopMonitoring()
	s.Step(time.Now())
	if calls != 0 || len(text.corrections) != 0 {
		t.Errorf("samples = %d corrections = %v while not monitoring, want none", calls, text.corrections)
	}

	s.StartMonitoring()
	s.Step(time.Now())
	if calls != 1 {
		t.Errorf("samples = %d, want 1", calls)
	}
}

func TestHistoryKeepsLastTenPoorSamples(t *testing.T) {
	audio := &fakeAudio{phase: playback.PhasePlaying}
	text := &fakeCursor{length: 10000, rate: 10}
	s := newSync(audio, text, nil)

	for i := 0; i < 15; i++ {
		audio.pos = float64(i + 1)
		text.cursor = 0
		s.Step(time.Now())
	}
	// a good sample is not recorded
	audio.pos = 100
	text.cursor = 1000
	s.Step(time.Now())

	h := s.History()
	if len(h) != 10 {
		t.Fatalf("history = %d entries, want 10", len(h))
	}
	// oldest entries are dropped first
	if h[0].AudioTime != 6 || h[9].AudioTime != 15 {
		t.Errorf("history spans %v..%v, want 6..15", h[0].AudioTime, h[9].AudioTime)
	}
	for _, smp := range h {
		if smp.Quality != Poor && smp.Quality != Failed {
			t.Errorf("history holds a %s sample", smp.Quality)
		}
	}

	s.Reset()
	if h := s.History(); len(h) != 0 {
		t.Errorf("history after Reset = %d entries, want 0", len(h))
	}
	if _, ok := s.Current(); ok {
		t.Error("Current() ok = true after Reset")
	}
}

func TestStopMonitoringDuringTicks(t *testing.T) {
	audio := &fakeAudio{phase: playback.PhasePlaying, pos: 1}
	text := &fakeCursor{length: 100, rate: 10, cursor: 10}
	s := newSync(audio, text, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Step(time.Now())
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	s.StopMonitoring()
	if s.Monitoring() {
		t.Error("Monitoring() = true after StopMonitoring")
	}
	close(stop)
	wg.Wait()
}

func TestStatus(t *testing.T) {
	audio := &fakeAudio{phase: playback.PhasePlaying, pos: 1.0}
	text := &fakeCursor{cursor: 10, length: 100, rate: 10}
	s := newSync(audio, text, nil)

	st := s.Status()
	if st.Current != nil {
		t.Errorf("Current = %+v before any tick, want nil", st.Current)
	}
	if st.Description != "Not monitoring" {
		t.Errorf("Description = %q, want %q", st.Description, "Not monitoring")
	}

	s.Step(time.Now())
	st = s.Status()
	if st.Current == nil {
		t.Fatal("Current = nil after a tick")
	}
	if !st.Synchronized {
		t.Error("Synchronized = false")
	}
	if st.QualityPercent != 100 {
		t.Errorf("QualityPercent = %d, want 100", st.QualityPercent)
	}
	if want := "Perfect synchronization (0.0ms variance)"; st.Description != want {
		t.Errorf("Description = %q, want %q", st.Description, want)
	}
	if st.Accuracy != "0μs" {
		t.Errorf("Accuracy = %q, want 0μs", st.Accuracy)
	}
}

func TestStatusPoorIsStillSynchronized(t *testing.T) {
	// 3 chars at 10 cps = 300ms
	audio := &fakeAudio{phase: playback.PhasePlaying, pos: 1.0}
	text := &fakeCursor{cursor: 13, length: 100, rate: 10}
	s := newSync(audio, text, nil)
	s.Step(time.Now())

	st := s.Status()
	if st.Current == nil || st.Current.Quality != Poor {
		t.Fatalf("Current = %+v, want a poor sample", st.Current)
	}
	if !st.Synchronized {
		t.Error("Synchronized = false for a poor sample, want true")
	}
}

func TestHelpers(t *testing.T) {
	if got := QualityPercent(Good); got != 90 {
		t.Errorf("QualityPercent(good) = %d, want 90", got)
	}
	if got := QualityPercent(Failed); got != 25 {
		t.Errorf("QualityPercent(failed) = %d, want 25", got)
	}
	if got, want := Describe(Sample{DriftMs: 250, Quality: Poor}), "Poor synchronization (250.0ms variance)"; got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}

	drifts := []struct {
		ms   float64
		want string
	}{
		{0.5, "500μs"},
		{12.34, "12.3ms"},
		{1500, "1.50s"},
	}
	for _, tt := range drifts {
		if got := FormatDrift(tt.ms); got != tt.want {
			t.Errorf("FormatDrift(%v) = %q, want %q", tt.ms, got, tt.want)
		}
	}

	rates := []struct {
		chars    int
		duration float64
		want     float64
	}{
		{100, 10, 10},
		{1000, 10, 25},
		{10, 10, 5},
		{10, 0, 15},
	}
	for _, tt := range rates {
		if got := OptimalRate(tt.chars, tt.duration, 5, 25, 15); got != tt.want {
			t.Errorf("OptimalRate(%d, %v) = %v, want %v", tt.chars, tt.duration, got, tt.want)
		}
	}

	if err := DefaultThresholds.Validate(); err != nil {
		t.Errorf("DefaultThresholds.Validate() = %v", err)
	}
	if err := (Thresholds{Perfect: 50, Good: 40, Acceptable: 200, Poor: 500}).Validate(); err == nil {
		t.Error("Validate() = nil for out-of-order thresholds")
	}
}
