package textstream

import (
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/clock"
)

type recorder struct {
	cursors     []int
	completions int
}

func newStream(clk *clock.Manual) (*Controller, *recorder) {
	rec := &recorder{}
	c := NewController(Options{
		Clock:      clk,
		Log:        zerolog.Nop(),
		OnCursor:   func(i int) { rec.cursors = append(rec.cursors, i) },
		OnComplete: func() { rec.completions++ },
	})
	return c, rec
}

func wantCursor(t *testing.T, c *Controller, want int) {
	t.Helper()
	if got := c.Cursor(); got != want {
		t.Errorf("Cursor() = %d, want %d", got, want)
	}
}

func TestHelloAtFiveCharsPerSecond(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c, rec := newStream(clk)
	c.Load("HELLO", 5)
	c.Start()

	// 60Hz driver for 1.2s
	for i := 0; i < 72; i++ {
		c.Step(clk.Advance(time.Second / 60))
		if clk.Now().Sub(time.Unix(0, 0)) < 990*time.Millisecond && c.State().Complete {
			t.Fatalf("completed early at step %d", i)
		}
	}

	st := c.State()
	if st.Cursor != 5 || !st.Complete || st.Running {
		t.Errorf("state = %+v, want cursor 5, complete, not running", st)
	}
	if rec.completions != 1 {
		t.Errorf("completions = %d, want 1", rec.completions)
	}
	if want := []int{1, 2, 3, 4, 5}; !reflect.DeepEqual(rec.cursors, want) {
		t.Errorf("cursors = %v, want %v", rec.cursors, want)
	}
}

func TestOneCharacterPerInterval(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c, _ := newStream(clk)
	c.Load("abcdefghijklmnopqrstuvwxyz", 10)
	c.Start()

	c.Step(clk.Advance(99 * time.Millisecond))
	wantCursor(t, c, 0)
	c.Step(clk.Advance(time.Millisecond))
	wantCursor(t, c, 1)
	// large gaps advance several characters, remainder carried
	c.Step(clk.Advance(450 * time.Millisecond))
	wantCursor(t, c, 5)
	c.Step(clk.Advance(50 * time.Millisecond))
	wantCursor(t, c, 6)
}

func TestStartAfterCompletionIsNoop(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c, rec := newStream(clk)
	c.Load("HI", 5)
	c.Start()
	c.Step(clk.Advance(time.Second))
	if rec.completions != 1 {
		t.Fatalf("completions = %d, want 1", rec.completions)
	}

	c.Start()
	c.Step(clk.Advance(time.Second))
	wantCursor(t, c, 2)
	if rec.completions != 1 {
		t.Errorf("completions = %d, want 1 (once per run)", rec.completions)
	}

	c.Reset()
	if st := c.State(); st.Cursor != 0 || st.Complete || st.Running {
		t.Errorf("state after Reset = %+v, want zeroed", st)
	}

	c.Start()
	c.Step(clk.Advance(time.Second))
	if rec.completions != 2 {
		t.Errorf("completions = %d, want 2 after a reset run", rec.completions)
	}
}

func TestPauseResumeDoesNotCatchUp(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c, _ := newStream(clk)
	c.Load("the quick brown fox", 10)
	c.Start()
	c.Step(clk.Advance(300 * time.Millisecond))
	wantCursor(t, c, 3)

	c.Pause()
	c.Step(clk.Advance(5 * time.Second))
	wantCursor(t, c, 3)

	c.Resume()
	c.Step(clk.Advance(50 * time.Millisecond))
	wantCursor(t, c, 3)
	c.Step(clk.Advance(50 * time.Millisecond))
	wantCursor(t, c, 4)
}

func TestResetStopsAdvancing(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c, _ := newStream(clk)
	c.Load("abcdef", 10)
	c.Start()
	c.Step(clk.Advance(200 * time.Millisecond))
	c.Reset()
	c.Step(clk.Advance(time.Second))
	wantCursor(t, c, 0)
	if c.Started() {
		t.Error("Started() = true after Reset")
	}
}

func TestCorrect(t *testing.T) {
	t.Run("next_step_observes_exact_index", func(t *testing.T) {
		clk := clock.NewManual(time.Unix(0, 0))
		c, rec := newStream(clk)
		c.Load(string(make([]rune, 100)), 10)
		c.Start()
		c.Step(clk.Advance(100 * time.Millisecond))

		c.Correct(50)
		c.Step(clk.Advance(16 * time.Millisecond))
		wantCursor(t, c, 50)
		if last := rec.cursors[len(rec.cursors)-1]; last != 50 {
			t.Errorf("last notified cursor = %d, want 50", last)
		}

		c.Step(clk.Advance(100 * time.Millisecond))
		wantCursor(t, c, 51)
	})

	t.Run("clamps_and_moves_backward", func(t *testing.T) {
		clk := clock.NewManual(time.Unix(0, 0))
		c, _ := newStream(clk)
		c.Load("abcdefghij", 10)
		c.Start()
		c.Step(clk.Advance(500 * time.Millisecond))
		c.Correct(2)
		wantCursor(t, c, 2)
		c.Correct(-4)
		wantCursor(t, c, 0)
	})

	t.Run("correction_to_end_completes_once", func(t *testing.T) {
		clk := clock.NewManual(time.Unix(0, 0))
		c, rec := newStream(clk)
		c.Load("abc", 10)
		c.Start()
		c.Correct(99)
		wantCursor(t, c, 3)
		if !c.State().Complete {
			t.Error("Complete = false after correcting to the end")
		}
		c.Correct(1)
		wantCursor(t, c, 3)
		if rec.completions != 1 {
			t.Errorf("completions = %d, want 1", rec.completions)
		}
	})
}

func TestRateClamp(t *testing.T) {
	c := NewController(Options{Log: zerolog.Nop()})
	tests := []struct {
		in, want float64
	}{
		{100, 25},
		{1, 5},
		{0, DefaultRate},
	}
	for _, tt := range tests {
		if got := c.SetRate(tt.in); got != tt.want {
			t.Errorf("SetRate(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	c.Load("x", 12)
	if r := c.Rate(); r != 12 {
		t.Errorf("Rate() = %v, want 12", r)
	}
}

func TestEmptyTextCompletesOnStart(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c, rec := newStream(clk)
	c.Load("", 10)
	c.Start()
	if !c.State().Complete {
		t.Error("Complete = false for empty text")
	}
	if rec.completions != 1 {
		t.Errorf("completions = %d, want 1", rec.completions)
	}
}
