package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDriver_StepOrder(t *testing.T) {
	var order []string
	d := NewDriver(60, nil, zerolog.Nop(),
		StepFunc(func(time.Time) { order = append(order, "sync") }),
		StepFunc(func(time.Time) { order = append(order, "text") }),
	)

	d.Step(time.Now())
	d.Step(time.Now())

	want := []string{"sync", "text", "sync", "text"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if d.Ticks() != 2 {
		t.Errorf("Ticks() = %d, want 2", d.Ticks())
	}
}

func TestDriver_Interval(t *testing.T) {
	tests := []struct {
		name string
		hz   int
		want time.Duration
	}{
		{"default", 0, time.Second / 60},
		{"configured", 20, 50 * time.Millisecond},
		{"raised_to_floor", 2, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDriver(tt.hz, nil, zerolog.Nop())
			if got := d.Interval(); got != tt.want {
				t.Errorf("Interval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDriver_StopIsDeterministic(t *testing.T) {
	var mu sync.Mutex
	ticks := 0
	d := NewDriver(100, nil, zerolog.Nop(), StepFunc(func(time.Time) {
		mu.Lock()
		ticks++
		mu.Unlock()
	}))

	d.Start()
	d.Start() // no second loop
	time.Sleep(60 * time.Millisecond)
	d.Stop()

	mu.Lock()
	after := ticks
	mu.Unlock()
	if after == 0 {
		t.Fatal("no ticks ran")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if ticks != after {
		t.Errorf("ticks after Stop: %d, want %d", ticks, after)
	}
	if d.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestDriver_StopWithoutStart(t *testing.T) {
	d := NewDriver(60, nil, zerolog.Nop())
	d.Stop()
	d.Stop()

	d.Start()
	d.Stop()
	d.Start()
	if !d.Running() {
		t.Error("driver should restart after Stop")
	}
	d.Stop()
}
