package playback

import (
	"sync"
	"time"

	"github.com/snarg/readalong/internal/audio"
)

// Device is an audio output. Start begins output of buf at offset seconds and
// calls onEnd once, from another goroutine, if the buffer plays out. Stop
// halts output without calling onEnd.
type Device interface {
	Start(buf *audio.Buffer, offset, rate float64, onEnd func()) error
	Stop()
	SetVolume(v float64)
	SetRate(rate float64)
}

// VirtualDevice is a headless output that plays buffers against the wall
// clock. It produces no sound; it exists so a server-side session has a
// device clock and an end-of-buffer callback, with rendering done by the
// clients that fetch the audio.
type VirtualDevice struct {
	mu        sync.Mutex
	timer     *time.Timer
	buf       *audio.Buffer
	offset    float64
	rate      float64
	volume    float64
	startedAt time.Time
	onEnd     func()
	seq       uint64

	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewVirtualDevice creates a device with volume 1.
func NewVirtualDevice() *VirtualDevice {
	return &VirtualDevice{volume: 1, rate: 1, afterFunc: time.AfterFunc}
}

func (d *VirtualDevice) Start(buf *audio.Buffer, offset, rate float64, onEnd func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.buf = buf
	d.offset = offset
	d.rate = rate
	d.onEnd = onEnd
	d.startedAt = time.Now()
	d.scheduleLocked()
	return nil
}

func (d *VirtualDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.buf = nil
	d.onEnd = nil
}

func (d *VirtualDevice) SetVolume(v float64) {
	d.mu.Lock()
	d.volume = v
	d.mu.Unlock()
}

// Volume returns the last applied volume.
func (d *VirtualDevice) Volume() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume
}

// SetRate folds elapsed output into the offset and reschedules the end
// callback for the new rate.
func (d *VirtualDevice) SetRate(rate float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf == nil {
		d.rate = rate
		return
	}
	now := time.Now()
	d.offset += now.Sub(d.startedAt).Seconds() * d.rate
	d.startedAt = now
	d.rate = rate
	d.stopLocked()
	d.scheduleLocked()
}

func (d *VirtualDevice) scheduleLocked() {
	remaining := d.buf.Duration() - d.offset
	if remaining < 0 {
		remaining = 0
	}
	wait := time.Duration(remaining / d.rate * float64(time.Second))
	d.seq++
	seq := d.seq
	d.timer = d.afterFunc(wait, func() {
		d.mu.Lock()
		if seq != d.seq || d.onEnd == nil {
			d.mu.Unlock()
			return
		}
		onEnd := d.onEnd
		d.onEnd = nil
		d.buf = nil
		d.timer = nil
		d.mu.Unlock()
		onEnd()
	})
}

func (d *VirtualDevice) stopLocked() {
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
