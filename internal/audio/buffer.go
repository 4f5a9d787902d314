// Package audio holds the provider-agnostic playable buffer and the decoders
// that turn speech provider payloads into it.
package audio

import (
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Buffer is decoded 16-bit PCM, interleaved when Channels > 1.
type Buffer struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length in seconds at normal rate.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// WriteWAV encodes the buffer as a 16-bit PCM WAV file.
func (b *Buffer) WriteWAV(w io.WriteSeeker) error {
	if b == nil || b.SampleRate <= 0 || b.Channels <= 0 {
		return fmt.Errorf("write wav: empty buffer")
	}
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: b.Channels, SampleRate: b.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(b.Samples)),
	}
	for i, s := range b.Samples {
		ib.Data[i] = int(s)
	}

	enc := wav.NewEncoder(w, b.SampleRate, 16, b.Channels, 1)
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
