package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// DefaultPCMRate is used for raw "pcm" payloads that do not name a rate.
const DefaultPCMRate = 24000

var ErrEmptyPayload = errors.New("empty audio payload")

// Decode converts a provider payload into a Buffer. format is the provider's
// output format name ("pcm_24000", "mp3_44100_128", "wav"); when it does not
// identify the container the payload header is sniffed.
func Decode(format string, data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	switch {
	case isWAV(data) || strings.HasPrefix(format, "wav"):
		return decodeWAV(data)
	case strings.HasPrefix(format, "mp3") || isMP3(data):
		return decodeMP3(data)
	case strings.HasPrefix(format, "pcm"):
		return decodePCM(data, pcmRate(format))
	default:
		return nil, fmt.Errorf("unsupported audio format %q", format)
	}
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	// MPEG frame sync
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// pcmRate extracts the sample rate from names like "pcm_16000".
func pcmRate(format string) int {
	_, rate, ok := strings.Cut(format, "_")
	if !ok {
		return DefaultPCMRate
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return DefaultPCMRate
	}
	return n
}

// decodePCM reads mono signed 16-bit little-endian samples.
func decodePCM(data []byte, rate int) (*Buffer, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned (%d bytes)", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return &Buffer{Samples: samples, SampleRate: rate, Channels: 1}, nil
}

func decodeWAV(data []byte) (*Buffer, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("invalid wav header")
	}
	ib, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav pcm: %w", err)
	}
	if ib.Format == nil || ib.Format.SampleRate <= 0 || ib.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("wav without format")
	}
	if len(ib.Data) == 0 {
		return nil, fmt.Errorf("wav has no samples")
	}

	depth := ib.SourceBitDepth
	if depth == 0 {
		depth = int(d.BitDepth)
	}
	samples := make([]int16, len(ib.Data))
	for i, v := range ib.Data {
		switch depth {
		case 8:
			samples[i] = int16((v - 128) << 8)
		case 24:
			samples[i] = int16(v >> 8)
		case 32:
			samples[i] = int16(v >> 16)
		default:
			samples[i] = int16(v)
		}
	}
	return &Buffer{
		Samples:    samples,
		SampleRate: ib.Format.SampleRate,
		Channels:   ib.Format.NumChannels,
	}, nil
}

// decodeMP3 always yields interleaved stereo; go-mp3 upmixes mono streams.
func decodeMP3(data []byte) (*Buffer, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open mp3: %w", err)
	}
	pcm, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("read mp3: %w", err)
	}
	if len(pcm) < 4 {
		return nil, fmt.Errorf("mp3 has no samples")
	}
	buf, err := decodePCM(pcm[:len(pcm)-len(pcm)%4], d.SampleRate())
	if err != nil {
		return nil, err
	}
	buf.Channels = 2
	return buf, nil
}
