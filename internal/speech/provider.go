package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/snarg/readalong/internal/audio"
)

// Provider is the interface for text-to-speech backends.
type Provider interface {
	Synthesize(ctx context.Context, req Request) (*Payload, error)
	Name() string // "elevenlabs"
}

// VoiceParams shape the rendered voice. Zero values mean "provider default".
type VoiceParams struct {
	Stability    float64 `json:"stability"`
	Similarity   float64 `json:"similarity"`
	Style        float64 `json:"style"`
	SpeakerBoost bool    `json:"speaker_boost"`
}

// Request is one text-to-speech rendering request.
type Request struct {
	Text    string      `json:"text"`
	VoiceID string      `json:"voice_id,omitempty"`
	ModelID string      `json:"model_id,omitempty"`
	Voice   VoiceParams `json:"voice"`
}

// Payload is the raw provider response body.
type Payload struct {
	Data        []byte
	Format      string // provider output format, e.g. "pcm_24000"
	ContentType string
}

// Result is a successfully generated and decoded rendering. Immutable once returned.
type Result struct {
	Audio    []byte
	Format   string
	Buffer   *audio.Buffer
	Duration float64 // seconds
	Metadata Metadata
}

// Metadata describes how a Result was produced.
type Metadata struct {
	TextLength     int           `json:"text_length"`
	VoiceID        string        `json:"voice_id"`
	ModelID        string        `json:"model_id"`
	Provider       string        `json:"provider"`
	Attempts       int           `json:"attempts"`
	GenerationTime time.Duration `json:"generation_time"`
	SampleRate     int           `json:"sample_rate"`
	Channels       int           `json:"channels"`
	Cached         bool          `json:"cached"`
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider API error (status %d): %s", e.StatusCode, e.Message)
}
