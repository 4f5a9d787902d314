package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultElevenLabsBaseURL = "https://api.elevenlabs.io/v1"
	DefaultElevenLabsModel   = "eleven_monolingual_v1"
	DefaultElevenLabsFormat  = "pcm_24000"
)

// ElevenLabsClient calls the ElevenLabs text-to-speech API.
// Implements the Provider interface.
type ElevenLabsClient struct {
	apiKey  string
	baseURL string
	voiceID string
	model   string
	format  string
	voice   VoiceParams
	client  *http.Client
}

// ElevenLabsOptions configures an ElevenLabsClient. Empty fields take defaults.
type ElevenLabsOptions struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	Model        string
	OutputFormat string
	Voice        VoiceParams
	// HTTPClient overrides the transport; per-call deadlines come from the context.
	HTTPClient *http.Client
}

type elevenlabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenlabsVoiceSettings `json:"voice_settings"`
}

type elevenlabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// NewElevenLabsClient creates a new ElevenLabs TTS client.
func NewElevenLabsClient(opts ElevenLabsOptions) *ElevenLabsClient {
	el := &ElevenLabsClient{
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		voiceID: opts.VoiceID,
		model:   opts.Model,
		format:  opts.OutputFormat,
		voice:   opts.Voice,
		client:  opts.HTTPClient,
	}
	if el.baseURL == "" {
		el.baseURL = DefaultElevenLabsBaseURL
	}
	if el.model == "" {
		el.model = DefaultElevenLabsModel
	}
	if el.format == "" {
		el.format = DefaultElevenLabsFormat
	}
	if el.client == nil {
		el.client = &http.Client{}
	}
	return el
}

// Name returns the provider name.
func (el *ElevenLabsClient) Name() string { return "elevenlabs" }

// Model returns the configured model identifier.
func (el *ElevenLabsClient) Model() string { return el.model }

// Synthesize renders req.Text. Request fields override the client defaults.
func (el *ElevenLabsClient) Synthesize(ctx context.Context, req Request) (*Payload, error) {
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = el.voiceID
	}
	if voiceID == "" {
		return nil, &StatusError{StatusCode: http.StatusBadRequest, Message: "no voice id configured"}
	}
	model := req.ModelID
	if model == "" {
		model = el.model
	}
	voice := req.Voice
	if voice == (VoiceParams{}) {
		voice = el.voice
	}

	body, err := json.Marshal(elevenlabsRequest{
		Text:    req.Text,
		ModelID: model,
		VoiceSettings: elevenlabsVoiceSettings{
			Stability:       voice.Stability,
			SimilarityBoost: voice.Similarity,
			Style:           voice.Style,
			UseSpeakerBoost: voice.SpeakerBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s",
		el.baseURL, url.PathEscape(voiceID), url.QueryEscape(el.format))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", acceptFor(el.format))
	httpReq.Header.Set("xi-api-key", el.apiKey)

	resp, err := el.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Message:    errorDetail(data),
		}
	}

	return &Payload{
		Data:        data,
		Format:      el.format,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func acceptFor(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "wav"):
		return "audio/wav"
	default:
		return "audio/pcm"
	}
}

// maxDetailBytes caps raw upstream error bodies quoted in messages.
const maxDetailBytes = 512

// errorDetail pulls the message out of {"detail": {"message": ...}} or
// {"detail": "..."} bodies, falling back to the raw text cut on a rune
// boundary.
func errorDetail(body []byte) string {
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Detail) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(parsed.Detail, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if json.Unmarshal(parsed.Detail, &s) == nil && s != "" {
			return s
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxDetailBytes {
		cut := maxDetailBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
