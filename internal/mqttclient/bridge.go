package mqttclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/engine"
	"github.com/snarg/readalong/internal/events"
	"github.com/snarg/readalong/internal/metrics"
	"github.com/snarg/readalong/internal/speech"
)

// Controller is the slice of the engine the bridge drives.
type Controller interface {
	RequestSpeech(ctx context.Context, text string, p engine.SpeechParams) (*speech.Result, error)
	Play() error
	Pause() error
	Stop() error
	ResetAll()
	SetVolume(v float64) float64
	SetRate(r float64) float64
	StartTextStream(text string, rate float64)
}

// Publisher sends a payload to a topic. *Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Bridge republishes bus events to MQTT and executes control commands.
type Bridge struct {
	pub    Publisher
	ctrl   Controller
	bus    *events.Bus
	prefix string
	log    zerolog.Logger

	speechTimeout time.Duration
}

func NewBridge(pub Publisher, ctrl Controller, bus *events.Bus, prefix string, log zerolog.Logger) *Bridge {
	return &Bridge{
		pub:           pub,
		ctrl:          ctrl,
		bus:           bus,
		prefix:        prefix,
		log:           log.With().Str("component", "mqtt-bridge").Logger(),
		speechTimeout: 2 * time.Minute,
	}
}

// Run forwards bus events until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	ch, cancel := b.bus.Subscribe(events.Filter{})
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := b.pub.Publish(EventTopic(b.prefix, e.Type), data); err != nil {
				b.log.Warn().Err(err).Str("type", e.Type).Msg("mqtt event publish failed")
			}
		}
	}
}

type speakCommand struct {
	Text     string              `json:"text"`
	VoiceID  string              `json:"voice_id"`
	ModelID  string              `json:"model_id"`
	Voice    *speech.VoiceParams `json:"voice"`
	TextRate float64             `json:"text_rate"`
	AutoPlay *bool               `json:"autoplay"`
}

type textCommand struct {
	Text string  `json:"text"`
	Rate float64 `json:"rate"`
}

// HandleMessage executes one control message. It is the client's message
// handler.
func (b *Bridge) HandleMessage(topic string, payload []byte) {
	cmd, ok := parseCommand(b.prefix, topic)
	if !ok {
		return
	}
	err := b.execute(cmd, payload)
	result := "ok"
	if err != nil {
		result = "error"
		b.log.Warn().Err(err).Str("command", cmd).Msg("mqtt command failed")
	}
	metrics.MQTTCommandsTotal.WithLabelValues(cmd, result).Inc()
}

func (b *Bridge) execute(cmd string, payload []byte) error {
	switch cmd {
	case "play":
		return b.ctrl.Play()
	case "pause":
		return b.ctrl.Pause()
	case "stop":
		return b.ctrl.Stop()
	case "reset":
		b.ctrl.ResetAll()
		return nil
	case "volume":
		v, err := decodeValue(payload)
		if err != nil {
			return err
		}
		b.ctrl.SetVolume(v)
		return nil
	case "rate":
		v, err := decodeValue(payload)
		if err != nil {
			return err
		}
		b.ctrl.SetRate(v)
		return nil
	case "speak":
		sc, err := decodeSpeak(payload)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.speechTimeout)
		defer cancel()
		autoplay := sc.AutoPlay == nil || *sc.AutoPlay
		_, err = b.ctrl.RequestSpeech(ctx, sc.Text, engine.SpeechParams{
			VoiceID:  sc.VoiceID,
			ModelID:  sc.ModelID,
			Voice:    sc.Voice,
			TextRate: sc.TextRate,
			AutoPlay: autoplay,
		})
		return err
	case "text":
		tc, err := decodeText(payload)
		if err != nil {
			return err
		}
		b.ctrl.StartTextStream(tc.Text, tc.Rate)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// decodeValue accepts a bare number or {"value": n}.
func decodeValue(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	var body struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Value == nil {
		return 0, fmt.Errorf("expected a number or {\"value\": n}, got %q", s)
	}
	return *body.Value, nil
}

// decodeSpeak accepts plain text or a JSON object.
func decodeSpeak(payload []byte) (speakCommand, error) {
	var sc speakCommand
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(payload, &sc); err != nil {
			return sc, fmt.Errorf("invalid speak payload: %w", err)
		}
	} else {
		sc.Text = trimmed
	}
	if sc.Text == "" {
		return sc, fmt.Errorf("speak payload has no text")
	}
	return sc, nil
}

// decodeText accepts plain text or {"text": ..., "rate": ...}.
func decodeText(payload []byte) (textCommand, error) {
	var tc textCommand
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(payload, &tc); err != nil {
			return tc, fmt.Errorf("invalid text payload: %w", err)
		}
	} else {
		tc.Text = trimmed
	}
	if tc.Text == "" {
		return tc, fmt.Errorf("text payload has no text")
	}
	return tc, nil
}
