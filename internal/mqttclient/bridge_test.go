package mqttclient

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/readalong/internal/engine"
	"github.com/snarg/readalong/internal/events"
	"github.com/snarg/readalong/internal/speech"
)

type fakeController struct {
	mu     sync.Mutex
	calls  []string
	volume float64
	rate   float64
	text   string
	params engine.SpeechParams
	err    error
}

func (f *fakeController) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeController) RequestSpeech(_ context.Context, text string, p engine.SpeechParams) (*speech.Result, error) {
	f.record("speak")
	f.text, f.params = text, p
	return nil, f.err
}
func (f *fakeController) Play() error  { f.record("play"); return f.err }
func (f *fakeController) Pause() error { f.record("pause"); return f.err }
func (f *fakeController) Stop() error  { f.record("stop"); return f.err }
func (f *fakeController) ResetAll()    { f.record("reset") }
func (f *fakeController) SetVolume(v float64) float64 {
	f.record("volume")
	f.volume = v
	return v
}
func (f *fakeController) SetRate(r float64) float64 {
	f.record("rate")
	f.rate = r
	return r
}
func (f *fakeController) StartTextStream(text string, rate float64) {
	f.record("text")
	f.text, f.rate = text, rate
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
	got    chan struct{}
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, payload)
	p.mu.Unlock()
	p.got <- struct{}{}
	return nil
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		prefix, topic string
		want          string
		ok            bool
	}{
		{"readalong", "readalong/control/play", "play", true},
		{"home/reader/", "home/reader/control/volume", "volume", true},
		{"", "control/stop", "stop", true},
		{"readalong", "readalong/control/", "", false},
		{"readalong", "readalong/control/a/b", "", false},
		{"readalong", "other/control/play", "", false},
		{"readalong", "readalong/events/play", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := parseCommand(tt.prefix, tt.topic)
			if got != tt.want || ok != tt.ok {
				t.Errorf("parseCommand(%q, %q) = (%q, %v), want (%q, %v)", tt.prefix, tt.topic, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestTopics(t *testing.T) {
	if got := EventTopic("readalong", events.TypeCursor); got != "readalong/events/text_cursor" {
		t.Errorf("EventTopic() = %q, want readalong/events/text_cursor", got)
	}
	if got := ControlTopic("/readalong/", "#"); got != "readalong/control/#" {
		t.Errorf("ControlTopic() = %q, want readalong/control/#", got)
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    float64
		wantErr bool
	}{
		{"bare_number", " 0.25 ", 0.25, false},
		{"json_object", `{"value": 1.5}`, 1.5, false},
		{"missing_value", `{"other": 1}`, 0, true},
		{"not_a_number", "loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeValue([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeValue(%q) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("decodeValue(%q) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestHandleMessage(t *testing.T) {
	newBridge := func() (*Bridge, *fakeController) {
		ctrl := &fakeController{}
		return NewBridge(&fakePublisher{got: make(chan struct{}, 8)}, ctrl, events.NewBus(8), "ra", zerolog.Nop()), ctrl
	}

	t.Run("transport_commands", func(t *testing.T) {
		b, ctrl := newBridge()
		for _, cmd := range []string{"play", "pause", "stop", "reset"} {
			b.HandleMessage("ra/control/"+cmd, nil)
		}
		if want := []string{"play", "pause", "stop", "reset"}; !reflect.DeepEqual(ctrl.calls, want) {
			t.Errorf("calls = %v, want %v", ctrl.calls, want)
		}
	})

	t.Run("volume_and_rate", func(t *testing.T) {
		b, ctrl := newBridge()
		b.HandleMessage("ra/control/volume", []byte("0.3"))
		b.HandleMessage("ra/control/rate", []byte(`{"value":1.25}`))
		b.HandleMessage("ra/control/rate", []byte("fast"))
		if ctrl.volume != 0.3 {
			t.Errorf("volume = %v, want 0.3", ctrl.volume)
		}
		if ctrl.rate != 1.25 {
			t.Errorf("rate = %v, want 1.25", ctrl.rate)
		}
		if want := []string{"volume", "rate"}; !reflect.DeepEqual(ctrl.calls, want) {
			t.Errorf("calls = %v, want %v", ctrl.calls, want)
		}
	})

	t.Run("speak_plain_text_autoplays", func(t *testing.T) {
		b, ctrl := newBridge()
		b.HandleMessage("ra/control/speak", []byte("Hello world"))
		if ctrl.text != "Hello world" {
			t.Errorf("text = %q, want Hello world", ctrl.text)
		}
		if !ctrl.params.AutoPlay {
			t.Error("AutoPlay = false, want true")
		}
	})

	t.Run("speak_json", func(t *testing.T) {
		b, ctrl := newBridge()
		b.HandleMessage("ra/control/speak", []byte(`{"text":"Hi","voice_id":"v9","autoplay":false,"text_rate":12}`))
		if ctrl.text != "Hi" || ctrl.params.VoiceID != "v9" {
			t.Errorf("text/voice = %q/%q, want Hi/v9", ctrl.text, ctrl.params.VoiceID)
		}
		if ctrl.params.TextRate != 12 {
			t.Errorf("TextRate = %v, want 12", ctrl.params.TextRate)
		}
		if ctrl.params.AutoPlay {
			t.Error("AutoPlay = true, want false")
		}
	})

	t.Run("speak_without_text_is_rejected", func(t *testing.T) {
		b, ctrl := newBridge()
		b.HandleMessage("ra/control/speak", []byte(`{"voice_id":"v9"}`))
		if len(ctrl.calls) != 0 {
			t.Errorf("calls = %v, want none", ctrl.calls)
		}
	})

	t.Run("text_stream", func(t *testing.T) {
		b, ctrl := newBridge()
		b.HandleMessage("ra/control/text", []byte(`{"text":"read me","rate":8}`))
		if ctrl.text != "read me" || ctrl.rate != 8 {
			t.Errorf("text stream = %q at %v, want \"read me\" at 8", ctrl.text, ctrl.rate)
		}
	})

	t.Run("errors_do_not_panic", func(t *testing.T) {
		b, ctrl := newBridge()
		ctrl.err = errors.New("nope")
		b.HandleMessage("ra/control/play", nil)
		b.HandleMessage("ra/control/unknown", nil)
		b.HandleMessage("ra/events/play", nil)
		if want := []string{"play"}; !reflect.DeepEqual(ctrl.calls, want) {
			t.Errorf("calls = %v, want %v", ctrl.calls, want)
		}
	})
}

func TestRunForwardsEvents(t *testing.T) {
	pub := &fakePublisher{got: make(chan struct{}, 8)}
	bus := events.NewBus(8)
	b := NewBridge(pub, &fakeController{}, bus, "ra", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(events.TypeCompletion, "s1", struct{}{})

	select {
	case <-pub.got:
	case <-time.After(time.Second):
		t.Fatal("event was not forwarded")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.topics[0] != "ra/events/completion" {
		t.Errorf("topic = %q, want ra/events/completion", pub.topics[0])
	}
	var e events.Event
	if err := json.Unmarshal(pub.bodies[0], &e); err != nil {
		t.Fatalf("payload is not an event: %v", err)
	}
	if e.Session != "s1" {
		t.Errorf("Session = %q, want s1", e.Session)
	}
}
