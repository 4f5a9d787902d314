package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/readalong/internal/engine"
	"github.com/snarg/readalong/internal/playback"
	"github.com/snarg/readalong/internal/speech"
	"github.com/snarg/readalong/internal/synchronizer"
)

// Controller is the session surface the HTTP handlers drive. *engine.Engine
// implements it.
type Controller interface {
	RequestSpeech(ctx context.Context, text string, p engine.SpeechParams) (*speech.Result, error)
	Play() error
	Pause() error
	Stop() error
	Seek(sec float64) error
	SetVolume(v float64) float64
	SetRate(r float64) float64
	StartTextStream(text string, rate float64)
	ResetAll()
	Snapshot() engine.Snapshot
	SyncStatus() synchronizer.Status
}

type SessionHandler struct {
	ctrl Controller
}

func NewSessionHandler(ctrl Controller) *SessionHandler {
	return &SessionHandler{ctrl: ctrl}
}

type speechRequest struct {
	Text     string              `json:"text"`
	VoiceID  string              `json:"voice_id"`
	ModelID  string              `json:"model_id"`
	Voice    *speech.VoiceParams `json:"voice"`
	TextRate float64             `json:"text_rate"`
	AutoPlay bool                `json:"autoplay"`
}

type speechResponse struct {
	Metadata        speech.Metadata `json:"metadata"`
	DurationSeconds float64         `json:"duration_seconds"`
	Format          string          `json:"format"`
	State           engine.Snapshot `json:"state"`
}

// Speak renders text and loads it with the text stream.
func (h *SessionHandler) Speak(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	res, err := h.ctrl.RequestSpeech(r.Context(), req.Text, engine.SpeechParams{
		VoiceID:  req.VoiceID,
		ModelID:  req.ModelID,
		Voice:    req.Voice,
		TextRate: req.TextRate,
		AutoPlay: req.AutoPlay,
	})
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, speechResponse{
		Metadata:        res.Metadata,
		DurationSeconds: res.Duration,
		Format:          res.Format,
		State:           h.ctrl.Snapshot(),
	})
}

// transport wraps a no-argument control call and replies with the new state.
func (h *SessionHandler) transport(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			WriteFault(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, h.ctrl.Snapshot())
	}
}

type seekRequest struct {
	Position *float64 `json:"position"`
}

func (h *SessionHandler) Seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := DecodeJSON(r, &req); err != nil || req.Position == nil {
		WriteError(w, http.StatusBadRequest, "position is required")
		return
	}
	if err := h.ctrl.Seek(*req.Position); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

type valueRequest struct {
	Value *float64 `json:"value"`
}

type valueResponse struct {
	Value float64 `json:"value"`
}

// setter applies a clamped numeric setting and replies with the applied value.
func setter(fn func(float64) float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req valueRequest
		if err := DecodeJSON(r, &req); err != nil || req.Value == nil {
			WriteError(w, http.StatusBadRequest, "value is required")
			return
		}
		WriteJSON(w, http.StatusOK, valueResponse{Value: fn(*req.Value)})
	}
}

func (h *SessionHandler) Speeds(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string][]float64{"speeds": playback.SpeedPresets})
}

type textRequest struct {
	Text string  `json:"text"`
	Rate float64 `json:"rate"`
}

// StartText streams text on its own clock with no audio.
func (h *SessionHandler) StartText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		WriteError(w, http.StatusBadRequest, "text is required")
		return
	}
	h.ctrl.StartTextStream(req.Text, req.Rate)
	WriteJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ResetAll()
	WriteJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *SessionHandler) State(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *SessionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.ctrl.SyncStatus())
}

// Routes registers session routes on the given router.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Post("/speech", h.Speak)
	r.Post("/playback/play", h.transport(h.ctrl.Play))
	r.Post("/playback/pause", h.transport(h.ctrl.Pause))
	r.Post("/playback/stop", h.transport(h.ctrl.Stop))
	r.Post("/playback/seek", h.Seek)
	r.Put("/playback/volume", setter(h.ctrl.SetVolume))
	r.Put("/playback/rate", setter(h.ctrl.SetRate))
	r.Get("/playback/speeds", h.Speeds)
	r.Post("/text", h.StartText)
	r.Post("/reset", h.Reset)
	r.Get("/state", h.State)
	r.Get("/sync", h.Sync)
}
