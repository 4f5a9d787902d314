package main

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snarg/readalong/internal/config"
	"github.com/snarg/readalong/internal/engine"
	"github.com/snarg/readalong/internal/events"
	"github.com/snarg/readalong/internal/journal"
	"github.com/snarg/readalong/internal/speech"
	"github.com/snarg/readalong/internal/synchronizer"
)

func voiceParams(el config.ElevenLabsConfig) speech.VoiceParams {
	return speech.VoiceParams{
		Stability:    el.Stability,
		Similarity:   el.Similarity,
		Style:        el.Style,
		SpeakerBoost: el.SpeakerBoost,
	}
}

func settingsFrom(cfg *config.Config) engine.Settings {
	s := cfg.Sync
	return engine.Settings{
		TickHz:   s.TickHz,
		TextRate: s.TextRate,
		MinRate:  s.TextRateMin,
		MaxRate:  s.TextRateMax,
		Thresholds: synchronizer.Thresholds{
			Perfect:    s.Perfect,
			Good:       s.Good,
			Acceptable: s.Acceptable,
			Poor:       s.Poor,
		},
		HistorySize:    s.HistorySize,
		AudioDriven:    s.AudioDriven,
		MatchAudioRate: s.MatchAudioRate,
		VoiceID:        cfg.ElevenLabs.VoiceID,
		ModelID:        cfg.ElevenLabs.ModelID,
		Voice:          voiceParams(cfg.ElevenLabs),
	}
}

func journalPool(db *journal.DB) *pgxpool.Pool {
	if db == nil {
		return nil
	}
	return db.Pool
}

// sessionStats adapts the engine and bus for the metrics collector.
type sessionStats struct {
	eng *engine.Engine
	bus *events.Bus
}

func (s sessionStats) PlaybackPosition() float64 { return s.eng.Snapshot().Playback.Position }
func (s sessionStats) TextCursor() int           { return s.eng.Snapshot().Text.Cursor }
func (s sessionStats) SyncMonitoring() bool      { return s.eng.SyncStatus().Monitoring }
func (s sessionStats) SubscriberCount() int      { return s.bus.SubscriberCount() }
