package engine

import "github.com/snarg/readalong/internal/playback"

// Controls tells a surface which transport buttons to enable.
type Controls struct {
	PlayEnabled  bool   `json:"play_enabled"`
	PauseEnabled bool   `json:"pause_enabled"`
	StopEnabled  bool   `json:"stop_enabled"`
	Tooltip      string `json:"tooltip"`
}

func controlsFor(phase playback.Phase, hasText, textRunning bool) Controls {
	switch phase {
	case playback.PhaseLoaded:
		return Controls{PlayEnabled: true, StopEnabled: true, Tooltip: "Ready to play"}
	case playback.PhasePlaying:
		return Controls{PauseEnabled: true, StopEnabled: true, Tooltip: "Playing"}
	case playback.PhasePaused:
		return Controls{PlayEnabled: true, StopEnabled: true, Tooltip: "Paused"}
	case playback.PhaseStopped:
		return Controls{PlayEnabled: true, Tooltip: "Stopped"}
	case playback.PhaseEnded:
		if textRunning {
			return Controls{PauseEnabled: true, StopEnabled: true, Tooltip: "Audio finished, text still streaming"}
		}
		return Controls{PlayEnabled: true, Tooltip: "Finished, play to restart"}
	}
	if hasText {
		return Controls{PlayEnabled: true, PauseEnabled: true, StopEnabled: true, Tooltip: "No audio, text will stream on its own"}
	}
	return Controls{Tooltip: "Generate speech to enable playback"}
}
