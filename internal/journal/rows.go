package journal

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type GenerationRow struct {
	SessionID    string
	Provider     string
	VoiceID      string
	ModelID      string
	TextLength   int
	Attempts     int
	GenerationMs float64
	SampleRate   int
	Channels     int
	Cached       bool
	Time         time.Time
}

type SyncIncidentRow struct {
	SessionID     string    `json:"session_id"`
	AudioTime     float64   `json:"audio_time_seconds"`
	ExpectedIndex int       `json:"expected_text_index"`
	ActualIndex   int       `json:"actual_text_index"`
	DriftMs       float64   `json:"drift_ms"`
	Quality       string    `json:"quality"`
	Corrected     bool      `json:"corrected"`
	Message       string    `json:"message"`
	Time          time.Time `json:"time"`
}

type ErrorRow struct {
	SessionID string
	Kind      string
	Message   string
	Time      time.Time
}

// InsertGenerations batch-inserts generation rows using CopyFrom.
func (db *DB) InsertGenerations(ctx context.Context, rows []GenerationRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.SessionID, r.Provider, r.VoiceID, r.ModelID, r.TextLength,
			r.Attempts, r.GenerationMs, r.SampleRate, r.Channels, r.Cached, r.Time,
		}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"speech_generations"},
		[]string{
			"session_id", "provider", "voice_id", "model_id", "text_length",
			"attempts", "generation_ms", "sample_rate", "channels", "cached", "time",
		},
		pgx.CopyFromRows(copyRows),
	)
}

// InsertSyncIncidents batch-inserts Poor and Failed sync samples.
func (db *DB) InsertSyncIncidents(ctx context.Context, rows []SyncIncidentRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.SessionID, r.AudioTime, r.ExpectedIndex, r.ActualIndex, r.DriftMs,
			r.Quality, r.Corrected, r.Message, r.Time,
		}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"sync_incidents"},
		[]string{
			"session_id", "audio_time", "expected_index", "actual_index", "drift_ms",
			"quality", "corrected", "message", "time",
		},
		pgx.CopyFromRows(copyRows),
	)
}

// InsertErrors batch-inserts engine errors.
func (db *DB) InsertErrors(ctx context.Context, rows []ErrorRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{r.SessionID, r.Kind, r.Message, r.Time}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"engine_errors"},
		[]string{"session_id", "kind", "message", "time"},
		pgx.CopyFromRows(copyRows),
	)
}

// RecentIncidents returns the latest sync incidents, newest first.
func (db *DB) RecentIncidents(ctx context.Context, limit int) ([]SyncIncidentRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT session_id, audio_time, expected_index, actual_index, drift_ms,
		       quality, corrected, message, "time"
		FROM sync_incidents
		ORDER BY "time" DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncIncidentRow
	for rows.Next() {
		var r SyncIncidentRow
		if err := rows.Scan(&r.SessionID, &r.AudioTime, &r.ExpectedIndex, &r.ActualIndex,
			&r.DriftMs, &r.Quality, &r.Corrected, &r.Message, &r.Time); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
