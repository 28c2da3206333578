package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mnemo/internal/models"
)

const jobPauseKey = "job_pause_state"

type persistedPause struct {
	Paused bool `json:"paused"`
}

// JobPauseState reads the pause switch. A missing row means running.
func (s *Store) JobPauseState(ctx context.Context) (models.JobPause, error) {
	var raw, updated string
	err := s.db.QueryRowContext(ctx, "SELECT value, updated_at FROM system_config WHERE key = ?", jobPauseKey).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobPause{}, nil
	}
	if err != nil {
		return models.JobPause{}, err
	}

	var p persistedPause
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return models.JobPause{}, fmt.Errorf("decode %s: %w", jobPauseKey, err)
	}
	at, err := dbParseTime(updated)
	if err != nil {
		return models.JobPause{}, err
	}
	return models.JobPause{Paused: p.Paused, UpdatedAt: &at}, nil
}

// SetJobPaused persists the pause switch and returns the stored state.
func (s *Store) SetJobPaused(ctx context.Context, paused bool) (models.JobPause, error) {
	raw, err := json.Marshal(persistedPause{Paused: paused})
	if err != nil {
		return models.JobPause{}, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		jobPauseKey, string(raw), dbFormatTime(now))
	if err != nil {
		return models.JobPause{}, fmt.Errorf("persist %s: %w", jobPauseKey, err)
	}
	return models.JobPause{Paused: paused, UpdatedAt: &now}, nil
}
