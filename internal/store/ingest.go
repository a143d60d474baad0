package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lox/metarcall/internal/models"
)

// InsertObservationIfNew inserts an observation keyed by its obs_key. It
// returns false when an observation with the same key already exists, which
// makes repeated polls of an unchanged report a no-op.
func (s *Store) InsertObservationIfNew(obs models.Observation) (bool, error) {
	result, err := s.db.Exec(`
		INSERT INTO observations (day_key, obs_key, source, raw_metar, obs_time_utc, temp_whole_f, is_new_high)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(obs_key) DO NOTHING
	`, obs.DayKey, obs.ObsKey, obs.Source, obs.RawMetar, obs.ObsTimeUTC, obs.TempWholeF, obs.IsNewHigh)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetRecentObservations returns up to limit observations for a day, newest
// first.
func (s *Store) GetRecentObservations(dayKey string, limit int) ([]models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT id, day_key, obs_key, source, raw_metar, obs_time_utc, temp_whole_f, is_new_high, created_at
		FROM observations
		WHERE day_key = ?
		ORDER BY obs_time_utc DESC
		LIMIT ?
	`, dayKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []models.Observation
	for rows.Next() {
		var obs models.Observation
		if err := rows.Scan(&obs.ID, &obs.DayKey, &obs.ObsKey, &obs.Source, &obs.RawMetar, &obs.ObsTimeUTC, &obs.TempWholeF, &obs.IsNewHigh, &obs.CreatedAt); err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

func (s *Store) UpsertDailyStats(stats models.DailyStats) error {
	_, err := s.db.Exec(`
		INSERT INTO daily_stats (day_key, current_temp_whole_f, high_so_far_whole_f, time_of_high, last_observation_at, last_successful_poll_at, poll_stale_seconds, is_stale, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day_key) DO UPDATE SET
			current_temp_whole_f = excluded.current_temp_whole_f,
			high_so_far_whole_f = excluded.high_so_far_whole_f,
			time_of_high = excluded.time_of_high,
			last_observation_at = excluded.last_observation_at,
			last_successful_poll_at = excluded.last_successful_poll_at,
			poll_stale_seconds = excluded.poll_stale_seconds,
			is_stale = excluded.is_stale,
			updated_at = excluded.updated_at
	`, stats.DayKey, stats.CurrentTempWholeF, stats.HighSoFarWholeF, stats.TimeOfHigh, stats.LastObservationAt, stats.LastSuccessfulPollAt, stats.PollStaleSeconds, stats.IsStale, stats.UpdatedAt)
	return err
}

func (s *Store) GetDailyStats(dayKey string) (*models.DailyStats, error) {
	row := s.db.QueryRow(`
		SELECT day_key, current_temp_whole_f, high_so_far_whole_f, time_of_high, last_observation_at, last_successful_poll_at, poll_stale_seconds, is_stale, updated_at
		FROM daily_stats
		WHERE day_key = ?
	`, dayKey)

	var stats models.DailyStats
	err := row.Scan(&stats.DayKey, &stats.CurrentTempWholeF, &stats.HighSoFarWholeF, &stats.TimeOfHigh, &stats.LastObservationAt, &stats.LastSuccessfulPollAt, &stats.PollStaleSeconds, &stats.IsStale, &stats.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *Store) InsertForecastSnapshot(snap models.ForecastSnapshot) (int64, error) {
	hourly, err := json.Marshal(snap.Hourly)
	if err != nil {
		return 0, fmt.Errorf("encode hourly periods: %w", err)
	}

	result, err := s.db.Exec(`
		INSERT INTO forecast_snapshots (day_key, source, fetched_at, generated_at, predicted_max_temp_f, predicted_max_at, hourly_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snap.DayKey, snap.Source, snap.FetchedAt, snap.GeneratedAt, snap.PredictedMaxTempF, snap.PredictedMaxAt, string(hourly))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetLatestForecastSnapshot returns the most recently fetched snapshot for a
// day, or nil when no forecast has been stored yet.
func (s *Store) GetLatestForecastSnapshot(dayKey string) (*models.ForecastSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT id, day_key, source, fetched_at, generated_at, predicted_max_temp_f, predicted_max_at, hourly_json, created_at
		FROM forecast_snapshots
		WHERE day_key = ?
		ORDER BY fetched_at DESC
		LIMIT 1
	`, dayKey)

	var (
		snap   models.ForecastSnapshot
		hourly string
	)
	err := row.Scan(&snap.ID, &snap.DayKey, &snap.Source, &snap.FetchedAt, &snap.GeneratedAt, &snap.PredictedMaxTempF, &snap.PredictedMaxAt, &hourly, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if hourly != "" {
		if err := json.Unmarshal([]byte(hourly), &snap.Hourly); err != nil {
			return nil, fmt.Errorf("decode hourly periods: %w", err)
		}
	}
	return &snap, nil
}

// touch is the shared updated_at value for row mutations.
func touch() time.Time {
	return time.Now().UTC()
}
