package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS settings (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    overrides TEXT NOT NULL DEFAULT '{}',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    day_key TEXT NOT NULL,
    obs_key TEXT NOT NULL,
    source TEXT NOT NULL,
    raw_metar TEXT NOT NULL,
    obs_time_utc DATETIME NOT NULL,
    temp_whole_f INTEGER,
    is_new_high BOOLEAN NOT NULL DEFAULT FALSE,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(obs_key)
);

CREATE TABLE IF NOT EXISTS daily_stats (
    day_key TEXT PRIMARY KEY,
    current_temp_whole_f INTEGER,
    high_so_far_whole_f INTEGER,
    time_of_high DATETIME,
    last_observation_at DATETIME,
    last_successful_poll_at DATETIME,
    poll_stale_seconds INTEGER,
    is_stale BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS forecast_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    day_key TEXT NOT NULL,
    source TEXT NOT NULL,
    fetched_at DATETIME NOT NULL,
    generated_at DATETIME,
    predicted_max_temp_f REAL,
    predicted_max_at DATETIME,
    hourly_json TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS auto_call_decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    day_key TEXT NOT NULL,
    decision_key TEXT NOT NULL,
    evaluated_at DATETIME NOT NULL,
    decision TEXT NOT NULL,
    reason_code TEXT NOT NULL,
    reason_detail TEXT,
    window_label TEXT NOT NULL DEFAULT 'OUTSIDE',
    predicted_max_at DATETIME,
    call_sid TEXT,
    shadow_mode BOOLEAN NOT NULL DEFAULT FALSE,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(decision_key)
);

CREATE TABLE IF NOT EXISTS auto_call_state (
    day_key TEXT PRIMARY KEY,
    enabled BOOLEAN NOT NULL DEFAULT FALSE,
    shadow_mode BOOLEAN NOT NULL DEFAULT TRUE,
    auto_calls_made INTEGER NOT NULL DEFAULT 0,
    last_auto_call_at DATETIME,
    last_decision_at DATETIME,
    last_reason_code TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS phone_calls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    day_key TEXT NOT NULL,
    status TEXT NOT NULL,
    requested_by TEXT,
    requested_at DATETIME NOT NULL,
    source_number TEXT,
    target_number TEXT NOT NULL,
    call_sid TEXT,
    call_started_at DATETIME,
    call_completed_at DATETIME,
    recording_sid TEXT,
    recording_url TEXT,
    recording_duration_sec INTEGER,
    playback_token TEXT,
    transcript TEXT,
    temp_c REAL,
    temp_f REAL,
    parsed_ok BOOLEAN NOT NULL DEFAULT FALSE,
    error TEXT,
    warning TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS calibration_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    start_day TEXT NOT NULL,
    end_day TEXT NOT NULL,
    methods_tested TEXT NOT NULL DEFAULT '[]',
    chosen_method TEXT,
    match_rate REAL,
    mismatches TEXT,
    notes TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS market_bins (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    day_key TEXT NOT NULL,
    market_id TEXT NOT NULL,
    label TEXT NOT NULL,
    lower_bound_f REAL,
    upper_bound_f REAL,
    status TEXT NOT NULL DEFAULT 'ALIVE',
    dead_since DATETIME,
    yes_price REAL,
    price_updated_at DATETIME,
    UNIQUE(day_key, market_id)
);

CREATE TABLE IF NOT EXISTS alerts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    day_key TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_obs_day_time ON observations(day_key, obs_time_utc);
CREATE INDEX IF NOT EXISTS idx_forecast_day_fetched ON forecast_snapshots(day_key, fetched_at);
CREATE INDEX IF NOT EXISTS idx_decisions_day ON auto_call_decisions(day_key, evaluated_at);
CREATE INDEX IF NOT EXISTS idx_calls_day ON phone_calls(day_key, requested_at);
CREATE INDEX IF NOT EXISTS idx_alerts_day ON alerts(day_key, created_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
