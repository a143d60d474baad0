package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lox/metarcall/internal/models"
)

type Store struct {
	db  *sql.DB
	loc *time.Location
}

func New(db *sql.DB, loc *time.Location) *Store {
	return &Store{db: db, loc: loc}
}

// Open opens (or creates) the SQLite database with the pragmas the service
// runs with.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Location is the station-local timezone the store was opened with.
func (s *Store) Location() *time.Location {
	return s.loc
}

// GetSettings returns the effective runtime settings: stored overrides merged
// over the defaults. An absent or empty override row yields the defaults.
func (s *Store) GetSettings() (models.Settings, error) {
	settings := models.DefaultSettings()

	var overrides string
	err := s.db.QueryRow("SELECT overrides FROM settings WHERE id = 1").Scan(&overrides)
	if err == sql.ErrNoRows {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("read settings: %w", err)
	}

	if overrides != "" && overrides != "{}" {
		if err := json.Unmarshal([]byte(overrides), &settings); err != nil {
			return models.DefaultSettings(), fmt.Errorf("decode settings overrides: %w", err)
		}
	}
	return settings, nil
}

// UpdateSettings merges the given fields into the stored override document.
// Keys absent from the patch keep their stored (or default) values.
func (s *Store) UpdateSettings(patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	merged := make(map[string]any)
	var stored string
	err := s.db.QueryRow("SELECT overrides FROM settings WHERE id = 1").Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read settings: %w", err)
	}
	if stored != "" {
		if err := json.Unmarshal([]byte(stored), &merged); err != nil {
			return fmt.Errorf("decode stored settings: %w", err)
		}
	}
	for key, value := range patch {
		merged[key] = value
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO settings (id, overrides, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			overrides = excluded.overrides,
			updated_at = excluded.updated_at
	`, string(encoded), time.Now().UTC())
	return err
}

// ReplaceSettings overwrites the full override document. Used by tests and
// the settings API, which always submits the complete object.
func (s *Store) ReplaceSettings(settings models.Settings) error {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO settings (id, overrides, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			overrides = excluded.overrides,
			updated_at = excluded.updated_at
	`, string(encoded), time.Now().UTC())
	return err
}
