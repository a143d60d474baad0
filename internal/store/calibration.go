package store

import (
	"encoding/json"
	"fmt"

	"github.com/lox/metarcall/internal/models"
)

func (s *Store) InsertCalibrationRun(run models.CalibrationRun) (int64, error) {
	methods, err := json.Marshal(run.MethodsTested)
	if err != nil {
		return 0, fmt.Errorf("encode methods: %w", err)
	}

	result, err := s.db.Exec(`
		INSERT INTO calibration_runs (start_day, end_day, methods_tested, chosen_method, match_rate, mismatches, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.StartDay, run.EndDay, string(methods), run.ChosenMethod, run.MatchRate, run.Mismatches, run.Notes)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) ListCalibrationRuns(limit int) ([]models.CalibrationRun, error) {
	rows, err := s.db.Query(`
		SELECT id, start_day, end_day, methods_tested, chosen_method, match_rate, mismatches, notes, created_at
		FROM calibration_runs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.CalibrationRun
	for rows.Next() {
		var (
			run     models.CalibrationRun
			methods string
		)
		if err := rows.Scan(&run.ID, &run.StartDay, &run.EndDay, &methods, &run.ChosenMethod, &run.MatchRate, &run.Mismatches, &run.Notes, &run.CreatedAt); err != nil {
			return nil, err
		}
		if methods != "" {
			if err := json.Unmarshal([]byte(methods), &run.MethodsTested); err != nil {
				return nil, fmt.Errorf("decode methods: %w", err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
