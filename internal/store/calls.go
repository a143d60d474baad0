package store

import (
	"database/sql"
	"time"

	"github.com/lox/metarcall/internal/models"
)

const phoneCallColumns = `id, day_key, status, requested_by, requested_at, source_number, target_number, call_sid, call_started_at, call_completed_at, recording_sid, recording_url, recording_duration_sec, playback_token, transcript, temp_c, temp_f, parsed_ok, error, warning, created_at, updated_at`

func (s *Store) InsertPhoneCall(call models.PhoneCall) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO phone_calls (day_key, status, requested_by, requested_at, source_number, target_number, playback_token)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, call.DayKey, call.Status, call.RequestedBy, call.RequestedAt, call.SourceNumber, call.TargetNumber, call.PlaybackToken)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) GetPhoneCall(id int64) (*models.PhoneCall, error) {
	row := s.db.QueryRow(`SELECT `+phoneCallColumns+` FROM phone_calls WHERE id = ?`, id)
	return scanPhoneCall(row)
}

func (s *Store) GetPhoneCallByCallSID(callSID string) (*models.PhoneCall, error) {
	row := s.db.QueryRow(`SELECT `+phoneCallColumns+` FROM phone_calls WHERE call_sid = ? ORDER BY requested_at DESC LIMIT 1`, callSID)
	return scanPhoneCall(row)
}

func (s *Store) GetPhoneCallByPlaybackToken(token string) (*models.PhoneCall, error) {
	row := s.db.QueryRow(`SELECT `+phoneCallColumns+` FROM phone_calls WHERE playback_token = ? LIMIT 1`, token)
	return scanPhoneCall(row)
}

// GetLatestPhoneCall returns the most recently requested call across all
// days, or nil when no call has ever been placed. The cooldown gate keys off
// this row.
func (s *Store) GetLatestPhoneCall() (*models.PhoneCall, error) {
	row := s.db.QueryRow(`SELECT ` + phoneCallColumns + ` FROM phone_calls ORDER BY requested_at DESC, id DESC LIMIT 1`)
	return scanPhoneCall(row)
}

func (s *Store) ListPhoneCalls(dayKey string, limit int) ([]models.PhoneCall, error) {
	rows, err := s.db.Query(`SELECT `+phoneCallColumns+` FROM phone_calls WHERE day_key = ? ORDER BY requested_at DESC LIMIT ?`, dayKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []models.PhoneCall
	for rows.Next() {
		call, err := scanPhoneCallRow(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

func (s *Store) MarkCallInitiated(id int64, callSID string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE phone_calls SET status = ?, call_sid = ?, call_started_at = ?, updated_at = ? WHERE id = ?
	`, models.CallStatusCallInitiated, callSID, startedAt, touch(), id)
	return err
}

func (s *Store) MarkCallFailed(id int64, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE phone_calls SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, models.CallStatusFailed, errMsg, touch(), id)
	return err
}

func (s *Store) MarkRecordingReady(id int64, recordingSID, recordingURL string, durationSec int64, completedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE phone_calls SET status = ?, recording_sid = ?, recording_url = ?, recording_duration_sec = ?, call_completed_at = ?, updated_at = ? WHERE id = ?
	`, models.CallStatusRecordingReady, recordingSID, recordingURL, durationSec, completedAt, touch(), id)
	return err
}

func (s *Store) MarkCallProcessed(id int64, transcript string, tempC, tempF float64, warning sql.NullString) error {
	_, err := s.db.Exec(`
		UPDATE phone_calls SET status = ?, transcript = ?, temp_c = ?, temp_f = ?, parsed_ok = TRUE, warning = ?, updated_at = ? WHERE id = ?
	`, models.CallStatusProcessed, transcript, tempC, tempF, warning, touch(), id)
	return err
}

func (s *Store) MarkCallParseFailed(id int64, transcript sql.NullString, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE phone_calls SET status = ?, transcript = ?, error = ?, updated_at = ? WHERE id = ?
	`, models.CallStatusParseFailed, transcript, errMsg, touch(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhoneCall(row *sql.Row) (*models.PhoneCall, error) {
	call, err := scanPhoneCallRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return call, err
}

func scanPhoneCallRow(row rowScanner) (*models.PhoneCall, error) {
	var call models.PhoneCall
	err := row.Scan(
		&call.ID, &call.DayKey, &call.Status, &call.RequestedBy, &call.RequestedAt,
		&call.SourceNumber, &call.TargetNumber, &call.CallSID, &call.CallStartedAt, &call.CallCompletedAt,
		&call.RecordingSID, &call.RecordingURL, &call.RecordingDurationSec, &call.PlaybackToken,
		&call.Transcript, &call.TempC, &call.TempF, &call.ParsedOK, &call.Error, &call.Warning,
		&call.CreatedAt, &call.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &call, nil
}
