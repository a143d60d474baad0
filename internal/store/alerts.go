package store

import (
	"encoding/json"
	"fmt"

	"github.com/lox/metarcall/internal/models"
)

func (s *Store) InsertAlert(alert models.Alert) error {
	_, err := s.db.Exec(`
		INSERT INTO alerts (day_key, type, payload)
		VALUES (?, ?, ?)
	`, alert.DayKey, alert.Type, alert.Payload)
	return err
}

// Alert records an alert with an arbitrary payload, encoding it as JSON.
func (s *Store) Alert(dayKey, alertType string, payload any) error {
	alert := models.Alert{DayKey: dayKey, Type: alertType}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode alert payload: %w", err)
		}
		alert.Payload.String = string(encoded)
		alert.Payload.Valid = true
	}
	return s.InsertAlert(alert)
}

func (s *Store) ListAlerts(dayKey string, limit int) ([]models.Alert, error) {
	rows, err := s.db.Query(`
		SELECT id, day_key, type, payload, created_at
		FROM alerts
		WHERE day_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, dayKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var alert models.Alert
		if err := rows.Scan(&alert.ID, &alert.DayKey, &alert.Type, &alert.Payload, &alert.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}
