package store

import (
	"database/sql"
	"time"

	"github.com/lox/metarcall/internal/models"
)

// ReasonPending marks a decision row that has been claimed but not yet
// finalized. It never survives a healthy evaluation tick.
const ReasonPending = "PENDING_EVALUATION"

// ClaimDecision inserts the placeholder row for a decision key. It returns
// false when another evaluation already claimed the key, in which case the
// caller must stop without side effects.
func (s *Store) ClaimDecision(dayKey, decisionKey string, evaluatedAt time.Time, shadowMode bool) (bool, error) {
	result, err := s.db.Exec(`
		INSERT INTO auto_call_decisions (day_key, decision_key, evaluated_at, decision, reason_code, shadow_mode)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_key) DO NOTHING
	`, dayKey, decisionKey, evaluatedAt, models.DecisionSkip, ReasonPending, shadowMode)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FinalizeDecision fills in the claimed row exactly once.
func (s *Store) FinalizeDecision(decisionKey string, d models.AutoCallDecision) error {
	_, err := s.db.Exec(`
		UPDATE auto_call_decisions SET
			decision = ?,
			reason_code = ?,
			reason_detail = ?,
			window_label = ?,
			predicted_max_at = ?,
			call_sid = ?,
			shadow_mode = ?,
			updated_at = ?
		WHERE decision_key = ?
	`, d.Decision, d.ReasonCode, d.ReasonDetail, d.Window, d.PredictedMaxAt, d.CallSID, d.ShadowMode, touch(), decisionKey)
	return err
}

func (s *Store) GetDecision(decisionKey string) (*models.AutoCallDecision, error) {
	row := s.db.QueryRow(`
		SELECT id, day_key, decision_key, evaluated_at, decision, reason_code, reason_detail, window_label, predicted_max_at, call_sid, shadow_mode, created_at, updated_at
		FROM auto_call_decisions
		WHERE decision_key = ?
	`, decisionKey)
	return scanDecision(row)
}

// GetRecentDecisions returns up to limit decisions for a day, newest first.
func (s *Store) GetRecentDecisions(dayKey string, limit int) ([]models.AutoCallDecision, error) {
	rows, err := s.db.Query(`
		SELECT id, day_key, decision_key, evaluated_at, decision, reason_code, reason_detail, window_label, predicted_max_at, call_sid, shadow_mode, created_at, updated_at
		FROM auto_call_decisions
		WHERE day_key = ?
		ORDER BY evaluated_at DESC
		LIMIT ?
	`, dayKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []models.AutoCallDecision
	for rows.Next() {
		var d models.AutoCallDecision
		if err := rows.Scan(&d.ID, &d.DayKey, &d.DecisionKey, &d.EvaluatedAt, &d.Decision, &d.ReasonCode, &d.ReasonDetail, &d.Window, &d.PredictedMaxAt, &d.CallSID, &d.ShadowMode, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func scanDecision(row *sql.Row) (*models.AutoCallDecision, error) {
	var d models.AutoCallDecision
	err := row.Scan(&d.ID, &d.DayKey, &d.DecisionKey, &d.EvaluatedAt, &d.Decision, &d.ReasonCode, &d.ReasonDetail, &d.Window, &d.PredictedMaxAt, &d.CallSID, &d.ShadowMode, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) GetAutoCallState(dayKey string) (*models.AutoCallState, error) {
	row := s.db.QueryRow(`
		SELECT day_key, enabled, shadow_mode, auto_calls_made, last_auto_call_at, last_decision_at, last_reason_code, updated_at
		FROM auto_call_state
		WHERE day_key = ?
	`, dayKey)

	var state models.AutoCallState
	err := row.Scan(&state.DayKey, &state.Enabled, &state.ShadowMode, &state.AutoCallsMade, &state.LastAutoCallAt, &state.LastDecisionAt, &state.LastReasonCode, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// ApplyDecisionToState records a finalized decision on the per-day counter
// row. countedCall increments auto_calls_made and stamps last_auto_call_at;
// skips and shadow decisions only update the decision bookkeeping.
func (s *Store) ApplyDecisionToState(dayKey string, now time.Time, reasonCode string, countedCall bool, enabled, shadowMode bool) error {
	increment := 0
	var lastCallAt sql.NullTime
	if countedCall {
		increment = 1
		lastCallAt = sql.NullTime{Time: now, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO auto_call_state (day_key, enabled, shadow_mode, auto_calls_made, last_auto_call_at, last_decision_at, last_reason_code, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day_key) DO UPDATE SET
			enabled = excluded.enabled,
			shadow_mode = excluded.shadow_mode,
			auto_calls_made = auto_call_state.auto_calls_made + ?,
			last_auto_call_at = COALESCE(excluded.last_auto_call_at, auto_call_state.last_auto_call_at),
			last_decision_at = excluded.last_decision_at,
			last_reason_code = excluded.last_reason_code,
			updated_at = excluded.updated_at
	`, dayKey, enabled, shadowMode, increment, lastCallAt, now, reasonCode, touch(), increment)
	return err
}
