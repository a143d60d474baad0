package api

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lox/metarcall/internal/models"
)

// View types flatten sql.Null columns into pointers so JSON responses omit
// absent values instead of exposing Valid flags.

type decisionView struct {
	ID             int64           `json:"id"`
	DayKey         string          `json:"dayKey"`
	DecisionKey    string          `json:"decisionKey"`
	EvaluatedAt    time.Time       `json:"evaluatedAt"`
	Decision       string          `json:"decision"`
	ReasonCode     string          `json:"reasonCode"`
	ReasonDetail   json.RawMessage `json:"reasonDetail,omitempty"`
	Window         string          `json:"window,omitempty"`
	PredictedMaxAt *time.Time      `json:"predictedMaxAt,omitempty"`
	CallSID        *string         `json:"callSid,omitempty"`
	ShadowMode     bool            `json:"shadowMode"`
}

func toDecisionView(d models.AutoCallDecision) decisionView {
	view := decisionView{
		ID:             d.ID,
		DayKey:         d.DayKey,
		DecisionKey:    d.DecisionKey,
		EvaluatedAt:    d.EvaluatedAt,
		Decision:       d.Decision,
		ReasonCode:     d.ReasonCode,
		Window:         d.Window,
		PredictedMaxAt: nullTimePtr(d.PredictedMaxAt),
		CallSID:        nullStringPtr(d.CallSID),
		ShadowMode:     d.ShadowMode,
	}
	if d.ReasonDetail.Valid {
		view.ReasonDetail = json.RawMessage(d.ReasonDetail.String)
	}
	return view
}

type stateView struct {
	DayKey         string     `json:"dayKey"`
	Enabled        bool       `json:"enabled"`
	ShadowMode     bool       `json:"shadowMode"`
	AutoCallsMade  int        `json:"autoCallsMade"`
	LastAutoCallAt *time.Time `json:"lastAutoCallAt,omitempty"`
	LastDecisionAt *time.Time `json:"lastDecisionAt,omitempty"`
	LastReasonCode *string    `json:"lastReasonCode,omitempty"`
}

func toStateView(st models.AutoCallState) stateView {
	return stateView{
		DayKey:         st.DayKey,
		Enabled:        st.Enabled,
		ShadowMode:     st.ShadowMode,
		AutoCallsMade:  st.AutoCallsMade,
		LastAutoCallAt: nullTimePtr(st.LastAutoCallAt),
		LastDecisionAt: nullTimePtr(st.LastDecisionAt),
		LastReasonCode: nullStringPtr(st.LastReasonCode),
	}
}

type callView struct {
	ID                   int64      `json:"id"`
	DayKey               string     `json:"dayKey"`
	Status               string     `json:"status"`
	RequestedBy          *string    `json:"requestedBy,omitempty"`
	RequestedAt          time.Time  `json:"requestedAt"`
	CallSID              *string    `json:"callSid,omitempty"`
	RecordingDurationSec *int64     `json:"recordingDurationSec,omitempty"`
	PlaybackToken        *string    `json:"playbackToken,omitempty"`
	Transcript           *string    `json:"transcript,omitempty"`
	TempC                *float64   `json:"tempC,omitempty"`
	TempF                *float64   `json:"tempF,omitempty"`
	ParsedOK             bool       `json:"parsedOk"`
	Error                *string    `json:"error,omitempty"`
	Warning              *string    `json:"warning,omitempty"`
	CallStartedAt        *time.Time `json:"callStartedAt,omitempty"`
	CallCompletedAt      *time.Time `json:"callCompletedAt,omitempty"`
}

func toCallView(c models.PhoneCall) callView {
	return callView{
		ID:                   c.ID,
		DayKey:               c.DayKey,
		Status:               c.Status,
		RequestedBy:          nullStringPtr(c.RequestedBy),
		RequestedAt:          c.RequestedAt,
		CallSID:              nullStringPtr(c.CallSID),
		RecordingDurationSec: nullInt64Ptr(c.RecordingDurationSec),
		PlaybackToken:        nullStringPtr(c.PlaybackToken),
		Transcript:           nullStringPtr(c.Transcript),
		TempC:                nullFloatPtr(c.TempC),
		TempF:                nullFloatPtr(c.TempF),
		ParsedOK:             c.ParsedOK,
		Error:                nullStringPtr(c.Error),
		Warning:              nullStringPtr(c.Warning),
		CallStartedAt:        nullTimePtr(c.CallStartedAt),
		CallCompletedAt:      nullTimePtr(c.CallCompletedAt),
	}
}

type alertView struct {
	ID        int64           `json:"id"`
	DayKey    string          `json:"dayKey"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toAlertView(a models.Alert) alertView {
	view := alertView{
		ID:        a.ID,
		DayKey:    a.DayKey,
		Type:      a.Type,
		CreatedAt: a.CreatedAt,
	}
	if a.Payload.Valid {
		view.Payload = json.RawMessage(a.Payload.String)
	}
	return view
}

type binView struct {
	MarketID       string     `json:"marketId"`
	Label          string     `json:"label"`
	LowerBoundF    *float64   `json:"lowerBoundF,omitempty"`
	UpperBoundF    *float64   `json:"upperBoundF,omitempty"`
	Status         string     `json:"status"`
	DeadSince      *time.Time `json:"deadSince,omitempty"`
	YesPrice       *float64   `json:"yesPrice,omitempty"`
	PriceUpdatedAt *time.Time `json:"priceUpdatedAt,omitempty"`
}

func toBinView(b models.MarketBin) binView {
	return binView{
		MarketID:       b.MarketID,
		Label:          b.Label,
		LowerBoundF:    nullFloatPtr(b.LowerBoundF),
		UpperBoundF:    nullFloatPtr(b.UpperBoundF),
		Status:         b.Status,
		DeadSince:      nullTimePtr(b.DeadSince),
		YesPrice:       nullFloatPtr(b.YesPrice),
		PriceUpdatedAt: nullTimePtr(b.PriceUpdatedAt),
	}
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
