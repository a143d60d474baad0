// Package engine owns the auto-call evaluation tick: an idempotent claim on
// the cadence bucket, a fixed guard chain, the call side effect, and the
// audit trail it leaves behind.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/metarcall/internal/metrics"
	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/store"
)

// Dialer places a verification call and returns the provider call reference.
type Dialer interface {
	PlaceCall(ctx context.Context, dayKey, requestedBy string) (callSID string, err error)
}

// ForecastRefresher fetches and stores a fresh forecast snapshot for a day.
type ForecastRefresher interface {
	Refresh(ctx context.Context, dayKey string) (*models.ForecastSnapshot, error)
}

type Engine struct {
	store     *store.Store
	dialer    Dialer
	forecasts ForecastRefresher
	clock     clockwork.Clock
}

// New builds an engine. forecasts may be nil, disabling the best-effort
// mid-tick refresh.
func New(st *store.Store, dialer Dialer, forecasts ForecastRefresher, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{store: st, dialer: dialer, forecasts: forecasts, clock: clock}
}

// statuses that block a new call.
func callInFlight(call *models.PhoneCall) bool {
	if call == nil {
		return false
	}
	switch call.Status {
	case models.CallStatusRequested, models.CallStatusCallInitiated, models.CallStatusRecordingReady:
		return true
	}
	return false
}

// Evaluate runs one decision tick. A duplicate invocation inside the same
// cadence bucket returns the already-claimed decision without side effects.
func (e *Engine) Evaluate(ctx context.Context) (*models.AutoCallDecision, error) {
	settings, err := e.store.GetSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	now := e.clock.Now()
	dayKey := localDayKey(now, settings.Timezone)
	decisionKey := DecisionKey(dayKey, settings.AutoCallEvalEveryMinutes, now)

	created, err := e.store.ClaimDecision(dayKey, decisionKey, now.UTC(), settings.AutoCallShadowMode)
	if err != nil {
		return nil, fmt.Errorf("claim decision %s: %w", decisionKey, err)
	}
	if !created {
		log.Printf("engine: decision %s already claimed, skipping", decisionKey)
		return e.store.GetDecision(decisionKey)
	}

	decisionCtx, err := e.gather(ctx, dayKey, now, settings)
	if err != nil {
		return nil, err
	}

	outcome := Decide(*decisionCtx)

	var callSID sql.NullString
	countedCall := false
	if outcome.Decision == models.DecisionCall {
		sid, callErr := e.dialer.PlaceCall(ctx, dayKey, "auto")
		if callErr != nil {
			log.Printf("engine: call placement failed for %s: %v", decisionKey, callErr)
			metrics.CallsPlacedTotal.WithLabelValues("error").Inc()
			outcome.Detail["intendedReason"] = outcome.IntendedReason
			outcome.Detail["callError"] = callErr.Error()
			outcome.ReasonCode = ReasonCallFailed
			if err := e.store.Alert(dayKey, "AUTO_CALL_FAILED", outcome.Detail); err != nil {
				log.Printf("engine: record call-failed alert: %v", err)
			}
		} else {
			callSID = sql.NullString{String: sid, Valid: true}
			countedCall = true
			metrics.CallsPlacedTotal.WithLabelValues("ok").Inc()
			if err := e.store.Alert(dayKey, "AUTO_CALL_TRIGGERED", map[string]any{"callSid": sid, "reasonCode": outcome.ReasonCode}); err != nil {
				log.Printf("engine: record call-triggered alert: %v", err)
			}
		}
	}

	finalized := models.AutoCallDecision{
		Decision:     outcome.Decision,
		ReasonCode:   outcome.ReasonCode,
		ReasonDetail: encodeDetail(outcome.Detail),
		Window:       outcome.Window,
		CallSID:      callSID,
		ShadowMode:   settings.AutoCallShadowMode,
	}
	if decisionCtx.Forecast != nil {
		finalized.PredictedMaxAt = decisionCtx.Forecast.PredictedMaxAt
	}
	if err := e.store.FinalizeDecision(decisionKey, finalized); err != nil {
		return nil, fmt.Errorf("finalize decision %s: %w", decisionKey, err)
	}

	if err := e.store.ApplyDecisionToState(dayKey, now.UTC(), outcome.ReasonCode, countedCall, settings.AutoCallEnabled, settings.AutoCallShadowMode); err != nil {
		return nil, fmt.Errorf("apply decision to state: %w", err)
	}

	metrics.DecisionsTotal.WithLabelValues(outcome.ReasonCode).Inc()
	log.Printf("engine: decision %s -> %s (%s) window=%s", decisionKey, outcome.Decision, outcome.ReasonCode, outcome.Window)

	return e.store.GetDecision(decisionKey)
}

// Simulation is a dry-run decision with the context that produced it.
type Simulation struct {
	DayKey      string          `json:"dayKey"`
	DecisionKey string          `json:"decisionKey"`
	Decision    string          `json:"decision"`
	ReasonCode  string          `json:"reasonCode"`
	Window      string          `json:"window"`
	Signals     map[string]bool `json:"signals"`
	Detail      map[string]any  `json:"detail"`
}

// Simulate evaluates the guard chain without claiming a decision or placing
// a call.
func (e *Engine) Simulate(ctx context.Context) (*Simulation, error) {
	settings, err := e.store.GetSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	now := e.clock.Now()
	dayKey := localDayKey(now, settings.Timezone)

	decisionCtx, err := e.gather(ctx, dayKey, now, settings)
	if err != nil {
		return nil, err
	}

	outcome := Decide(*decisionCtx)
	return &Simulation{
		DayKey:      dayKey,
		DecisionKey: DecisionKey(dayKey, settings.AutoCallEvalEveryMinutes, now),
		Decision:    outcome.Decision,
		ReasonCode:  outcome.ReasonCode,
		Window:      outcome.Window,
		Signals: map[string]bool{
			"risingNow":           outcome.Signals.RisingNow,
			"nearForecastMax":     outcome.Signals.NearForecastMax,
			"highChangedRecently": outcome.Signals.HighChangedRecently,
		},
		Detail: outcome.Detail,
	}, nil
}

func (e *Engine) gather(ctx context.Context, dayKey string, now time.Time, settings models.Settings) (*Context, error) {
	forecast, err := e.store.GetLatestForecastSnapshot(dayKey)
	if err != nil {
		return nil, fmt.Errorf("load forecast: %w", err)
	}
	if forecast == nil && e.forecasts != nil {
		// Best effort: a refresh failure leaves the tick running with no
		// snapshot, which the forecast guard then reports.
		snap, refreshErr := e.forecasts.Refresh(ctx, dayKey)
		if refreshErr != nil {
			log.Printf("engine: mid-tick forecast refresh failed: %v", refreshErr)
		} else {
			forecast = snap
		}
	}

	stats, err := e.store.GetDailyStats(dayKey)
	if err != nil {
		return nil, fmt.Errorf("load daily stats: %w", err)
	}
	observations, err := e.store.GetRecentObservations(dayKey, 12)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	state, err := e.store.GetAutoCallState(dayKey)
	if err != nil {
		return nil, fmt.Errorf("load auto-call state: %w", err)
	}
	latestCall, err := e.store.GetLatestPhoneCall()
	if err != nil {
		return nil, fmt.Errorf("load latest call: %w", err)
	}

	return &Context{
		Now:          now,
		Settings:     settings,
		Forecast:     forecast,
		Stats:        stats,
		Observations: observations,
		State:        state,
		CallInFlight: callInFlight(latestCall),
	}, nil
}

func localDayKey(now time.Time, timezone string) string {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.Printf("engine: load timezone %q: %v, using UTC", timezone, err)
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}

func encodeDetail(detail map[string]any) sql.NullString {
	if len(detail) == 0 {
		return sql.NullString{}
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(encoded), Valid: true}
}
