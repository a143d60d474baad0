package engine

import (
	"fmt"
	"time"

	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/window"
)

// Terminal reason codes. The closed set is part of the audit contract;
// decision rows never carry anything outside it (other than the transient
// pending placeholder).
const (
	ReasonSkipDisabled          = "SKIP_DISABLED"
	ReasonSkipNoForecast        = "SKIP_NO_FORECAST"
	ReasonSkipDataStale         = "SKIP_DATA_STALE"
	ReasonSkipOutsideWindow     = "SKIP_OUTSIDE_WINDOW"
	ReasonSkipCallInFlight      = "SKIP_CALL_IN_FLIGHT"
	ReasonSkipDailyCap          = "SKIP_DAILY_CAP"
	ReasonSkipMinSpacing        = "SKIP_MIN_SPACING"
	ReasonSkipShadowMode        = "SKIP_SHADOW_MODE"
	ReasonSkipPrePeakNotReady   = "SKIP_PRE_PEAK_NOT_READY"
	ReasonSkipPeakNotReady      = "SKIP_PEAK_NOT_READY"
	ReasonSkipPostPeakNoUptrend = "SKIP_POST_PEAK_NO_UPTREND"
	ReasonCallPrePeak           = "CALL_PRE_PEAK"
	ReasonCallPeak              = "CALL_PEAK"
	ReasonCallPostPeak          = "CALL_POST_PEAK"
	ReasonCallPeak2HWindow      = "CALL_PEAK_2H_WINDOW"
	ReasonCallFailed            = "CALL_FAILED"
)

// DecisionKey buckets an instant into the evaluation cadence. Every
// invocation inside the same bucket computes the same key, so the
// unique-insert claim makes redundant invocations no-ops.
func DecisionKey(dayKey string, cadenceMinutes int, now time.Time) string {
	if cadenceMinutes <= 0 {
		cadenceMinutes = 20
	}
	bucket := now.UnixMilli() / (int64(cadenceMinutes) * 60_000)
	return fmt.Sprintf("%s|%d|%d", dayKey, cadenceMinutes, bucket)
}

// Context is everything one decision needs, gathered up front so Decide
// itself is pure.
type Context struct {
	Now          time.Time
	Settings     models.Settings
	Forecast     *models.ForecastSnapshot
	Stats        *models.DailyStats
	Observations []models.Observation // newest first
	State        *models.AutoCallState
	CallInFlight bool
}

// Outcome is the terminal result of the guard chain. For SKIP_SHADOW_MODE
// and CALL_FAILED, IntendedReason preserves the window-specific call reason
// that would otherwise have been recorded.
type Outcome struct {
	Decision       string
	ReasonCode     string
	IntendedReason string
	Window         string
	Signals        window.Signals
	Detail         map[string]any
}

// Decide runs the guard chain in its fixed order. The first failing guard
// determines the terminal reason; later guards are never consulted, so e.g.
// a stale tick outside the window always reads SKIP_DATA_STALE.
func Decide(c Context) Outcome {
	settings := c.Settings

	if !settings.AutoCallEnabled {
		return skip(ReasonSkipDisabled, window.Outside, window.Signals{}, nil)
	}

	if c.Forecast == nil || !c.Forecast.PredictedMaxAt.Valid {
		return skip(ReasonSkipNoForecast, window.Outside, window.Signals{}, nil)
	}

	if stale, ageSeconds := dataStale(c.Now, c.Stats, settings); stale {
		detail := map[string]any{"pollAgeSeconds": ageSeconds, "staleThresholdSeconds": settings.StalePollSeconds}
		return skip(ReasonSkipDataStale, window.Outside, window.Signals{}, detail)
	}

	classifier := window.ForPolicy(settings.WindowPolicy)
	cls := classifier.Classify(c.Now, c.Forecast, window.Inputs{Observations: c.Observations, Stats: c.Stats}, settings)
	detail := decisionDetail(c, cls)

	if cls.Window == window.Outside {
		return skip(ReasonSkipOutsideWindow, cls.Window, cls.Signals, detail)
	}
	if !cls.Eligible {
		return skip(notReadyReason(cls.Window), cls.Window, cls.Signals, detail)
	}

	if c.CallInFlight {
		return skip(ReasonSkipCallInFlight, cls.Window, cls.Signals, detail)
	}

	// The two-hour-block policy relies on the block itself to bound calls;
	// cap and spacing only apply to the multi-window policy.
	if settings.WindowPolicy != models.PolicyTwoHourBlock {
		if c.State != nil && c.State.AutoCallsMade >= settings.AutoCallMaxPerDay {
			detail["autoCallsMade"] = c.State.AutoCallsMade
			return skip(ReasonSkipDailyCap, cls.Window, cls.Signals, detail)
		}
		if c.State != nil && c.State.LastAutoCallAt.Valid {
			spacing := time.Duration(settings.AutoCallMinSpacingMinutes) * time.Minute
			since := c.Now.Sub(c.State.LastAutoCallAt.Time)
			if since < spacing {
				detail["minutesSinceLastCall"] = int(since.Minutes())
				return skip(ReasonSkipMinSpacing, cls.Window, cls.Signals, detail)
			}
		}
	}

	intended := callReason(cls.Window, settings.WindowPolicy)

	if settings.AutoCallShadowMode {
		detail["wouldCall"] = intended
		out := skip(ReasonSkipShadowMode, cls.Window, cls.Signals, detail)
		out.IntendedReason = intended
		return out
	}

	return Outcome{
		Decision:       models.DecisionCall,
		ReasonCode:     intended,
		IntendedReason: intended,
		Window:         cls.Window,
		Signals:        cls.Signals,
		Detail:         detail,
	}
}

func skip(reason, win string, signals window.Signals, detail map[string]any) Outcome {
	if detail == nil {
		detail = map[string]any{}
	}
	return Outcome{
		Decision:   models.DecisionSkip,
		ReasonCode: reason,
		Window:     win,
		Signals:    signals,
		Detail:     detail,
	}
}

// dataStale treats a day with no stats row, no successful poll, or a poll
// older than the stale threshold as stale.
func dataStale(now time.Time, stats *models.DailyStats, settings models.Settings) (bool, int64) {
	if stats == nil {
		return true, -1
	}
	if stats.IsStale {
		return true, staleAge(now, stats)
	}
	if !stats.LastSuccessfulPollAt.Valid {
		return true, -1
	}
	age := staleAge(now, stats)
	return age > int64(settings.StalePollSeconds), age
}

func staleAge(now time.Time, stats *models.DailyStats) int64 {
	if !stats.LastSuccessfulPollAt.Valid {
		return -1
	}
	return int64(now.Sub(stats.LastSuccessfulPollAt.Time).Seconds())
}

func notReadyReason(win string) string {
	switch win {
	case window.PrePeak:
		return ReasonSkipPrePeakNotReady
	case window.PostPeak:
		return ReasonSkipPostPeakNoUptrend
	default:
		return ReasonSkipPeakNotReady
	}
}

func callReason(win, policy string) string {
	if policy == models.PolicyTwoHourBlock {
		return ReasonCallPeak2HWindow
	}
	switch win {
	case window.PrePeak:
		return ReasonCallPrePeak
	case window.PostPeak:
		return ReasonCallPostPeak
	default:
		return ReasonCallPeak
	}
}

func decisionDetail(c Context, cls window.Classification) map[string]any {
	detail := map[string]any{
		"signals": map[string]bool{
			"risingNow":           cls.Signals.RisingNow,
			"nearForecastMax":     cls.Signals.NearForecastMax,
			"highChangedRecently": cls.Signals.HighChangedRecently,
		},
	}
	if c.Stats != nil && c.Stats.CurrentTempWholeF.Valid {
		detail["currentTempWholeF"] = c.Stats.CurrentTempWholeF.Int64
	}
	if c.Forecast != nil {
		if c.Forecast.PredictedMaxTempF.Valid {
			detail["predictedMaxTempF"] = c.Forecast.PredictedMaxTempF.Float64
		}
		if c.Forecast.PredictedMaxAt.Valid {
			detail["predictedMaxAt"] = c.Forecast.PredictedMaxAt.Time.UTC().Format(time.RFC3339)
		}
	}
	return detail
}
