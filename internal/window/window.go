// Package window classifies the current instant against a call-eligible
// window around the forecast peak. Two policies exist with materially
// different eligibility semantics; both sit behind Classifier so the
// decision engine's guard chain is policy-agnostic.
package window

import (
	"time"

	"github.com/lox/metarcall/internal/models"
)

// Window classifications.
const (
	PrePeak  = "PRE_PEAK"
	Peak     = "PEAK"
	PostPeak = "POST_PEAK"
	Outside  = "OUTSIDE"
)

// Signals are the observation-derived inputs to eligibility gating.
type Signals struct {
	RisingNow           bool
	NearForecastMax     bool
	HighChangedRecently bool
}

// Inputs carries the truth-state context a classifier may consult.
// Observations are ordered newest first.
type Inputs struct {
	Observations []models.Observation
	Stats        *models.DailyStats
}

// Classification is the outcome of one classify call.
type Classification struct {
	Window   string
	Eligible bool
	Signals  Signals
}

// Classifier decides whether now falls inside a call-eligible window. An
// empty or missing forecast always yields OUTSIDE/ineligible.
type Classifier interface {
	Classify(now time.Time, fc *models.ForecastSnapshot, in Inputs, settings models.Settings) Classification
}

// ForPolicy returns the classifier for a configured policy name, defaulting
// to the multi-window policy.
func ForPolicy(policy string) Classifier {
	if policy == models.PolicyTwoHourBlock {
		return TwoHourBlockPolicy{}
	}
	return MultiWindowPolicy{}
}

// ComputeSignals derives the rising-trend, near-forecast-max and
// recent-new-high signals from current truth state.
func ComputeSignals(now time.Time, fc *models.ForecastSnapshot, in Inputs, settings models.Settings) Signals {
	return Signals{
		RisingNow:           risingTrend(in.Observations),
		NearForecastMax:     nearForecastMax(in.Stats, fc, settings.AutoCallNearMaxThresholdF),
		HighChangedRecently: recentHighObservation(in.Observations, now, 60*time.Minute),
	}
}

// risingTrend reports whether the two most recent readings with a derived
// temperature are strictly increasing (newer > older).
func risingTrend(observations []models.Observation) bool {
	temps := make([]int64, 0, 2)
	for _, obs := range observations {
		if !obs.TempWholeF.Valid {
			continue
		}
		temps = append(temps, obs.TempWholeF.Int64)
		if len(temps) == 2 {
			break
		}
	}

	if len(temps) < 2 {
		return false
	}
	return temps[0] > temps[1]
}

// nearForecastMax reports |currentTemp - predictedMax| <= threshold.
func nearForecastMax(stats *models.DailyStats, fc *models.ForecastSnapshot, thresholdF float64) bool {
	if stats == nil || !stats.CurrentTempWholeF.Valid {
		return false
	}
	if fc == nil || !fc.PredictedMaxTempF.Valid {
		return false
	}

	diff := float64(stats.CurrentTempWholeF.Int64) - fc.PredictedMaxTempF.Float64
	if diff < 0 {
		diff = -diff
	}
	if thresholdF < 0 {
		thresholdF = -thresholdF
	}
	return diff <= thresholdF
}

// recentHighObservation reports whether a new daily high was recorded within
// the lookback window.
func recentHighObservation(observations []models.Observation, now time.Time, within time.Duration) bool {
	cutoff := now.Add(-within)
	for _, obs := range observations {
		if !obs.IsNewHigh {
			continue
		}
		if !obs.ObsTimeUTC.Before(cutoff) {
			return true
		}
	}
	return false
}

func minutesOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Minute
}
