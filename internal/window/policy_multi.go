package window

import (
	"time"

	"github.com/lox/metarcall/internal/models"
)

// MultiWindowPolicy classifies now into PRE_PEAK, PEAK or POST_PEAK
// intervals built from configured lead/lag offsets around the predicted
// peak instant. PEAK is checked first, then PRE_PEAK, then POST_PEAK; the
// first match wins. Eligibility additionally requires a per-window signal
// combination.
type MultiWindowPolicy struct{}

func (MultiWindowPolicy) Classify(now time.Time, fc *models.ForecastSnapshot, in Inputs, settings models.Settings) Classification {
	signals := ComputeSignals(now, fc, in, settings)

	if fc == nil || !fc.PredictedMaxAt.Valid {
		return Classification{Window: Outside, Signals: signals}
	}

	peakAt := fc.PredictedMaxAt.Time

	preStart := peakAt.Add(-minutesOr(settings.AutoCallPrePeakLeadMinutes, 90))
	preEnd := peakAt.Add(-minutesOr(settings.AutoCallPrePeakLagMinutes, 30))
	peakStart := peakAt.Add(-minutesOr(settings.AutoCallPeakLeadMinutes, 15))
	peakEnd := peakAt.Add(minutesOr(settings.AutoCallPeakLagMinutes, 45))
	postStart := peakAt.Add(minutesOr(settings.AutoCallPostPeakLeadMinutes, 90))
	postEnd := peakAt.Add(minutesOr(settings.AutoCallPostPeakLagMinutes, 180))

	w := Outside
	switch {
	case within(now, peakStart, peakEnd):
		w = Peak
	case within(now, preStart, preEnd):
		w = PrePeak
	case within(now, postStart, postEnd):
		w = PostPeak
	}

	return Classification{
		Window:   w,
		Eligible: eligibleForWindow(w, signals),
		Signals:  signals,
	}
}

// within checks start <= t <= end.
func within(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func eligibleForWindow(w string, s Signals) bool {
	switch w {
	case PrePeak:
		return s.NearForecastMax && s.RisingNow
	case Peak:
		return s.NearForecastMax || s.RisingNow
	case PostPeak:
		return s.HighChangedRecently || s.RisingNow
	default:
		return false
	}
}
