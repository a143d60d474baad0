package window

import (
	"sort"
	"time"

	"github.com/lox/metarcall/internal/models"
)

// maxAdjacentGap is the widest spacing between hourly periods still treated
// as adjacent when searching for the hottest two-hour block.
const maxAdjacentGap = 75 * time.Minute

// TwoHourBlockPolicy picks the hottest adjacent two-hour block from the
// forecast's hourly periods and treats now-inside-block as the only
// eligibility condition. The block end is exclusive so a tick landing
// exactly on the boundary cannot trigger a duplicate call.
type TwoHourBlockPolicy struct{}

func (TwoHourBlockPolicy) Classify(now time.Time, fc *models.ForecastSnapshot, in Inputs, settings models.Settings) Classification {
	signals := ComputeSignals(now, fc, in, settings)

	if fc == nil {
		return Classification{Window: Outside, Signals: signals}
	}

	start, end, ok := HottestTwoHourBlock(fc.Hourly)
	if !ok {
		return Classification{Window: Outside, Signals: signals}
	}

	// Start-inclusive, end-exclusive.
	if !now.Before(start) && now.Before(end) {
		return Classification{Window: Peak, Eligible: true, Signals: signals}
	}
	return Classification{Window: Outside, Signals: signals}
}

// HottestTwoHourBlock finds the adjacent-hour pair maximizing summed
// temperature. Ties break toward the higher single-hour peak, then the
// earlier start. When no adjacent pair exists it falls back to a window
// centered on the single hottest hour.
func HottestTwoHourBlock(periods []models.HourlyPeriod) (start, end time.Time, ok bool) {
	if len(periods) == 0 {
		return time.Time{}, time.Time{}, false
	}

	sorted := make([]models.HourlyPeriod, len(periods))
	copy(sorted, periods)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})

	var (
		bestStart time.Time
		bestSum   float64
		bestPeak  float64
		found     bool
	)

	for i := 0; i+1 < len(sorted); i++ {
		a, b := sorted[i], sorted[i+1]
		gap := b.StartTime.Sub(a.StartTime)
		if gap <= 0 || gap > maxAdjacentGap {
			continue
		}

		sum := a.TempF + b.TempF
		peak := a.TempF
		if b.TempF > peak {
			peak = b.TempF
		}

		better := !found ||
			sum > bestSum ||
			(sum == bestSum && peak > bestPeak) ||
			(sum == bestSum && peak == bestPeak && a.StartTime.Before(bestStart))

		if better {
			bestStart = a.StartTime
			bestSum = sum
			bestPeak = peak
			found = true
		}
	}

	if found {
		return bestStart, bestStart.Add(2 * time.Hour), true
	}

	// No adjacent pair (periods too sparse): center on the hottest hour.
	hottest := sorted[0]
	for _, p := range sorted[1:] {
		if p.TempF > hottest.TempF {
			hottest = p
		}
	}
	return hottest.StartTime.Add(-time.Hour), hottest.StartTime.Add(time.Hour), true
}
