// Package calibration backtests every extraction × rounding method
// combination against human-confirmed reference daily highs and ranks the
// methods by match rate.
package calibration

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lox/metarcall/internal/metar"
	"github.com/lox/metarcall/internal/models"
)

// MaxRangeDays caps a single backtest range.
const MaxRangeDays = 180

// Method is one extraction × rounding combination. Rank is the fixed
// preference order used as the final ranking tie-break.
type Method struct {
	ID             string
	TempExtraction string
	Rounding       string
	Rank           int
}

// Methods is the fixed set of combinations tested by every run.
var Methods = []Method{
	{ID: "TGROUP_PREFERRED__NEAREST", TempExtraction: models.ExtractionTGroupPreferred, Rounding: models.RoundNearest, Rank: 1},
	{ID: "TGROUP_PREFERRED__FLOOR", TempExtraction: models.ExtractionTGroupPreferred, Rounding: models.RoundFloor, Rank: 2},
	{ID: "TGROUP_PREFERRED__CEIL", TempExtraction: models.ExtractionTGroupPreferred, Rounding: models.RoundCeil, Rank: 3},
	{ID: "TGROUP_PREFERRED__MAX_OF_ROUNDED", TempExtraction: models.ExtractionTGroupPreferred, Rounding: models.RoundMaxOfRounded, Rank: 4},
	{ID: "METAR_INTEGER_C__NEAREST", TempExtraction: models.ExtractionIntegerOnly, Rounding: models.RoundNearest, Rank: 5},
	{ID: "METAR_INTEGER_C__FLOOR", TempExtraction: models.ExtractionIntegerOnly, Rounding: models.RoundFloor, Rank: 6},
	{ID: "METAR_INTEGER_C__CEIL", TempExtraction: models.ExtractionIntegerOnly, Rounding: models.RoundCeil, Rank: 7},
	{ID: "METAR_INTEGER_C__MAX_OF_ROUNDED", TempExtraction: models.ExtractionIntegerOnly, Rounding: models.RoundMaxOfRounded, Rank: 8},
}

// Label is the operator-facing name for a method.
func (m Method) Label() string {
	return m.TempExtraction + " + " + m.Rounding
}

// Report is one raw historical report observed on a day.
type Report struct {
	Valid    string // source timestamp string, may be empty
	ValidUTC time.Time
	RawMetar string
	TmpF     *float64 // source-reported °F, diagnostic only
}

// Day is one calibration day: the reference high plus the reports observed
// that day.
type Day struct {
	DayKey         string
	ReferenceHighF int
	Reports        []Report
}

// Mismatch records a day where a method's predicted high differed from the
// reference. PredictedHighF is nil when the day had no usable reports.
type Mismatch struct {
	DayKey         string `json:"dayKey"`
	ExpectedHighF  int    `json:"expectedHighF"`
	PredictedHighF *int   `json:"predictedHighF"`
	ReportsUsed    int    `json:"reportsUsed"`
}

// MethodResult is one method's performance across a run.
type MethodResult struct {
	Method
	MatchedDays int
	TotalDays   int
	MatchRate   float64
	Mismatches  []Mismatch
}

// Evaluation is the ranked output of a run. Chosen is MethodResults[0].
type Evaluation struct {
	MethodResults []MethodResult
	Chosen        MethodResult
}

var corRe = regexp.MustCompile(`\bCOR\b`)

// dedupeReports collapses reports sharing a timestamp, preferring a report
// explicitly marked COR over a non-corrected report at the same timestamp.
// Reports without any timestamp are all kept.
func dedupeReports(reports []Report) []Report {
	byTimestamp := make(map[string]Report)
	order := make([]string, 0, len(reports))
	var withoutTimestamp []Report

	for _, report := range reports {
		if report.RawMetar == "" {
			continue
		}

		key := report.Valid
		if !report.ValidUTC.IsZero() {
			key = report.ValidUTC.UTC().Format(time.RFC3339)
		}
		if key == "" {
			withoutTimestamp = append(withoutTimestamp, report)
			continue
		}

		existing, seen := byTimestamp[key]
		if !seen {
			byTimestamp[key] = report
			order = append(order, key)
			continue
		}

		existingIsCorrection := corRe.MatchString(existing.RawMetar)
		currentIsCorrection := corRe.MatchString(report.RawMetar)
		if currentIsCorrection || !existingIsCorrection {
			byTimestamp[key] = report
		}
	}

	deduped := make([]Report, 0, len(order)+len(withoutTimestamp))
	for _, key := range order {
		deduped = append(deduped, byTimestamp[key])
	}
	return append(deduped, withoutTimestamp...)
}

// PredictedHighForMethod computes a day's predicted high as the maximum of
// per-report rounded values, skipping reports that fail to parse. ok=false
// means the day had no usable reports.
func PredictedHighForMethod(reports []Report, method Method) (int, bool) {
	var (
		best  int
		found bool
	)

	for _, report := range dedupeReports(reports) {
		extracted, err := metar.ExtractTempC(report.RawMetar, method.TempExtraction)
		if err != nil {
			continue
		}

		// MAX_OF_ROUNDED degenerates to NEAREST per report here: the daily
		// maximum over the rounded values is taken below anyway.
		rounding := method.Rounding
		if rounding == models.RoundMaxOfRounded {
			rounding = models.RoundNearest
		}

		rounded, err := metar.RoundWholeF(metar.CToF(extracted.TempC), rounding, nil)
		if err != nil {
			continue
		}

		if !found || rounded > best {
			best = rounded
			found = true
		}
	}

	return best, found
}

// EvaluateDays runs every method over the given days and ranks the results
// by match rate descending, matched days descending, then preference rank
// ascending. The order is a deterministic total order.
func EvaluateDays(days []Day) (Evaluation, error) {
	if len(days) == 0 {
		return Evaluation{}, fmt.Errorf("calibration: run requires at least one day")
	}

	results := make([]MethodResult, 0, len(Methods))
	for _, method := range Methods {
		result := MethodResult{Method: method, TotalDays: len(days)}

		for _, day := range days {
			predicted, ok := PredictedHighForMethod(day.Reports, method)
			if ok && predicted == day.ReferenceHighF {
				result.MatchedDays++
				continue
			}

			mismatch := Mismatch{
				DayKey:        day.DayKey,
				ExpectedHighF: day.ReferenceHighF,
				ReportsUsed:   len(day.Reports),
			}
			if ok {
				value := predicted
				mismatch.PredictedHighF = &value
			}
			result.Mismatches = append(result.Mismatches, mismatch)
		}

		result.MatchRate = float64(result.MatchedDays) / float64(result.TotalDays)
		results = append(results, result)
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.MatchRate != b.MatchRate {
			return a.MatchRate > b.MatchRate
		}
		if a.MatchedDays != b.MatchedDays {
			return a.MatchedDays > b.MatchedDays
		}
		return a.Rank < b.Rank
	})

	return Evaluation{MethodResults: results, Chosen: results[0]}, nil
}

var dayKeyRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ParseDayKey validates and parses a YYYY-MM-DD day key.
func ParseDayKey(dayKey, label string) (time.Time, error) {
	trimmed := strings.TrimSpace(dayKey)
	if !dayKeyRe.MatchString(trimmed) {
		return time.Time{}, fmt.Errorf("calibration: %s must be YYYY-MM-DD", label)
	}

	parsed, err := time.ParseInLocation("2006-01-02", trimmed, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("calibration: %s: %w", label, err)
	}
	return parsed, nil
}

// ListDayKeys expands an inclusive day range, enforcing the range cap.
func ListDayKeys(startDay, endDay string) ([]string, error) {
	start, err := ParseDayKey(startDay, "startDay")
	if err != nil {
		return nil, err
	}
	end, err := ParseDayKey(endDay, "endDay")
	if err != nil {
		return nil, err
	}
	if start.After(end) {
		return nil, fmt.Errorf("calibration: startDay must be on or before endDay")
	}

	var dayKeys []string
	for cursor := start; !cursor.After(end); cursor = cursor.AddDate(0, 0, 1) {
		dayKeys = append(dayKeys, cursor.Format("2006-01-02"))
		if len(dayKeys) > MaxRangeDays {
			return nil, fmt.Errorf("calibration: range is too large, use %d days or fewer", MaxRangeDays)
		}
	}
	return dayKeys, nil
}

// ValidateReferenceHighs rejects a run before any computation when any day
// in range is missing an integer reference high.
func ValidateReferenceHighs(dayKeys []string, refs map[string]int) error {
	var missing []string
	for _, dayKey := range dayKeys {
		if _, ok := refs[dayKey]; !ok {
			missing = append(missing, dayKey)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("calibration: missing reference highs for day(s): %s", strings.Join(missing, ", "))
	}
	return nil
}
