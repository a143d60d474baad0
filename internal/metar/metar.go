// Package metar extracts temperatures from raw METAR-style station reports
// and derives the whole-degree Fahrenheit value the rest of the system
// treats as truth.
package metar

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/lox/metarcall/internal/models"
)

var (
	// ErrEmptyReport is returned when the raw report is empty after trimming.
	ErrEmptyReport = errors.New("metar: report must be a non-empty string")

	// ErrNoTemperature is returned when no temperature group matches under
	// the selected extraction method.
	ErrNoTemperature = errors.New("metar: could not extract temperature from report")

	zuluStampRe = regexp.MustCompile(`\b(\d{6}Z)\b`)
	// T-group: sign digit + 3-digit tenths for temperature, then the same
	// for dewpoint. Only the first pair matters here.
	tGroupRe = regexp.MustCompile(`\bT([01])(\d{3})([01])(\d{3})\b`)
	// Whole-degree group: temperature/dewpoint, M prefix for minus, "//"
	// for a missing dewpoint. The trailing delimiter is consumed rather than
	// looked ahead (RE2 has no lookahead); only the first match is used, so
	// consuming it changes nothing.
	integerGroupRe = regexp.MustCompile(`(?:^|\s)(M?\d{2})/(?:M?\d{2}|//)(?:\s|$)`)

	trailingSentinelRe = regexp.MustCompile(`\s*=\s*$`)
	whitespaceRe       = regexp.MustCompile(`\s+`)
)

// Normalize trims the report, strips the trailing "=" sentinel and collapses
// internal whitespace.
func Normalize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyReport
	}

	normalized := strings.TrimSpace(raw)
	normalized = trailingSentinelRe.ReplaceAllString(normalized, "")
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")
	return normalized, nil
}

// ObsZuluStamp returns the ddhhmmZ observation stamp from a report, or ""
// if none is present.
func ObsZuluStamp(raw string) (string, error) {
	normalized, err := Normalize(raw)
	if err != nil {
		return "", err
	}

	match := zuluStampRe.FindStringSubmatch(normalized)
	if match == nil {
		return "", nil
	}
	return match[1], nil
}

// TGroupTempC parses the tenths-precision remark group. Returns ok=false
// when the group is absent.
func TGroupTempC(raw string) (tempC float64, ok bool, err error) {
	normalized, err := Normalize(raw)
	if err != nil {
		return 0, false, err
	}

	match := tGroupRe.FindStringSubmatch(normalized)
	if match == nil {
		return 0, false, nil
	}

	sign := 1.0
	if match[1] == "1" {
		sign = -1.0
	}
	tenths, err := strconv.Atoi(match[2])
	if err != nil {
		return 0, false, nil
	}

	return sign * float64(tenths) / 10, true, nil
}

// IntegerTempC parses the whole-degree temperature group. Returns ok=false
// when the group is absent.
func IntegerTempC(raw string) (tempC float64, ok bool, err error) {
	normalized, err := Normalize(raw)
	if err != nil {
		return 0, false, err
	}

	match := integerGroupRe.FindStringSubmatch(normalized)
	if match == nil {
		return 0, false, nil
	}

	token := match[1]
	negative := strings.HasPrefix(token, "M")
	value, err := strconv.Atoi(strings.TrimPrefix(token, "M"))
	if err != nil {
		return 0, false, nil
	}
	if negative {
		value = -value
	}

	return float64(value), true, nil
}

// Extraction is the result of ExtractTempC: the Celsius value and which
// sub-method actually matched.
type Extraction struct {
	TempC      float64
	MethodUsed string // models.ExtractionTGroupPreferred yields "TGROUP" when the remark group matched
}

// ExtractTempC pulls a signed Celsius temperature out of a report using the
// given extraction method.
func ExtractTempC(raw, method string) (Extraction, error) {
	switch method {
	case models.ExtractionTGroupPreferred:
		if tempC, ok, err := TGroupTempC(raw); err != nil {
			return Extraction{}, err
		} else if ok {
			return Extraction{TempC: tempC, MethodUsed: "TGROUP"}, nil
		}
		if tempC, ok, err := IntegerTempC(raw); err != nil {
			return Extraction{}, err
		} else if ok {
			return Extraction{TempC: tempC, MethodUsed: models.ExtractionIntegerOnly}, nil
		}
	case models.ExtractionIntegerOnly:
		if tempC, ok, err := IntegerTempC(raw); err != nil {
			return Extraction{}, err
		} else if ok {
			return Extraction{TempC: tempC, MethodUsed: models.ExtractionIntegerOnly}, nil
		}
	default:
		return Extraction{}, fmt.Errorf("metar: unsupported extraction method %q", method)
	}

	return Extraction{}, ErrNoTemperature
}

// CToF converts Celsius to Fahrenheit.
func CToF(tempC float64) float64 {
	return tempC*9/5 + 32
}

// FToC converts Fahrenheit to Celsius.
func FToC(tempF float64) float64 {
	return (tempF - 32) * 5 / 9
}

// RoundWholeF rounds a Fahrenheit value to a whole degree under the given
// rule. MAX_OF_ROUNDED rounds tempF and every value in windowTempsF and
// returns the maximum, reproducing a daily high computed across several
// close-together readings.
func RoundWholeF(tempF float64, rule string, windowTempsF []float64) (int, error) {
	if math.IsNaN(tempF) || math.IsInf(tempF, 0) {
		return 0, errors.New("metar: tempF must be a finite number")
	}

	switch rule {
	case models.RoundNearest:
		return roundHalfUp(tempF), nil
	case models.RoundFloor:
		return int(math.Floor(tempF)), nil
	case models.RoundCeil:
		return int(math.Ceil(tempF)), nil
	case models.RoundMaxOfRounded:
		max := roundHalfUp(tempF)
		for _, w := range windowTempsF {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				continue
			}
			if rounded := roundHalfUp(w); rounded > max {
				max = rounded
			}
		}
		return max, nil
	default:
		return 0, fmt.Errorf("metar: unsupported rounding rule %q", rule)
	}
}

// roundHalfUp rounds halves toward positive infinity, matching the rounding
// the reference highs were produced with: -8.5 rounds to -8, not -9.
func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}

// Derived is the full output of DeriveWholeF.
type Derived struct {
	TempC      float64
	TempF      float64
	TempWholeF int
	MethodUsed string
}

// DeriveWholeF runs the full extract → convert → round chain for a raw
// report with the configured methods.
func DeriveWholeF(raw, extraction, rounding string, windowTempsF []float64) (Derived, error) {
	extracted, err := ExtractTempC(raw, extraction)
	if err != nil {
		return Derived{}, err
	}

	tempF := CToF(extracted.TempC)
	whole, err := RoundWholeF(tempF, rounding, windowTempsF)
	if err != nil {
		return Derived{}, err
	}

	return Derived{
		TempC:      extracted.TempC,
		TempF:      tempF,
		TempWholeF: whole,
		MethodUsed: extracted.MethodUsed,
	}, nil
}
