package phone

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lox/metarcall/internal/metar"
)

// Transcript patterns, tried in order. The aviation weather line reads
// Celsius, so a bare number without a unit is interpreted as Celsius.
var (
	fahrenheitRe  = regexp.MustCompile(`(?i)(minus\s+)?(-?\d+(?:\.\d+)?)\s*(?:degrees?\s*)?(?:fahrenheit|°\s*f|\bf\b)`)
	celsiusRe     = regexp.MustCompile(`(?i)(minus\s+)?(-?\d+(?:\.\d+)?)\s*(?:degrees?\s*)?(?:celsius|centigrade|°\s*c|\bc\b)`)
	temperatureRe = regexp.MustCompile(`(?i)temperature\s+(?:is\s+|of\s+)?(minus\s+)?(-?\d+(?:\.\d+)?)`)
	bareNumberRe  = regexp.MustCompile(`(?i)(minus\s+)?(-?\d+(?:\.\d+)?)`)
)

// TranscriptTemp is a temperature pulled out of a call transcript.
type TranscriptTemp struct {
	TempC float64
	TempF float64
	Unit  string // "F", "C", or "C_ASSUMED" when no unit was spoken
}

// ExtractTemperature applies the transcript regex cascade. ok=false means no
// pattern matched at all.
func ExtractTemperature(transcript string) (TranscriptTemp, bool) {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return TranscriptTemp{}, false
	}

	if value, ok := matchValue(fahrenheitRe, text); ok {
		return TranscriptTemp{TempC: metar.FToC(value), TempF: value, Unit: "F"}, true
	}
	if value, ok := matchValue(celsiusRe, text); ok {
		return TranscriptTemp{TempC: value, TempF: metar.CToF(value), Unit: "C"}, true
	}
	if value, ok := matchValue(temperatureRe, text); ok {
		return TranscriptTemp{TempC: value, TempF: metar.CToF(value), Unit: "C_ASSUMED"}, true
	}
	if value, ok := matchValue(bareNumberRe, text); ok {
		return TranscriptTemp{TempC: value, TempF: metar.CToF(value), Unit: "C_ASSUMED"}, true
	}
	return TranscriptTemp{}, false
}

func matchValue(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}

	value, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, false
	}
	if m[1] != "" && value > 0 {
		value = -value
	}
	return value, true
}
