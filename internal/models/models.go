package models

import (
	"database/sql"
	"time"
)

// Extraction methods for pulling a Celsius temperature out of a raw METAR.
const (
	ExtractionTGroupPreferred = "TGROUP_PREFERRED"
	ExtractionIntegerOnly     = "METAR_INTEGER_C"
)

// Rounding rules for deriving a whole-degree Fahrenheit value.
const (
	RoundNearest      = "NEAREST"
	RoundFloor        = "FLOOR"
	RoundCeil         = "CEIL"
	RoundMaxOfRounded = "MAX_OF_ROUNDED"
)

// Window classification policies.
const (
	PolicyMultiWindow  = "multi_window"
	PolicyTwoHourBlock = "two_hour_block"
)

// Settings is the singleton runtime configuration. It is loaded fresh at the
// start of every tick and never cached across ticks; stored overrides are
// merged over DefaultSettings.
type Settings struct {
	Station                     string  `json:"station"`
	Timezone                    string  `json:"timezone"`
	PollIntervalSeconds         int     `json:"pollIntervalSeconds"`
	StalePollSeconds            int     `json:"stalePollSeconds"`
	WeatherPrimaryURL           string  `json:"weatherPrimaryUrl"`
	WeatherBackupURL            string  `json:"weatherBackupUrl"`
	TempExtraction              string  `json:"tempExtraction"`
	Rounding                    string  `json:"rounding"`
	WindowPolicy                string  `json:"windowPolicy"`
	AutoCallEnabled             bool    `json:"autoCallEnabled"`
	AutoCallShadowMode          bool    `json:"autoCallShadowMode"`
	AutoCallMaxPerDay           int     `json:"autoCallMaxPerDay"`
	AutoCallMinSpacingMinutes   int     `json:"autoCallMinSpacingMinutes"`
	AutoCallEvalEveryMinutes    int     `json:"autoCallEvalEveryMinutes"`
	AutoCallPrePeakLeadMinutes  int     `json:"autoCallPrePeakLeadMinutes"`
	AutoCallPrePeakLagMinutes   int     `json:"autoCallPrePeakLagMinutes"`
	AutoCallPeakLeadMinutes     int     `json:"autoCallPeakLeadMinutes"`
	AutoCallPeakLagMinutes      int     `json:"autoCallPeakLagMinutes"`
	AutoCallPostPeakLeadMinutes int     `json:"autoCallPostPeakLeadMinutes"`
	AutoCallPostPeakLagMinutes  int     `json:"autoCallPostPeakLagMinutes"`
	AutoCallNearMaxThresholdF   float64 `json:"autoCallNearMaxThresholdF"`
}

// DefaultSettings mirrors the values the station has run with in production.
func DefaultSettings() Settings {
	return Settings{
		Station:                     "KORD",
		Timezone:                    "America/Chicago",
		PollIntervalSeconds:         60,
		StalePollSeconds:            180,
		WeatherPrimaryURL:           "https://tgftp.nws.noaa.gov/data/observations/metar/stations/KORD.TXT",
		WeatherBackupURL:            "https://aviationweather.gov/api/data/metar?ids=KORD&format=json",
		TempExtraction:              ExtractionTGroupPreferred,
		Rounding:                    RoundNearest,
		WindowPolicy:                PolicyMultiWindow,
		AutoCallEnabled:             false,
		AutoCallShadowMode:          true,
		AutoCallMaxPerDay:           8,
		AutoCallMinSpacingMinutes:   20,
		AutoCallEvalEveryMinutes:    20,
		AutoCallPrePeakLeadMinutes:  90,
		AutoCallPrePeakLagMinutes:   30,
		AutoCallPeakLeadMinutes:     15,
		AutoCallPeakLagMinutes:      45,
		AutoCallPostPeakLeadMinutes: 90,
		AutoCallPostPeakLagMinutes:  180,
		AutoCallNearMaxThresholdF:   1,
	}
}

// Observation is a single ingested station report, immutable once stored.
// ObsKey enforces at-most-once ingestion per distinct report.
type Observation struct {
	ID         int64
	DayKey     string
	ObsKey     string
	Source     string // "NWS" or "AWC"
	RawMetar   string
	ObsTimeUTC time.Time
	TempWholeF sql.NullInt64
	IsNewHigh  bool
	CreatedAt  time.Time
}

// DailyStats is the per-day truth aggregate. HighSoFarWholeF is monotonic
// non-decreasing within a day.
type DailyStats struct {
	DayKey               string
	CurrentTempWholeF    sql.NullInt64
	HighSoFarWholeF      sql.NullInt64
	TimeOfHigh           sql.NullTime
	LastObservationAt    sql.NullTime
	LastSuccessfulPollAt sql.NullTime
	PollStaleSeconds     sql.NullInt64
	IsStale              bool
	UpdatedAt            time.Time
}

// HourlyPeriod is one hour of a forecast snapshot, already normalized to °F.
type HourlyPeriod struct {
	StartTime     time.Time `json:"startTime"`
	TempF         float64   `json:"tempF"`
	ShortForecast string    `json:"shortForecast,omitempty"`
}

// ForecastSnapshot is immutable once stored; "latest" is the snapshot with
// the greatest FetchedAt for a dayKey.
type ForecastSnapshot struct {
	ID                int64
	DayKey            string
	Source            string
	FetchedAt         time.Time
	GeneratedAt       sql.NullTime
	PredictedMaxTempF sql.NullFloat64
	PredictedMaxAt    sql.NullTime
	Hourly            []HourlyPeriod
	CreatedAt         time.Time
}

// Decision outcomes.
const (
	DecisionCall = "CALL"
	DecisionSkip = "SKIP"
)

// AutoCallDecision is one evaluation-tick audit record. DecisionKey is
// unique; the row is created as a placeholder at claim time and finalized
// exactly once.
type AutoCallDecision struct {
	ID             int64
	DayKey         string
	DecisionKey    string
	EvaluatedAt    time.Time
	Decision       string
	ReasonCode     string
	ReasonDetail   sql.NullString // JSON diagnostic object
	Window         string
	PredictedMaxAt sql.NullTime
	CallSID        sql.NullString
	ShadowMode     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AutoCallState is the per-day singleton counter record, mutated only by the
// decision engine after a decision is finalized.
type AutoCallState struct {
	DayKey         string
	Enabled        bool
	ShadowMode     bool
	AutoCallsMade  int
	LastAutoCallAt sql.NullTime
	LastDecisionAt sql.NullTime
	LastReasonCode sql.NullString
	UpdatedAt      time.Time
}

// Phone call lifecycle states.
const (
	CallStatusRequested      = "REQUESTED"
	CallStatusCallInitiated  = "CALL_INITIATED"
	CallStatusRecordingReady = "RECORDING_READY"
	CallStatusProcessed      = "PROCESSED"
	CallStatusParseFailed    = "PARSE_FAILED"
	CallStatusFailed         = "FAILED"
)

// PhoneCall is owned exclusively by the verification call pipeline.
type PhoneCall struct {
	ID                   int64
	DayKey               string
	Status               string
	RequestedBy          sql.NullString
	RequestedAt          time.Time
	SourceNumber         sql.NullString
	TargetNumber         string
	CallSID              sql.NullString
	CallStartedAt        sql.NullTime
	CallCompletedAt      sql.NullTime
	RecordingSID         sql.NullString
	RecordingURL         sql.NullString
	RecordingDurationSec sql.NullInt64
	PlaybackToken        sql.NullString
	Transcript           sql.NullString
	TempC                sql.NullFloat64
	TempF                sql.NullFloat64
	ParsedOK             bool
	Error                sql.NullString
	Warning              sql.NullString
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CalibrationRun records one backtest invocation, immutable.
type CalibrationRun struct {
	ID            int64
	StartDay      string
	EndDay        string
	MethodsTested []string
	ChosenMethod  sql.NullString
	MatchRate     sql.NullFloat64
	Mismatches    sql.NullString // JSON array
	Notes         sql.NullString
	CreatedAt     time.Time
}

// Market bin statuses relative to the running daily high.
const (
	BinStatusDead    = "DEAD"
	BinStatusCurrent = "CURRENT"
	BinStatusAlive   = "ALIVE"
)

// MarketBin is a bounded temperature range in a prediction-market event.
type MarketBin struct {
	ID             int64
	DayKey         string
	MarketID       string
	Label          string
	LowerBoundF    sql.NullFloat64
	UpperBoundF    sql.NullFloat64
	Status         string
	DeadSince      sql.NullTime
	YesPrice       sql.NullFloat64
	PriceUpdatedAt sql.NullTime
}

// Alert is an operator-facing audit event.
type Alert struct {
	ID        int64
	DayKey    string
	Type      string
	Payload   sql.NullString // JSON
	CreatedAt time.Time
}
