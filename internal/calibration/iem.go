package calibration

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/metarcall/internal/httputil"
)

const iemEndpoint = "https://mesonet.agron.iastate.edu/cgi-bin/request/asos.py"

// IEMClient fetches historical per-station reports from the IEM ASOS
// archive as CSV.
type IEMClient struct {
	endpoint string
	client   *http.Client
}

func NewIEMClient() *IEMClient {
	return &IEMClient{
		endpoint: iemEndpoint,
		client:   httputil.NewClient(),
	}
}

// NewIEMClientWithEndpoint is used by tests to point at a local server.
func NewIEMClientWithEndpoint(endpoint string) *IEMClient {
	return &IEMClient{endpoint: endpoint, client: httputil.NewClient()}
}

func baseParams(station string) url.Values {
	params := url.Values{}
	params.Set("station", station)
	params.Add("data", "metar")
	params.Add("data", "tmpf")
	params.Add("report_type", "3")
	params.Add("report_type", "4")
	params.Set("tz", "UTC")
	params.Set("format", "onlycomma")
	params.Set("missing", "empty")
	return params
}

// FetchRange downloads reports for [startDay, endDayExclusive) in UTC.
func (c *IEMClient) FetchRange(ctx context.Context, station, startDay, endDayExclusive string) ([]Report, error) {
	primary := baseParams(station)
	primary.Set("sts", startDay+"T00:00Z")
	primary.Set("ets", endDayExclusive+"T00:00Z")

	var body []byte
	operation := func() error {
		resp, err := c.get(ctx, primary)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("fetch IEM: %w", err))
		}

		if resp.StatusCode == http.StatusUnprocessableEntity {
			// Stricter validators prefer year/month/day style windows.
			resp.Body.Close()
			fallback, err := fallbackParams(station, startDay, endDayExclusive)
			if err != nil {
				return backoff.Permanent(err)
			}
			if resp, err = c.get(ctx, fallback); err != nil {
				return backoff.Permanent(fmt.Errorf("fetch IEM fallback: %w", err))
			}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("IEM returned status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			details, _ := io.ReadAll(io.LimitReader(resp.Body, 400))
			return backoff.Permanent(fmt.Errorf("IEM returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(details))))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read IEM body: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	return ParseASOSCSV(string(body)), nil
}

func (c *IEMClient) get(ctx context.Context, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	return c.client.Do(req)
}

func fallbackParams(station, startDay, endDayExclusive string) (url.Values, error) {
	start, err := ParseDayKey(startDay, "startDay")
	if err != nil {
		return nil, err
	}
	end, err := ParseDayKey(endDayExclusive, "endDay")
	if err != nil {
		return nil, err
	}

	params := baseParams(station)
	params.Set("year1", strconv.Itoa(start.Year()))
	params.Set("month1", strconv.Itoa(int(start.Month())))
	params.Set("day1", strconv.Itoa(start.Day()))
	params.Set("year2", strconv.Itoa(end.Year()))
	params.Set("month2", strconv.Itoa(int(end.Month())))
	params.Set("day2", strconv.Itoa(end.Day()))
	return params, nil
}

// ParseASOSCSV parses the IEM "onlycomma" CSV format. Comment lines are
// skipped; rows without a raw report and without a tmpf value are dropped.
func ParseASOSCSV(text string) []Report {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) < 2 {
		return nil
	}

	reader := csv.NewReader(strings.NewReader(strings.Join(kept, "\n")))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var reports []Report
	for {
		fields, err := reader.Read()
		if err != nil {
			break
		}

		rawMetar := strings.TrimSpace(field(fields, columns, "metar"))
		valid := strings.TrimSpace(field(fields, columns, "valid"))
		tmpf := parseFloat(field(fields, columns, "tmpf"))

		if rawMetar == "" && tmpf == nil {
			continue
		}

		reports = append(reports, Report{
			Valid:    valid,
			ValidUTC: parseValidUTC(valid),
			RawMetar: rawMetar,
			TmpF:     tmpf,
		})
	}
	return reports
}

func field(fields []string, columns map[string]int, name string) string {
	i, ok := columns[name]
	if !ok || i >= len(fields) {
		return ""
	}
	return fields[i]
}

func parseFloat(value string) *float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	return &parsed
}

// parseValidUTC parses the IEM "valid" timestamp, which arrives as
// "YYYY-MM-DD HH:MM" (or with a T separator and optional seconds).
func parseValidUTC(valid string) time.Time {
	valid = strings.TrimSpace(valid)
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if parsed, err := time.ParseInLocation(layout, valid, time.UTC); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// Runner ties range validation, the IEM fetch and method evaluation into
// one backtest invocation.
type Runner struct {
	iem *IEMClient
	loc *time.Location
}

func NewRunner(iem *IEMClient, loc *time.Location) *Runner {
	return &Runner{iem: iem, loc: loc}
}

// RunResult is the full ranked output for operator diagnosis.
type RunResult struct {
	Station    string
	StartDay   string
	EndDay     string
	TotalDays  int
	Coverage   []DayCoverage
	Evaluation Evaluation
	Notes      string
}

// DayCoverage summarizes the inputs for one day of the run.
type DayCoverage struct {
	DayKey         string
	ReportCount    int
	ReferenceHighF int
}

// Run validates inputs, fetches the historical reports, groups them by
// station-local day and evaluates every method. Validation failures reject
// the run before any fetch or computation happens.
func (r *Runner) Run(ctx context.Context, station, startDay, endDay string, referenceHighs map[string]int) (*RunResult, error) {
	dayKeys, err := ListDayKeys(startDay, endDay)
	if err != nil {
		return nil, err
	}
	if err := ValidateReferenceHighs(dayKeys, referenceHighs); err != nil {
		return nil, err
	}

	station = strings.ToUpper(strings.TrimSpace(station))
	if station == "" {
		return nil, fmt.Errorf("calibration: station is required")
	}

	// Fetch through end+2 days in UTC so late local-evening reports land in
	// the range after timezone conversion.
	end, _ := ParseDayKey(endDay, "endDay")
	fetchEnd := end.AddDate(0, 0, 2).Format("2006-01-02")

	rows, err := r.iem.FetchRange(ctx, station, startDay, fetchEnd)
	if err != nil {
		return nil, fmt.Errorf("calibration: fetch historical reports: %w", err)
	}

	reportsByDay := make(map[string][]Report, len(dayKeys))
	for _, dayKey := range dayKeys {
		reportsByDay[dayKey] = nil
	}
	for _, row := range rows {
		if row.ValidUTC.IsZero() {
			continue
		}
		localDay := row.ValidUTC.In(r.loc).Format("2006-01-02")
		if _, inRange := reportsByDay[localDay]; !inRange {
			continue
		}
		reportsByDay[localDay] = append(reportsByDay[localDay], row)
	}

	days := make([]Day, 0, len(dayKeys))
	coverage := make([]DayCoverage, 0, len(dayKeys))
	for _, dayKey := range dayKeys {
		days = append(days, Day{
			DayKey:         dayKey,
			ReferenceHighF: referenceHighs[dayKey],
			Reports:        reportsByDay[dayKey],
		})
		coverage = append(coverage, DayCoverage{
			DayKey:         dayKey,
			ReportCount:    len(reportsByDay[dayKey]),
			ReferenceHighF: referenceHighs[dayKey],
		})
	}

	evaluation, err := EvaluateDays(days)
	if err != nil {
		return nil, err
	}

	return &RunResult{
		Station:    station,
		StartDay:   startDay,
		EndDay:     endDay,
		TotalDays:  len(days),
		Coverage:   coverage,
		Evaluation: evaluation,
		Notes:      fmt.Sprintf("station=%s; days=%d; source=IEM asos.py report_type=3,4 data=metar,tmpf", station, len(days)),
	}, nil
}
