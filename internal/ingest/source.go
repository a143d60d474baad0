package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/metarcall/internal/httputil"
	"github.com/lox/metarcall/internal/metar"
)

// Report sources, recorded on every observation.
const (
	SourceNWS = "NWS"
	SourceAWC = "AWC"
)

// ReportSource fetches the latest raw report for the configured station,
// trying the primary text feed first and failing over to the backup JSON
// feed.
type ReportSource struct {
	client *http.Client
}

func NewReportSource() *ReportSource {
	return &ReportSource{client: httputil.NewClient()}
}

// Fetch returns the latest raw report and which source produced it. A
// primary payload that fetches but fails report validation falls through to
// the backup the same as a transport failure. failedOver reports that the
// backup answered after the primary did not.
func (s *ReportSource) Fetch(ctx context.Context, station, primaryURL, backupURL string) (raw, source string, failedOver bool, err error) {
	raw, primaryErr := s.fetchText(ctx, station, primaryURL)
	if primaryErr == nil {
		return raw, SourceNWS, false, nil
	}

	raw, backupErr := s.fetchJSON(ctx, station, backupURL)
	if backupErr == nil {
		return raw, SourceAWC, true, nil
	}

	return "", "", false, fmt.Errorf("both sources failed: primary: %v; backup: %v", primaryErr, backupErr)
}

// fetchText reads the NWS station text product: a date line followed by the
// raw report. The last non-empty line is the report.
func (s *ReportSource) fetchText(ctx context.Context, station, url string) (string, error) {
	body, err := s.get(ctx, url)
	if err != nil {
		return "", err
	}

	var report string
	for _, line := range strings.Split(string(body), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			report = trimmed
		}
	}
	if report == "" {
		return "", fmt.Errorf("empty station text product")
	}
	return validateReport(station, report)
}

// fetchJSON reads the AWC JSON feed and returns the newest rawOb.
func (s *ReportSource) fetchJSON(ctx context.Context, station, url string) (string, error) {
	body, err := s.get(ctx, url)
	if err != nil {
		return "", err
	}

	var reports []struct {
		RawOb string `json:"rawOb"`
	}
	if err := json.Unmarshal(body, &reports); err != nil {
		return "", fmt.Errorf("decode backup feed: %w", err)
	}
	if len(reports) == 0 || strings.TrimSpace(reports[0].RawOb) == "" {
		return "", fmt.Errorf("backup feed returned no reports")
	}
	return validateReport(station, reports[0].RawOb)
}

// validateReport normalizes a fetched payload and rejects anything that is
// not a report for the station with an observation stamp, so garbage from a
// 200 response is treated the same as a failed fetch.
func validateReport(station, report string) (string, error) {
	normalized, err := metar.Normalize(report)
	if err != nil {
		return "", err
	}
	if station != "" && !strings.HasPrefix(normalized, station+" ") {
		return "", fmt.Errorf("report does not start with station %s: %q", station, normalized)
	}
	stamp, err := metar.ObsZuluStamp(normalized)
	if err != nil || stamp == "" {
		return "", fmt.Errorf("report has no observation stamp: %q", normalized)
	}
	return normalized, nil
}

func (s *ReportSource) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch report: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}
