package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/metarcall/internal/httputil"
	"github.com/lox/metarcall/internal/metrics"
	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/store"
)

// DefaultPointsURL resolves the KORD grid point on the NWS API.
const DefaultPointsURL = "https://api.weather.gov/points/41.9742,-87.9073"

const forecastUserAgent = "metarcall (github.com/lox/metarcall)"

// ForecastClient fetches hourly forecasts from the NWS API and stores them
// as immutable snapshots. It resolves the points endpoint once and caches
// the hourly forecast URL.
type ForecastClient struct {
	store     *store.Store
	pointsURL string
	hourlyURL string
	client    *http.Client
}

func NewForecastClient(st *store.Store, pointsURL string) *ForecastClient {
	if pointsURL == "" {
		pointsURL = DefaultPointsURL
	}
	return &ForecastClient{store: st, pointsURL: pointsURL, client: httputil.NewClient()}
}

type pointsResponse struct {
	Properties struct {
		ForecastHourly string `json:"forecastHourly"`
	} `json:"properties"`
}

type hourlyResponse struct {
	Properties struct {
		GeneratedAt time.Time `json:"generatedAt"`
		Periods     []struct {
			StartTime       time.Time `json:"startTime"`
			Temperature     float64   `json:"temperature"`
			TemperatureUnit string    `json:"temperatureUnit"`
			ShortForecast   string    `json:"shortForecast"`
		} `json:"periods"`
	} `json:"properties"`
}

// Refresh fetches the hourly forecast, filters it to the given local day,
// and stores a new snapshot. The snapshot with the greatest fetch time is
// the effective forecast.
func (c *ForecastClient) Refresh(ctx context.Context, dayKey string) (*models.ForecastSnapshot, error) {
	snapshot, err := c.refresh(ctx, dayKey)
	if err != nil {
		metrics.ForecastRefreshesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ForecastRefreshesTotal.WithLabelValues("ok").Inc()
	return snapshot, nil
}

func (c *ForecastClient) refresh(ctx context.Context, dayKey string) (*models.ForecastSnapshot, error) {
	hourlyURL, err := c.resolveHourlyURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve forecast endpoint: %w", err)
	}

	body, err := c.get(ctx, hourlyURL)
	if err != nil {
		return nil, fmt.Errorf("fetch hourly forecast: %w", err)
	}

	var hourly hourlyResponse
	if err := json.Unmarshal(body, &hourly); err != nil {
		return nil, fmt.Errorf("decode hourly forecast: %w", err)
	}

	loc := c.store.Location()
	if loc == nil {
		loc = time.UTC
	}

	var periods []models.HourlyPeriod
	for _, period := range hourly.Properties.Periods {
		if period.StartTime.In(loc).Format("2006-01-02") != dayKey {
			continue
		}
		tempF := period.Temperature
		if period.TemperatureUnit == "C" {
			tempF = period.Temperature*9/5 + 32
		}
		periods = append(periods, models.HourlyPeriod{
			StartTime:     period.StartTime.UTC(),
			TempF:         tempF,
			ShortForecast: period.ShortForecast,
		})
	}
	if len(periods) == 0 {
		return nil, fmt.Errorf("no forecast periods for %s", dayKey)
	}

	// Predicted peak is the hottest period, earliest on ties.
	peak := periods[0]
	for _, period := range periods[1:] {
		if period.TempF > peak.TempF {
			peak = period
		}
	}

	snapshot := models.ForecastSnapshot{
		DayKey:            dayKey,
		Source:            "NWS_HOURLY",
		FetchedAt:         time.Now().UTC(),
		PredictedMaxTempF: sql.NullFloat64{Float64: peak.TempF, Valid: true},
		PredictedMaxAt:    sql.NullTime{Time: peak.StartTime, Valid: true},
		Hourly:            periods,
	}
	if !hourly.Properties.GeneratedAt.IsZero() {
		snapshot.GeneratedAt = sql.NullTime{Time: hourly.Properties.GeneratedAt.UTC(), Valid: true}
	}

	if _, err := c.store.InsertForecastSnapshot(snapshot); err != nil {
		return nil, fmt.Errorf("store forecast snapshot: %w", err)
	}
	log.Printf("ingest: forecast refreshed for %s, predicted max %.0fF at %s",
		dayKey, peak.TempF, peak.StartTime.UTC().Format(time.RFC3339))

	return c.store.GetLatestForecastSnapshot(dayKey)
}

func (c *ForecastClient) resolveHourlyURL(ctx context.Context) (string, error) {
	if c.hourlyURL != "" {
		return c.hourlyURL, nil
	}

	body, err := c.get(ctx, c.pointsURL)
	if err != nil {
		return "", err
	}

	var points pointsResponse
	if err := json.Unmarshal(body, &points); err != nil {
		return "", fmt.Errorf("decode points response: %w", err)
	}
	if points.Properties.ForecastHourly == "" {
		return "", fmt.Errorf("points response has no hourly forecast URL")
	}

	c.hourlyURL = points.Properties.ForecastHourly
	return c.hourlyURL, nil
}

func (c *ForecastClient) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", forecastUserAgent)
		req.Header.Set("Accept", "application/geo+json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch forecast: %w", err)
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
