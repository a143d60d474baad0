// Package ingest owns truth-state ingestion: polling the station report
// feeds, deduplicating observations, maintaining the per-day stats and the
// market bin statuses, and refreshing forecast snapshots.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/metarcall/internal/market"
	"github.com/lox/metarcall/internal/metar"
	"github.com/lox/metarcall/internal/metrics"
	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/store"
)

// Poller runs one ingestion cycle per tick against the configured feeds.
type Poller struct {
	store  *store.Store
	source *ReportSource
	clock  clockwork.Clock
}

func NewPoller(st *store.Store, source *ReportSource, clock clockwork.Clock) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{store: st, source: source, clock: clock}
}

// ObsKey builds the dedup key for a report: station, observation stamp, and
// a content hash so a corrected report with the same stamp still ingests.
func ObsKey(station, zuluStamp, rawMetar string) string {
	h := fnv.New32a()
	h.Write([]byte(rawMetar))
	return station + "|" + zuluStamp + "|" + strconv.FormatUint(uint64(h.Sum32()), 16)
}

// ZuluToUTC resolves a ddhhmmZ stamp to a UTC instant near now. The stamp
// carries no month or year, so a candidate in the current month is corrected
// across month boundaries: more than 36 hours in the future means the stamp
// belongs to last month, more than 29 days in the past means next month.
func ZuluToUTC(stamp string, now time.Time) (time.Time, error) {
	if len(stamp) != 7 || stamp[6] != 'Z' {
		return time.Time{}, fmt.Errorf("ingest: malformed observation stamp %q", stamp)
	}
	day, err1 := strconv.Atoi(stamp[0:2])
	hour, err2 := strconv.Atoi(stamp[2:4])
	minute, err3 := strconv.Atoi(stamp[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, fmt.Errorf("ingest: malformed observation stamp %q", stamp)
	}

	nowUTC := now.UTC()
	candidate := time.Date(nowUTC.Year(), nowUTC.Month(), day, hour, minute, 0, 0, time.UTC)

	if candidate.Sub(nowUTC) > 36*time.Hour {
		candidate = candidate.AddDate(0, -1, 0)
	} else if nowUTC.Sub(candidate) > 29*24*time.Hour {
		candidate = candidate.AddDate(0, 1, 0)
	}

	if candidate.Day() != day {
		return time.Time{}, fmt.Errorf("ingest: stamp day %d does not exist in resolved month", day)
	}
	return candidate, nil
}

// PollOnce runs one ingestion cycle: fetch, dedup-insert, stats update, bin
// update, staleness bookkeeping.
func (p *Poller) PollOnce(ctx context.Context) error {
	settings, err := p.store.GetSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		log.Printf("ingest: load timezone %q: %v, using UTC", settings.Timezone, err)
		loc = time.UTC
	}
	now := p.clock.Now().UTC()

	raw, source, failedOver, err := p.source.Fetch(ctx, settings.Station, settings.WeatherPrimaryURL, settings.WeatherBackupURL)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("none", "error").Inc()
		return p.recordPollFailure(now, loc, settings, err)
	}
	metrics.PollsTotal.WithLabelValues(source, "ok").Inc()

	stamp, err := metar.ObsZuluStamp(raw)
	if err != nil || stamp == "" {
		return fmt.Errorf("no observation stamp in report %q", raw)
	}
	obsTime, err := ZuluToUTC(stamp, now)
	if err != nil {
		return err
	}
	dayKey := obsTime.In(loc).Format("2006-01-02")

	if failedOver {
		if alertErr := p.store.Alert(dayKey, "SOURCE_FAILOVER", map[string]string{"source": source}); alertErr != nil {
			log.Printf("ingest: record failover alert: %v", alertErr)
		}
		log.Printf("ingest: primary feed failed, using %s", source)
	}

	derived, deriveErr := metar.DeriveWholeF(raw, settings.TempExtraction, settings.Rounding, nil)
	tempWholeF := sql.NullInt64{}
	if deriveErr != nil {
		// A report without a parseable temperature still counts as a
		// successful poll; the observation is stored without a derived value.
		log.Printf("ingest: derive temperature: %v", deriveErr)
	} else {
		tempWholeF = sql.NullInt64{Int64: int64(derived.TempWholeF), Valid: true}
	}

	stats, err := p.store.GetDailyStats(dayKey)
	if err != nil {
		return fmt.Errorf("load daily stats: %w", err)
	}

	isNewHigh := tempWholeF.Valid && (stats == nil || !stats.HighSoFarWholeF.Valid || tempWholeF.Int64 > stats.HighSoFarWholeF.Int64)

	created, err := p.store.InsertObservationIfNew(models.Observation{
		DayKey:     dayKey,
		ObsKey:     ObsKey(settings.Station, stamp, raw),
		Source:     source,
		RawMetar:   raw,
		ObsTimeUTC: obsTime,
		TempWholeF: tempWholeF,
		IsNewHigh:  isNewHigh,
	})
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}

	updated := p.buildStats(dayKey, stats, now, obsTime, tempWholeF, created && isNewHigh)
	wasStale := stats != nil && stats.IsStale
	if err := p.store.UpsertDailyStats(updated); err != nil {
		return fmt.Errorf("update daily stats: %w", err)
	}
	if wasStale {
		if err := p.store.Alert(dayKey, "DATA_HEALTHY", nil); err != nil {
			log.Printf("ingest: record healthy alert: %v", err)
		}
	}

	if !created {
		return nil
	}
	metrics.ObservationsIngested.Inc()
	log.Printf("ingest: observation %s %s temp=%v newHigh=%v", source, stamp, tempWholeF.Int64, isNewHigh)

	if isNewHigh {
		if err := p.store.Alert(dayKey, "NEW_HIGH", map[string]int64{"highWholeF": tempWholeF.Int64}); err != nil {
			log.Printf("ingest: record new-high alert: %v", err)
		}
		eliminated, err := market.ApplyHigh(p.store, dayKey, tempWholeF.Int64, now)
		if err != nil {
			log.Printf("ingest: update bins: %v", err)
		}
		for _, marketID := range eliminated {
			if err := p.store.Alert(dayKey, "BIN_ELIMINATED", map[string]string{"marketId": marketID}); err != nil {
				log.Printf("ingest: record bin alert: %v", err)
			}
		}
	}
	return nil
}

// buildStats computes the new daily stats row after a successful poll. The
// daily high only ever moves up.
func (p *Poller) buildStats(dayKey string, previous *models.DailyStats, now, obsTime time.Time, tempWholeF sql.NullInt64, newHigh bool) models.DailyStats {
	updated := models.DailyStats{DayKey: dayKey, UpdatedAt: now}
	if previous != nil {
		updated = *previous
		updated.UpdatedAt = now
	}

	if tempWholeF.Valid {
		updated.CurrentTempWholeF = tempWholeF
	}
	if newHigh {
		updated.HighSoFarWholeF = tempWholeF
		updated.TimeOfHigh = sql.NullTime{Time: obsTime, Valid: true}
	}
	updated.LastObservationAt = sql.NullTime{Time: obsTime, Valid: true}
	updated.LastSuccessfulPollAt = sql.NullTime{Time: now, Valid: true}
	updated.PollStaleSeconds = sql.NullInt64{Int64: 0, Valid: true}
	updated.IsStale = false
	return updated
}

// recordPollFailure updates staleness bookkeeping for the current local day
// and raises DATA_STALE once when the threshold is crossed.
func (p *Poller) recordPollFailure(now time.Time, loc *time.Location, settings models.Settings, pollErr error) error {
	dayKey := now.In(loc).Format("2006-01-02")
	stats, err := p.store.GetDailyStats(dayKey)
	if err != nil {
		return fmt.Errorf("load daily stats: %w", err)
	}

	updated := models.DailyStats{DayKey: dayKey, UpdatedAt: now}
	if stats != nil {
		updated = *stats
		updated.UpdatedAt = now
	}

	staleSeconds := int64(-1)
	if updated.LastSuccessfulPollAt.Valid {
		staleSeconds = int64(now.Sub(updated.LastSuccessfulPollAt.Time).Seconds())
		updated.PollStaleSeconds = sql.NullInt64{Int64: staleSeconds, Valid: true}
	}

	wasStale := updated.IsStale
	updated.IsStale = staleSeconds < 0 || staleSeconds > int64(settings.StalePollSeconds)

	if err := p.store.UpsertDailyStats(updated); err != nil {
		return fmt.Errorf("update daily stats: %w", err)
	}

	if updated.IsStale && !wasStale {
		if err := p.store.Alert(dayKey, "DATA_STALE", map[string]any{"staleSeconds": staleSeconds, "error": pollErr.Error()}); err != nil {
			log.Printf("ingest: record stale alert: %v", err)
		}
	}
	log.Printf("ingest: poll failed (stale=%v): %v", updated.IsStale, pollErr)
	return nil
}
