package ingest

import (
	"context"
	"log"
	"time"

	"github.com/lox/metarcall/internal/market"
	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/store"
)

// Evaluator runs one auto-call decision tick.
type Evaluator interface {
	Evaluate(ctx context.Context) (*models.AutoCallDecision, error)
}

// Scheduler drives the periodic work: report polling, forecast refresh,
// auto-call evaluation, and market price refresh. Each ticker is independent;
// every subsystem is idempotent per tick so overlapping work is harmless.
type Scheduler struct {
	store        *store.Store
	poller       *Poller
	forecast     *ForecastClient
	evaluator    Evaluator
	prices       *market.PriceClient
	pollInterval time.Duration
	evalInterval time.Duration
}

func NewScheduler(st *store.Store, poller *Poller, forecast *ForecastClient, evaluator Evaluator, prices *market.PriceClient) *Scheduler {
	s := &Scheduler{
		store:        st,
		poller:       poller,
		forecast:     forecast,
		evaluator:    evaluator,
		prices:       prices,
		pollInterval: time.Minute,
		evalInterval: 20 * time.Minute,
	}

	settings, err := st.GetSettings()
	if err != nil {
		log.Printf("scheduler: load settings: %v, using default intervals", err)
		return s
	}
	if settings.PollIntervalSeconds > 0 {
		s.pollInterval = time.Duration(settings.PollIntervalSeconds) * time.Second
	}
	if settings.AutoCallEvalEveryMinutes > 0 {
		s.evalInterval = time.Duration(settings.AutoCallEvalEveryMinutes) * time.Minute
	}
	return s
}

func (s *Scheduler) Run(ctx context.Context) {
	s.poll(ctx)
	s.refreshForecast(ctx)
	s.evaluate(ctx)
	s.refreshPrices(ctx)

	pollTicker := time.NewTicker(s.pollInterval)
	forecastTicker := time.NewTicker(30 * time.Minute)
	evalTicker := time.NewTicker(s.evalInterval)
	priceTicker := time.NewTicker(5 * time.Minute)
	defer pollTicker.Stop()
	defer forecastTicker.Stop()
	defer evalTicker.Stop()
	defer priceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-pollTicker.C:
			s.poll(ctx)
		case <-forecastTicker.C:
			s.refreshForecast(ctx)
		case <-evalTicker.C:
			s.evaluate(ctx)
		case <-priceTicker.C:
			s.refreshPrices(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if err := s.poller.PollOnce(ctx); err != nil {
		log.Printf("scheduler: poll: %v", err)
	}
}

func (s *Scheduler) refreshForecast(ctx context.Context) {
	if s.forecast == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if _, err := s.forecast.Refresh(ctx, s.localDayKey()); err != nil {
		log.Printf("scheduler: forecast refresh: %v", err)
	}
}

func (s *Scheduler) evaluate(ctx context.Context) {
	if s.evaluator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := s.evaluator.Evaluate(ctx); err != nil {
		log.Printf("scheduler: evaluate: %v", err)
	}
}

func (s *Scheduler) refreshPrices(ctx context.Context) {
	if s.prices == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if err := market.RefreshPrices(ctx, s.store, s.prices, s.localDayKey(), time.Now().UTC()); err != nil {
		log.Printf("scheduler: price refresh: %v", err)
	}
}

func (s *Scheduler) localDayKey() string {
	loc := s.store.Location()
	if loc == nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Format("2006-01-02")
}
