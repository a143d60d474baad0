package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metarcall_polls_total",
			Help: "Total weather report polls by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ObservationsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metarcall_observations_ingested_total",
			Help: "Total observations successfully ingested (post-dedup)",
		},
	)

	ForecastRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metarcall_forecast_refreshes_total",
			Help: "Total forecast snapshot refreshes by outcome",
		},
		[]string{"outcome"},
	)

	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metarcall_decisions_total",
			Help: "Auto-call decisions by terminal reason code",
		},
		[]string{"reason"},
	)

	CallsPlacedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metarcall_calls_placed_total",
			Help: "Verification calls placed by outcome",
		},
		[]string{"outcome"},
	)

	TranscriptionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metarcall_transcription_attempts_total",
			Help: "Transcription attempts by model and outcome",
		},
		[]string{"model", "outcome"},
	)
)
