// Package api is the JSON ops surface: decision triggers, dry runs,
// calibration runs, audit listings, and the Twilio recording webhook.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/metarcall/internal/calibration"
	"github.com/lox/metarcall/internal/engine"
	"github.com/lox/metarcall/internal/phone"
	"github.com/lox/metarcall/internal/store"
)

type Server struct {
	store       *store.Store
	engine      *engine.Engine
	phone       *phone.Service
	forecasts   engine.ForecastRefresher
	calibration *calibration.Runner
	port        string
}

func NewServer(st *store.Store, eng *engine.Engine, phoneSvc *phone.Service, forecasts engine.ForecastRefresher, calib *calibration.Runner, port string) *Server {
	return &Server{
		store:       st,
		engine:      eng,
		phone:       phoneSvc,
		forecasts:   forecasts,
		calibration: calib,
		port:        port,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /api/simulate", s.handleSimulate)
	mux.HandleFunc("POST /api/calibration/run", s.handleCalibrationRun)
	mux.HandleFunc("GET /api/calibration/runs", s.handleCalibrationRuns)
	mux.HandleFunc("GET /api/decisions", s.handleDecisions)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/calls", s.handleCalls)
	mux.HandleFunc("POST /api/calls", s.handleRequestCall)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/bins", s.handleBins)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PATCH /api/settings", s.handlePatchSettings)
	mux.HandleFunc("POST /api/forecast/refresh", s.handleForecastRefresh)
	mux.HandleFunc("GET /recordings/{token}", s.handleRecordingPlayback)
	mux.HandleFunc("POST /twilio/recording", s.handleTwilioRecording)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
