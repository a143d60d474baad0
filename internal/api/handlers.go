package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/metarcall/internal/calibration"
	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/phone"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.MigrationVersion()
	health := map[string]any{
		"status":        "ok",
		"schemaVersion": version,
		"time":          time.Now().UTC(),
	}
	if err != nil {
		health["status"] = "degraded"
		health["error"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if health["status"] != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	decision, err := s.engine.Evaluate(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if decision == nil {
		http.Error(w, "no decision recorded", http.StatusInternalServerError)
		return
	}
	writeJSON(w, toDecisionView(*decision))
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	simulation, err := s.engine.Simulate(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, simulation)
}

type calibrationRequest struct {
	Station        string         `json:"station"`
	StartDay       string         `json:"startDay"`
	EndDay         string         `json:"endDay"`
	ReferenceHighs map[string]int `json:"referenceHighs"`
}

type methodResultView struct {
	ID          string                 `json:"id"`
	Label       string                 `json:"label"`
	Rank        int                    `json:"rank"`
	MatchedDays int                    `json:"matchedDays"`
	TotalDays   int                    `json:"totalDays"`
	MatchRate   float64                `json:"matchRate"`
	Mismatches  []calibration.Mismatch `json:"mismatches,omitempty"`
}

func toMethodResultView(r calibration.MethodResult) methodResultView {
	return methodResultView{
		ID:          r.ID,
		Label:       r.Label(),
		Rank:        r.Rank,
		MatchedDays: r.MatchedDays,
		TotalDays:   r.TotalDays,
		MatchRate:   r.MatchRate,
		Mismatches:  r.Mismatches,
	}
}

func (s *Server) handleCalibrationRun(w http.ResponseWriter, r *http.Request) {
	if s.calibration == nil {
		http.Error(w, "calibration not configured", http.StatusServiceUnavailable)
		return
	}

	var req calibrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Station == "" {
		settings, err := s.store.GetSettings()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		req.Station = settings.Station
	}

	result, err := s.calibration.Run(r.Context(), req.Station, req.StartDay, req.EndDay, req.ReferenceHighs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID, err := s.storeCalibrationRun(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	results := make([]methodResultView, 0, len(result.Evaluation.MethodResults))
	for _, methodResult := range result.Evaluation.MethodResults {
		results = append(results, toMethodResultView(methodResult))
	}
	writeJSON(w, map[string]any{
		"runId":         runID,
		"station":       result.Station,
		"startDay":      result.StartDay,
		"endDay":        result.EndDay,
		"totalDays":     result.TotalDays,
		"chosen":        toMethodResultView(result.Evaluation.Chosen),
		"methodResults": results,
	})
}

func (s *Server) storeCalibrationRun(result *calibration.RunResult) (int64, error) {
	run := models.CalibrationRun{
		StartDay: result.StartDay,
		EndDay:   result.EndDay,
	}
	for _, method := range calibration.Methods {
		run.MethodsTested = append(run.MethodsTested, method.ID)
	}
	chosen := result.Evaluation.Chosen
	run.ChosenMethod.String = chosen.ID
	run.ChosenMethod.Valid = chosen.ID != ""
	run.MatchRate.Float64 = chosen.MatchRate
	run.MatchRate.Valid = chosen.TotalDays > 0
	if len(chosen.Mismatches) > 0 {
		encoded, err := json.Marshal(chosen.Mismatches)
		if err != nil {
			return 0, fmt.Errorf("encode mismatches: %w", err)
		}
		run.Mismatches.String = string(encoded)
		run.Mismatches.Valid = true
	}
	run.Notes.String = result.Notes
	run.Notes.Valid = result.Notes != ""

	return s.store.InsertCalibrationRun(run)
}

func (s *Server) handleCalibrationRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListCalibrationRuns(limitParam(r, 20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.store.GetRecentDecisions(s.dayParam(r), limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]decisionView, 0, len(decisions))
	for _, decision := range decisions {
		views = append(views, toDecisionView(decision))
	}
	writeJSON(w, views)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	dayKey := s.dayParam(r)
	state, err := s.store.GetAutoCallState(dayKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if state == nil {
		// No decisions yet today: report an empty state rather than a 404.
		state = &models.AutoCallState{DayKey: dayKey}
	}
	writeJSON(w, toStateView(*state))
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.store.ListPhoneCalls(s.dayParam(r), limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]callView, 0, len(calls))
	for _, call := range calls {
		views = append(views, toCallView(call))
	}
	writeJSON(w, views)
}

func (s *Server) handleRequestCall(w http.ResponseWriter, r *http.Request) {
	if s.phone == nil {
		http.Error(w, "telephony not configured", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		RequestedBy string `json:"requestedBy"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "manual"
	}

	call, err := s.phone.RequestCall(r.Context(), req.RequestedBy)
	if err != nil {
		var cooldown *phone.CooldownError
		if errors.As(err, &cooldown) {
			w.Header().Set("Retry-After", strconv.Itoa(int(cooldown.Remaining.Seconds())+1))
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, toCallView(*call))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts(s.dayParam(r), limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]alertView, 0, len(alerts))
	for _, alert := range alerts {
		views = append(views, toAlertView(alert))
	}
	writeJSON(w, views)
}

func (s *Server) handleBins(w http.ResponseWriter, r *http.Request) {
	bins, err := s.store.ListMarketBins(s.dayParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]binView, 0, len(bins))
	for _, bin := range bins {
		views = append(views, toBinView(bin))
	}
	writeJSON(w, views)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.store.UpdateSettings(patch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	settings, err := s.store.GetSettings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}

func (s *Server) handleForecastRefresh(w http.ResponseWriter, r *http.Request) {
	if s.forecasts == nil {
		http.Error(w, "forecast refresh not configured", http.StatusServiceUnavailable)
		return
	}

	dayKey := s.dayParam(r)
	snapshot, err := s.forecasts.Refresh(r.Context(), dayKey)
	if err != nil {
		if alertErr := s.store.Alert(dayKey, "FORECAST_REFRESH_FAILED", map[string]string{"error": err.Error()}); alertErr != nil {
			log.Printf("api: record forecast alert: %v", alertErr)
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{
		"dayKey":            snapshot.DayKey,
		"fetchedAt":         snapshot.FetchedAt,
		"predictedMaxTempF": nullFloatPtr(snapshot.PredictedMaxTempF),
		"predictedMaxAt":    nullTimePtr(snapshot.PredictedMaxAt),
		"periods":           len(snapshot.Hourly),
	})
}

func (s *Server) handleRecordingPlayback(w http.ResponseWriter, r *http.Request) {
	call, err := s.store.GetPhoneCallByPlaybackToken(r.PathValue("token"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if call == nil || !call.RecordingURL.Valid {
		http.Error(w, "recording not found", http.StatusNotFound)
		return
	}
	http.Redirect(w, r, call.RecordingURL.String, http.StatusFound)
}

func (s *Server) handleTwilioRecording(w http.ResponseWriter, r *http.Request) {
	if s.phone == nil {
		http.Error(w, "telephony not configured", http.StatusServiceUnavailable)
		return
	}
	if secret := s.phone.WebhookSecret(); secret != "" && r.URL.Query().Get("secret") != secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("parse form: %v", err), http.StatusBadRequest)
		return
	}

	callSID := r.PostFormValue("CallSid")
	recordingSID := r.PostFormValue("RecordingSid")
	recordingURL := r.PostFormValue("RecordingUrl")
	status := r.PostFormValue("RecordingStatus")
	duration, _ := strconv.ParseInt(r.PostFormValue("RecordingDuration"), 10, 64)
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	// Download and transcription can take a while; Twilio expects the
	// callback to return quickly.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.phone.ProcessRecording(ctx, callSID, recordingSID, recordingURL, duration, status); err != nil {
			log.Printf("api: process recording %s: %v", callSID, err)
		}
	}()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dayParam(r *http.Request) string {
	if day := r.URL.Query().Get("day"); day != "" {
		return day
	}
	loc := s.store.Location()
	if loc == nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Format("2006-01-02")
}

func limitParam(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit <= 500 {
			return limit
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}
