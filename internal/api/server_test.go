package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/lox/metarcall/internal/engine"
	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/phone"
	"github.com/lox/metarcall/internal/store"
)

var testNow = time.Date(2025, 7, 14, 18, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	st := store.New(db, loc)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

type stubDialer struct {
	calls int
	err   error
}

func (d *stubDialer) PlaceCall(ctx context.Context, dayKey, requestedBy string) (string, error) {
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	return fmt.Sprintf("CA%08d", d.calls), nil
}

type stubRefresher struct {
	snapshot *models.ForecastSnapshot
	err      error
}

func (r *stubRefresher) Refresh(ctx context.Context, dayKey string) (*models.ForecastSnapshot, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.snapshot, nil
}

func setupServer(t *testing.T, st *store.Store, refresher engine.ForecastRefresher, phoneSvc *phone.Service) *Server {
	t.Helper()
	eng := engine.New(st, &stubDialer{}, refresher, clockwork.NewFakeClockAt(testNow))
	return NewServer(st, eng, phoneSvc, refresher, nil, "0")
}

func TestHealth(t *testing.T) {
	st := setupTestStore(t)
	server := setupServer(t, st, nil, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["schemaVersion"].(float64) < 1 {
		t.Errorf("schemaVersion = %v, want >= 1", body["schemaVersion"])
	}
}

func TestEvaluateRecordsDecision(t *testing.T) {
	st := setupTestStore(t)
	server := setupServer(t, st, nil, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/evaluate", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var decision decisionView
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decision.Decision != models.DecisionSkip {
		t.Errorf("decision = %s, want SKIP with defaults", decision.Decision)
	}
	if decision.ReasonCode != engine.ReasonSkipDisabled {
		t.Errorf("reasonCode = %s, want SKIP_DISABLED", decision.ReasonCode)
	}

	// The decision must be persisted and listable.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/decisions?day=2025-07-14", nil))
	var decisions []decisionView
	if err := json.Unmarshal(rec.Body.Bytes(), &decisions); err != nil {
		t.Fatalf("decode decisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("got %d decisions, want 1", len(decisions))
	}
}

func TestSimulateHasNoSideEffects(t *testing.T) {
	st := setupTestStore(t)
	server := setupServer(t, st, nil, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/simulate", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var simulation engine.Simulation
	if err := json.Unmarshal(rec.Body.Bytes(), &simulation); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if simulation.ReasonCode != engine.ReasonSkipDisabled {
		t.Errorf("reasonCode = %s, want SKIP_DISABLED", simulation.ReasonCode)
	}

	decisions, err := st.GetRecentDecisions("2025-07-14", 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 0 {
		t.Errorf("simulate recorded %d decisions, want 0", len(decisions))
	}
}

func TestStateEmptyDay(t *testing.T) {
	st := setupTestStore(t)
	server := setupServer(t, st, nil, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state?day=2025-07-14", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var state stateView
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if state.DayKey != "2025-07-14" || state.AutoCallsMade != 0 {
		t.Errorf("state = %+v, want empty state for the day", state)
	}
}

func TestPatchSettings(t *testing.T) {
	st := setupTestStore(t)
	server := setupServer(t, st, nil, nil)

	body := strings.NewReader(`{"autoCallEnabled": true, "autoCallMaxPerDay": 4}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/settings", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	settings, err := st.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if !settings.AutoCallEnabled {
		t.Error("autoCallEnabled not persisted")
	}
	if settings.AutoCallMaxPerDay != 4 {
		t.Errorf("autoCallMaxPerDay = %d, want 4", settings.AutoCallMaxPerDay)
	}
	// Untouched fields keep defaults.
	if settings.Station != "KORD" {
		t.Errorf("station = %s, want KORD", settings.Station)
	}
}

func TestForecastRefreshFailureRecordsAlert(t *testing.T) {
	st := setupTestStore(t)
	server := setupServer(t, st, &stubRefresher{err: fmt.Errorf("upstream down")}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/forecast/refresh?day=2025-07-14", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	alerts, err := st.ListAlerts("2025-07-14", 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Type != "FORECAST_REFRESH_FAILED" {
		t.Fatalf("alerts = %+v, want one FORECAST_REFRESH_FAILED", alerts)
	}
}

func TestTwilioWebhookRejectsBadSecret(t *testing.T) {
	st := setupTestStore(t)
	phoneSvc := phone.NewService(st, phone.NewTwilioClient("AC123", "token"), nil, clockwork.NewFakeClockAt(testNow), phone.Config{
		TargetNumber:  "+18005551212",
		WebhookSecret: "hunter2",
	})
	server := setupServer(t, st, nil, phoneSvc)

	form := url.Values{"CallSid": {"CA1"}, "RecordingStatus": {"completed"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/recording?secret=wrong", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	// Correct secret but missing CallSid is a bad request.
	req = httptest.NewRequest(http.MethodPost, "/twilio/recording?secret=hunter2", strings.NewReader(url.Values{}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRecordingPlayback(t *testing.T) {
	st := setupTestStore(t)
	server := setupServer(t, st, nil, nil)

	id, err := st.InsertPhoneCall(models.PhoneCall{
		DayKey:        "2025-07-14",
		Status:        models.CallStatusRequested,
		RequestedAt:   testNow,
		TargetNumber:  "+18005551212",
		PlaybackToken: sql.NullString{String: "tok-123", Valid: true},
	})
	if err != nil {
		t.Fatalf("insert call: %v", err)
	}
	if err := st.MarkRecordingReady(id, "RE1", "https://api.twilio.com/recording/RE1", 15, testNow); err != nil {
		t.Fatalf("mark recording ready: %v", err)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recordings/tok-123", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://api.twilio.com/recording/RE1" {
		t.Errorf("location = %q", got)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recordings/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown token status = %d, want 404", rec.Code)
	}
}
