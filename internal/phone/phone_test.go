package phone

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/store"
)

var testNow = time.Date(2025, 7, 14, 18, 0, 0, 0, time.UTC) // 13:00 in Chicago

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load timezone: %v", err)
	}
	st := store.New(db, loc)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

type stubTranscriber struct {
	responses map[string][]any // model -> sequence of string (text) or error
	calls     []string
}

func (s *stubTranscriber) Transcribe(ctx context.Context, model, filename string, audio []byte) (string, error) {
	s.calls = append(s.calls, model)
	queue := s.responses[model]
	if len(queue) == 0 {
		return "", errors.New("unexpected call for model " + model)
	}
	next := queue[0]
	s.responses[model] = queue[1:]
	if err, ok := next.(error); ok {
		return "", err
	}
	return next.(string), nil
}

func TestExtractTemperature(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		wantC      float64
		wantF      float64
		wantUnit   string
		wantOK     bool
	}{
		{
			name:       "explicit fahrenheit",
			transcript: "the temperature is 79 degrees Fahrenheit",
			wantC:      (79 - 32) * 5 / 9, wantF: 79, wantUnit: "F", wantOK: true,
		},
		{
			name:       "explicit celsius",
			transcript: "temperature 26 degrees Celsius, dew point 12",
			wantC:      26, wantF: 78.8, wantUnit: "C", wantOK: true,
		},
		{
			name:       "fahrenheit wins over later celsius",
			transcript: "79 degrees Fahrenheit, dew point 12 degrees Celsius",
			wantC:      (79 - 32) * 5 / 9, wantF: 79, wantUnit: "F", wantOK: true,
		},
		{
			name:       "temperature is phrasing without unit",
			transcript: "wind calm, temperature is 25, altimeter 3001",
			wantC:      25, wantF: 77, wantUnit: "C_ASSUMED", wantOK: true,
		},
		{
			name:       "bare number defaults to celsius",
			transcript: "23",
			wantC:      23, wantF: 73.4, wantUnit: "C_ASSUMED", wantOK: true,
		},
		{
			name:       "spoken minus",
			transcript: "temperature minus 5 degrees Celsius",
			wantC:      -5, wantF: 23, wantUnit: "C", wantOK: true,
		},
		{
			name:       "no number at all",
			transcript: "wind calm, sky clear",
			wantOK:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractTemperature(tt.transcript)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if diff := got.TempC - tt.wantC; diff > 0.001 || diff < -0.001 {
				t.Errorf("TempC = %v, want %v", got.TempC, tt.wantC)
			}
			if diff := got.TempF - tt.wantF; diff > 0.001 || diff < -0.001 {
				t.Errorf("TempF = %v, want %v", got.TempF, tt.wantF)
			}
			if got.Unit != tt.wantUnit {
				t.Errorf("Unit = %q, want %q", got.Unit, tt.wantUnit)
			}
		})
	}
}

func TestCandidateModels(t *testing.T) {
	got := candidateModels("")
	if len(got) != 2 || got[0] != "gpt-4o-mini-transcribe" || got[1] != "whisper-1" {
		t.Errorf("candidateModels(\"\") = %v", got)
	}

	got = candidateModels("gpt-4o-transcribe")
	if len(got) != 3 || got[0] != "gpt-4o-transcribe" {
		t.Errorf("candidateModels(override) = %v", got)
	}

	// An override equal to the first fallback must not be duplicated.
	got = candidateModels("gpt-4o-mini-transcribe")
	if len(got) != 2 {
		t.Errorf("candidateModels(duplicate override) = %v", got)
	}
}

func TestTranscribeWithFallbackRetriesRetryable(t *testing.T) {
	stub := &stubTranscriber{responses: map[string][]any{
		"gpt-4o-mini-transcribe": {errors.New("read tcp: connection reset by peer"), "temperature is 26"},
	}}
	clock := clockwork.NewFakeClock()

	type result struct {
		text, model string
		err         error
	}
	done := make(chan result, 1)
	go func() {
		text, model, err := transcribeWithFallback(context.Background(), stub, clock, "", "recording.mp3", []byte("audio"))
		done <- result{text, model, err}
	}()

	// One retryable failure means exactly one backoff sleep.
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	r := <-done
	if r.err != nil {
		t.Fatalf("err = %v", r.err)
	}
	if r.text != "temperature is 26" {
		t.Errorf("text = %q", r.text)
	}
	if r.model != "gpt-4o-mini-transcribe" {
		t.Errorf("model = %q", r.model)
	}
	if len(stub.calls) != 2 {
		t.Errorf("calls = %v, want 2 attempts on the first model", stub.calls)
	}
}

func TestTranscribeWithFallbackNonRetryableMovesOn(t *testing.T) {
	stub := &stubTranscriber{responses: map[string][]any{
		"gpt-4o-mini-transcribe": {errors.New("model not available")},
		"whisper-1":              {"26 degrees"},
	}}

	// Non-retryable failures never sleep, so the real clock is safe here.
	text, model, err := transcribeWithFallback(context.Background(), stub, clockwork.NewRealClock(), "", "recording.mp3", []byte("audio"))
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if model != "whisper-1" {
		t.Errorf("model = %q, want whisper-1", model)
	}
	if text != "26 degrees" {
		t.Errorf("text = %q", text)
	}
	if len(stub.calls) != 2 {
		t.Errorf("calls = %v, want one attempt per model", stub.calls)
	}
}

func TestTranscribeWithFallbackExhaustion(t *testing.T) {
	stub := &stubTranscriber{responses: map[string][]any{
		"gpt-4o-mini-transcribe": {errors.New("bad request")},
		"whisper-1":              {errors.New("bad request")},
	}}

	_, _, err := transcribeWithFallback(context.Background(), stub, clockwork.NewRealClock(), "", "recording.mp3", []byte("audio"))
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("err = %v, want attempt count in message", err)
	}
	if !strings.Contains(err.Error(), "whisper-1") {
		t.Errorf("err = %v, want per-attempt diagnostics", err)
	}
}

func TestCheckCooldown(t *testing.T) {
	st := setupTestStore(t)
	svc := NewService(st, nil, nil, clockwork.NewFakeClockAt(testNow), Config{})

	if err := svc.CheckCooldown(testNow); err != nil {
		t.Fatalf("CheckCooldown with no calls: %v", err)
	}

	if _, err := st.InsertPhoneCall(models.PhoneCall{
		DayKey:       "2025-07-14",
		Status:       models.CallStatusProcessed,
		RequestedAt:  testNow.Add(-5 * time.Minute),
		TargetNumber: "+17735551234",
	}); err != nil {
		t.Fatalf("InsertPhoneCall: %v", err)
	}

	err := svc.CheckCooldown(testNow)
	var cooldown *CooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("err = %v, want CooldownError", err)
	}
	if cooldown.Remaining != 10*time.Minute {
		t.Errorf("Remaining = %v, want 10m", cooldown.Remaining)
	}

	if err := svc.CheckCooldown(testNow.Add(11 * time.Minute)); err != nil {
		t.Errorf("CheckCooldown after cooldown: %v", err)
	}
}

func TestRequestCallInitiates(t *testing.T) {
	st := setupTestStore(t)

	var gotForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = map[string]string{
			"To":                      r.PostFormValue("To"),
			"Record":                  r.PostFormValue("Record"),
			"RecordingStatusCallback": r.PostFormValue("RecordingStatusCallback"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sid":"CA777"}`))
	}))
	defer server.Close()

	twilio := NewTwilioClientWithBaseURL("AC1", "token", server.URL)
	// 15:00 UTC is 10:00 in Chicago, inside the discouraged window.
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 14, 15, 0, 0, 0, time.UTC))
	svc := NewService(st, twilio, nil, clock, Config{
		FromNumber:      "+15550001111",
		TargetNumber:    "+17735551234",
		CallbackBaseURL: "https://metarcall.example.com",
		WebhookSecret:   "s3cret",
	})

	call, err := svc.RequestCall(context.Background(), "operator")
	if err != nil {
		t.Fatalf("RequestCall: %v", err)
	}

	if call.Status != models.CallStatusCallInitiated {
		t.Errorf("Status = %q, want CALL_INITIATED", call.Status)
	}
	if call.CallSID.String != "CA777" {
		t.Errorf("CallSID = %q, want CA777", call.CallSID.String)
	}
	if !call.PlaybackToken.Valid || call.PlaybackToken.String == "" {
		t.Error("PlaybackToken not set")
	}
	if !call.Warning.Valid {
		t.Error("Warning not set for a discouraged-window request")
	}
	if call.DayKey != "2025-07-14" {
		t.Errorf("DayKey = %q, want 2025-07-14", call.DayKey)
	}

	if gotForm["To"] != "+17735551234" {
		t.Errorf("To = %q", gotForm["To"])
	}
	if gotForm["Record"] != "true" {
		t.Errorf("Record = %q, want true", gotForm["Record"])
	}
	if !strings.Contains(gotForm["RecordingStatusCallback"], "/twilio/recording") || !strings.Contains(gotForm["RecordingStatusCallback"], "secret=s3cret") {
		t.Errorf("RecordingStatusCallback = %q", gotForm["RecordingStatusCallback"])
	}
}

func TestRequestCallTwilioFailure(t *testing.T) {
	st := setupTestStore(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"unreachable"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	twilio := NewTwilioClientWithBaseURL("AC1", "token", server.URL)
	svc := NewService(st, twilio, nil, clockwork.NewFakeClockAt(testNow), Config{
		FromNumber:   "+15550001111",
		TargetNumber: "+17735551234",
	})

	if _, err := svc.RequestCall(context.Background(), "auto"); err == nil {
		t.Fatal("expected error from failed placement")
	}

	calls, err := st.ListPhoneCalls("2025-07-14", 10)
	if err != nil {
		t.Fatalf("ListPhoneCalls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	if calls[0].Status != models.CallStatusFailed {
		t.Errorf("Status = %q, want FAILED", calls[0].Status)
	}
	if !calls[0].Error.Valid {
		t.Error("Error not recorded on failed call")
	}
}

func TestRequestCallCooldownRejected(t *testing.T) {
	st := setupTestStore(t)
	if _, err := st.InsertPhoneCall(models.PhoneCall{
		DayKey:       "2025-07-14",
		Status:       models.CallStatusProcessed,
		RequestedAt:  testNow.Add(-time.Minute),
		TargetNumber: "+17735551234",
	}); err != nil {
		t.Fatalf("InsertPhoneCall: %v", err)
	}

	svc := NewService(st, nil, nil, clockwork.NewFakeClockAt(testNow), Config{TargetNumber: "+17735551234"})

	_, err := svc.RequestCall(context.Background(), "operator")
	var cooldown *CooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("err = %v, want CooldownError", err)
	}
}

func TestProcessRecording(t *testing.T) {
	st := setupTestStore(t)

	// The lossy format 404s; the pipeline must fall through to .wav.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".mp3") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("RIFFaudio"))
	}))
	defer server.Close()

	id, err := st.InsertPhoneCall(models.PhoneCall{
		DayKey:       "2025-07-14",
		Status:       models.CallStatusCallInitiated,
		RequestedAt:  testNow.Add(-2 * time.Minute),
		TargetNumber: "+17735551234",
	})
	if err != nil {
		t.Fatalf("InsertPhoneCall: %v", err)
	}
	if err := st.MarkCallInitiated(id, "CA777", testNow.Add(-2*time.Minute)); err != nil {
		t.Fatalf("MarkCallInitiated: %v", err)
	}

	stub := &stubTranscriber{responses: map[string][]any{
		"gpt-4o-mini-transcribe": {"wind calm, temperature is 26, altimeter 3001"},
	}}
	twilio := NewTwilioClientWithBaseURL("AC1", "token", server.URL)
	svc := NewService(st, twilio, stub, clockwork.NewFakeClockAt(testNow), Config{})

	err = svc.ProcessRecording(context.Background(), "CA777", "RE1", server.URL+"/recording/RE1", 24, "completed")
	if err != nil {
		t.Fatalf("ProcessRecording: %v", err)
	}

	call, err := st.GetPhoneCall(id)
	if err != nil {
		t.Fatalf("GetPhoneCall: %v", err)
	}
	if call.Status != models.CallStatusProcessed {
		t.Fatalf("Status = %q, want PROCESSED", call.Status)
	}
	if call.TempC.Float64 != 26 {
		t.Errorf("TempC = %v, want 26", call.TempC.Float64)
	}
	if diff := call.TempF.Float64 - 78.8; diff > 0.001 || diff < -0.001 {
		t.Errorf("TempF = %v, want 78.8", call.TempF.Float64)
	}
	if !call.Warning.Valid || !strings.Contains(call.Warning.String, "assumed Celsius") {
		t.Errorf("Warning = %+v, want assumed-Celsius note", call.Warning)
	}
	if call.RecordingSID.String != "RE1" {
		t.Errorf("RecordingSID = %q, want RE1", call.RecordingSID.String)
	}
}

func TestProcessRecordingParseFailure(t *testing.T) {
	st := setupTestStore(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("audio"))
	}))
	defer server.Close()

	id, err := st.InsertPhoneCall(models.PhoneCall{
		DayKey:       "2025-07-14",
		Status:       models.CallStatusCallInitiated,
		RequestedAt:  testNow,
		TargetNumber: "+17735551234",
	})
	if err != nil {
		t.Fatalf("InsertPhoneCall: %v", err)
	}
	if err := st.MarkCallInitiated(id, "CA778", testNow); err != nil {
		t.Fatalf("MarkCallInitiated: %v", err)
	}

	stub := &stubTranscriber{responses: map[string][]any{
		"gpt-4o-mini-transcribe": {"wind calm, sky clear"},
	}}
	twilio := NewTwilioClientWithBaseURL("AC1", "token", server.URL)
	svc := NewService(st, twilio, stub, clockwork.NewFakeClockAt(testNow), Config{})

	if err := svc.ProcessRecording(context.Background(), "CA778", "RE2", server.URL+"/recording/RE2", 20, "completed"); err != nil {
		t.Fatalf("ProcessRecording: %v", err)
	}

	call, err := st.GetPhoneCall(id)
	if err != nil {
		t.Fatalf("GetPhoneCall: %v", err)
	}
	if call.Status != models.CallStatusParseFailed {
		t.Errorf("Status = %q, want PARSE_FAILED", call.Status)
	}
	if !call.Transcript.Valid {
		t.Error("Transcript not preserved on parse failure")
	}
}

func TestProcessRecordingIgnoresNonCompleted(t *testing.T) {
	st := setupTestStore(t)
	svc := NewService(st, nil, nil, clockwork.NewFakeClockAt(testNow), Config{})

	if err := svc.ProcessRecording(context.Background(), "CA779", "RE3", "http://unused", 0, "in-progress"); err != nil {
		t.Errorf("ProcessRecording non-completed: %v", err)
	}
}
