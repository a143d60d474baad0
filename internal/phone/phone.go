// Package phone owns the verification call pipeline: the global cooldown
// gate, Twilio call placement, recording download, transcription with model
// fallback, and temperature extraction from the transcript.
package phone

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/store"
)

// CallCooldown is the single global rate limit between calls of any kind.
const CallCooldown = 15 * time.Minute

// Discouraged local hours: the weather line reads the morning observation
// cycle then and a verification call adds little.
const (
	discouragedStartHour = 7
	discouragedEndHour   = 13
)

// CooldownError rejects a call request made too soon after the previous one.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("call cooldown active, wait %s", e.Remaining.Round(time.Second))
}

// Config carries the telephony and callback wiring.
type Config struct {
	FromNumber      string
	TargetNumber    string
	CallbackBaseURL string // public base URL for the recording webhook
	WebhookSecret   string
	ModelOverride   string // optional transcription model tried first
}

// Service runs the call pipeline against the store.
type Service struct {
	store       *store.Store
	twilio      *TwilioClient
	transcriber Transcriber
	clock       clockwork.Clock
	cfg         Config
}

func NewService(st *store.Store, twilio *TwilioClient, transcriber Transcriber, clock clockwork.Clock, cfg Config) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{store: st, twilio: twilio, transcriber: transcriber, clock: clock, cfg: cfg}
}

// CheckCooldown returns a CooldownError when the most recent call (any
// status, any requester) is closer than the cooldown interval.
func (s *Service) CheckCooldown(now time.Time) error {
	latest, err := s.store.GetLatestPhoneCall()
	if err != nil {
		return fmt.Errorf("load latest call: %w", err)
	}
	if latest == nil {
		return nil
	}

	elapsed := now.Sub(latest.RequestedAt)
	if elapsed < CallCooldown {
		return &CooldownError{Remaining: CallCooldown - elapsed}
	}
	return nil
}

// RequestCall places a verification call, honoring the cooldown gate. The
// returned record is in CALL_INITIATED state on success and FAILED when
// Twilio rejected the call.
func (s *Service) RequestCall(ctx context.Context, requestedBy string) (*models.PhoneCall, error) {
	settings, err := s.store.GetSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	now := s.clock.Now()
	if err := s.CheckCooldown(now); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	call := models.PhoneCall{
		DayKey:        local.Format("2006-01-02"),
		Status:        models.CallStatusRequested,
		RequestedBy:   sql.NullString{String: requestedBy, Valid: requestedBy != ""},
		RequestedAt:   now.UTC(),
		SourceNumber:  sql.NullString{String: s.cfg.FromNumber, Valid: s.cfg.FromNumber != ""},
		TargetNumber:  s.cfg.TargetNumber,
		PlaybackToken: sql.NullString{String: uuid.NewString(), Valid: true},
	}
	if hour := local.Hour(); hour >= discouragedStartHour && hour < discouragedEndHour {
		call.Warning = sql.NullString{
			String: fmt.Sprintf("requested during the %02d:00-%02d:00 local window; announcement may lag the current observation", discouragedStartHour, discouragedEndHour),
			Valid:  true,
		}
	}

	id, err := s.store.InsertPhoneCall(call)
	if err != nil {
		return nil, fmt.Errorf("insert call: %w", err)
	}

	callSID, err := s.twilio.CreateCall(ctx, s.cfg.FromNumber, s.cfg.TargetNumber, s.recordingCallbackURL())
	if err != nil {
		if markErr := s.store.MarkCallFailed(id, err.Error()); markErr != nil {
			log.Printf("phone: mark call %d failed: %v", id, markErr)
		}
		return nil, fmt.Errorf("place call: %w", err)
	}

	if err := s.store.MarkCallInitiated(id, callSID, s.clock.Now().UTC()); err != nil {
		return nil, fmt.Errorf("mark call initiated: %w", err)
	}

	log.Printf("phone: call %d initiated sid=%s by=%s", id, callSID, requestedBy)
	return s.store.GetPhoneCall(id)
}

// PlaceCall adapts RequestCall to the decision engine's dialer interface.
func (s *Service) PlaceCall(ctx context.Context, dayKey, requestedBy string) (string, error) {
	call, err := s.RequestCall(ctx, requestedBy)
	if err != nil {
		return "", err
	}
	return call.CallSID.String, nil
}

// WebhookSecret is checked by the recording callback handler.
func (s *Service) WebhookSecret() string {
	return s.cfg.WebhookSecret
}

// ProcessRecording handles a recording-status callback: download, transcribe
// with fallback, extract the temperature, and finalize the call record.
// Non-completed notifications are ignored.
func (s *Service) ProcessRecording(ctx context.Context, callSID, recordingSID, recordingURL string, durationSec int64, status string) error {
	if status != "completed" {
		log.Printf("phone: ignoring recording status %q for %s", status, callSID)
		return nil
	}

	call, err := s.store.GetPhoneCallByCallSID(callSID)
	if err != nil {
		return fmt.Errorf("load call %s: %w", callSID, err)
	}
	if call == nil {
		return fmt.Errorf("no call found for sid %s", callSID)
	}

	if err := s.store.MarkRecordingReady(call.ID, recordingSID, recordingURL, durationSec, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("mark recording ready: %w", err)
	}

	audio, filename, err := s.twilio.DownloadRecording(ctx, recordingURL)
	if err != nil {
		s.failCall(call.ID, fmt.Sprintf("download: %v", err))
		return fmt.Errorf("download recording for call %d: %w", call.ID, err)
	}

	transcript, model, err := transcribeWithFallback(ctx, s.transcriber, s.clock, s.cfg.ModelOverride, filename, audio)
	if err != nil {
		s.failCall(call.ID, fmt.Sprintf("transcription: %v", err))
		return fmt.Errorf("transcribe call %d: %w", call.ID, err)
	}
	log.Printf("phone: call %d transcribed with %s (%d chars)", call.ID, model, len(transcript))

	extracted, ok := ExtractTemperature(transcript)
	if !ok {
		if err := s.store.MarkCallParseFailed(call.ID, sql.NullString{String: transcript, Valid: true}, "temperature-parse: no pattern matched"); err != nil {
			return fmt.Errorf("mark parse failed: %w", err)
		}
		return nil
	}

	warning := call.Warning
	if extracted.Unit == "C_ASSUMED" {
		note := "no unit in transcript, assumed Celsius"
		if warning.Valid {
			note = warning.String + "; " + note
		}
		warning = sql.NullString{String: note, Valid: true}
	}

	if err := s.store.MarkCallProcessed(call.ID, transcript, extracted.TempC, extracted.TempF, warning); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	log.Printf("phone: call %d processed temp=%.1fC/%.1fF unit=%s", call.ID, extracted.TempC, extracted.TempF, extracted.Unit)
	return nil
}

func (s *Service) failCall(id int64, message string) {
	if err := s.store.MarkCallFailed(id, message); err != nil {
		log.Printf("phone: mark call %d failed: %v", id, err)
	}
}

func (s *Service) recordingCallbackURL() string {
	callback := s.cfg.CallbackBaseURL + "/twilio/recording"
	if s.cfg.WebhookSecret != "" {
		callback += "?secret=" + url.QueryEscape(s.cfg.WebhookSecret)
	}
	return callback
}
