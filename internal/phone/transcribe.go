package phone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lox/metarcall/internal/metrics"
)

const (
	transcribeAttempts    = 3
	transcribeBackoffStep = 800 * time.Millisecond
)

// fallbackModels are always tried after any configured override.
var fallbackModels = []string{"gpt-4o-mini-transcribe", "whisper-1"}

// Transcriber turns call audio into text with one specific model.
type Transcriber interface {
	Transcribe(ctx context.Context, model, filename string, audio []byte) (string, error)
}

// OpenAITranscriber is the production Transcriber.
type OpenAITranscriber struct {
	client openai.Client
}

func NewOpenAITranscriber(apiKey string) (*OpenAITranscriber, error) {
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	return &OpenAITranscriber{client: openai.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, model, filename string, audio []byte) (string, error) {
	resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(model),
		File:  openai.File(bytes.NewReader(audio), filename, "application/octet-stream"),
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// candidateModels builds the ordered model list: the override first when
// configured, then the fixed fallbacks, without duplicates.
func candidateModels(override string) []string {
	var candidates []string
	if override = strings.TrimSpace(override); override != "" {
		candidates = append(candidates, override)
	}
	for _, model := range fallbackModels {
		if len(candidates) > 0 && candidates[0] == model {
			continue
		}
		candidates = append(candidates, model)
	}
	return candidates
}

// transcribeWithFallback tries each candidate model in order, retrying each
// up to transcribeAttempts times with linear backoff for retryable errors
// only. The first success wins; exhausting every candidate returns an
// aggregated error naming each failed attempt.
func transcribeWithFallback(ctx context.Context, transcriber Transcriber, clock clockwork.Clock, modelOverride, filename string, audio []byte) (text, model string, err error) {
	var attempts []string

	for _, candidate := range candidateModels(modelOverride) {
		for attempt := 1; attempt <= transcribeAttempts; attempt++ {
			text, err := transcriber.Transcribe(ctx, candidate, filename, audio)
			if err == nil {
				metrics.TranscriptionAttempts.WithLabelValues(candidate, "ok").Inc()
				return text, candidate, nil
			}

			metrics.TranscriptionAttempts.WithLabelValues(candidate, "error").Inc()
			attempts = append(attempts, fmt.Sprintf("model=%s attempt=%d: %v", candidate, attempt, err))

			if !retryableTranscriptionError(err) {
				break
			}
			if attempt < transcribeAttempts {
				clock.Sleep(time.Duration(attempt) * transcribeBackoffStep)
			}
		}
	}

	return "", "", fmt.Errorf("transcription failed after %d attempts: %s", len(attempts), strings.Join(attempts, "; "))
}

// retryableTranscriptionError classifies 5xx, timeouts and connection drops
// as retryable; everything else moves straight to the next model.
func retryableTranscriptionError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	message := err.Error()
	return strings.Contains(message, "connection reset") || strings.Contains(message, "connection refused") || strings.Contains(message, "EOF")
}
