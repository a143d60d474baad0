package phone

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lox/metarcall/internal/httputil"
)

const twilioAPIBase = "https://api.twilio.com"

// callTwiML answers the outbound leg: stay on the line long enough for the
// automated weather announcement to play, then hang up. The call audio is
// captured by the Record flag on call creation.
const callTwiML = `<Response><Pause length="15"/><Hangup/></Response>`

// TwilioClient is a minimal REST client for the two Twilio operations the
// pipeline needs: creating a recorded call and downloading its recording.
type TwilioClient struct {
	accountSID string
	authToken  string
	baseURL    string
	client     *http.Client
}

func NewTwilioClient(accountSID, authToken string) *TwilioClient {
	return &TwilioClient{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    twilioAPIBase,
		client:     httputil.NewClient(),
	}
}

// NewTwilioClientWithBaseURL is used by tests to point at a local server.
func NewTwilioClientWithBaseURL(accountSID, authToken, baseURL string) *TwilioClient {
	c := NewTwilioClient(accountSID, authToken)
	c.baseURL = baseURL
	return c
}

// CreateCall places a recorded outbound call and returns the call SID.
func (c *TwilioClient) CreateCall(ctx context.Context, from, to, recordingCallbackURL string) (string, error) {
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Twiml", callTwiML)
	form.Set("Record", "true")
	form.Set("RecordingStatusCallback", recordingCallbackURL)
	form.Set("RecordingStatusCallbackEvent", "completed")

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		details, _ := io.ReadAll(io.LimitReader(resp.Body, 400))
		return "", fmt.Errorf("create call: twilio returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(details)))
	}

	var created struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode call response: %w", err)
	}
	if created.SID == "" {
		return "", fmt.Errorf("create call: response missing sid")
	}
	return created.SID, nil
}

// recording container formats, tried in order. The lossy variant is smaller
// and almost always present; the lossless one is the fallback.
var recordingFormats = []string{".mp3", ".wav"}

// DownloadRecording fetches the recording audio, trying each container
// format until one succeeds. The returned filename carries the extension
// that worked, which the transcription API uses for container detection.
func (c *TwilioClient) DownloadRecording(ctx context.Context, recordingURL string) (audio []byte, filename string, err error) {
	var lastErr error
	for _, ext := range recordingFormats {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+ext, nil)
		if reqErr != nil {
			return nil, "", reqErr
		}
		req.SetBasicAuth(c.accountSID, c.authToken)

		resp, doErr := c.client.Do(req)
		if doErr != nil {
			lastErr = doErr
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d for %s", resp.StatusCode, ext)
			continue
		}

		audio, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		return audio, "recording" + ext, nil
	}
	return nil, "", fmt.Errorf("download recording: all formats failed: %w", lastErr)
}
