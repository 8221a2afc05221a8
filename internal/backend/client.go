// Package backend is the HTTP client for the agent/API service that owns
// handoff records. It exposes the two operations the offline engine needs,
// fetching a handoff snapshot and delivering an acknowledgment, plus the
// failure taxonomy the retry machinery depends on. The acknowledgment
// endpoint is idempotent server-side; replaying a delivery is safe.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds every request. A timeout is a transient failure.
const DefaultTimeout = 10 * time.Second

const maxAudioSize = 25 << 20 // 25MB

// RequestError is a failed backend call. StatusCode is 0 for transport
// errors (timeout, connection refused), which are always transient; an HTTP
// status is transient for 5xx and permanent for 4xx.
type RequestError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *RequestError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Transient()
}

// IsPermanent reports whether err is a backend rejection that retrying
// cannot fix (4xx).
func IsPermanent(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && !re.Transient()
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

// VoiceNote is the voice-note metadata embedded in a handoff payload.
// Transcript is always present; AudioURL points at the binary audio.
type VoiceNote struct {
	ID         string `json:"id"`
	Transcript string `json:"transcript"`
	AudioURL   string `json:"audio_url"`
}

// Handoff is a fetched handoff record: the raw snapshot plus the voice-note
// metadata picked out of it for media caching.
type Handoff struct {
	ID         string
	Payload    json.RawMessage
	VoiceNotes []VoiceNote
}

// Client talks to the backend with a fixed per-request timeout.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client. A timeout <= 0 falls back to DefaultTimeout.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// HealthURL returns the endpoint the connectivity prober polls.
func (c *Client) HealthURL() string {
	return c.baseURL + "/healthz"
}

// FetchHandoff retrieves the full handoff snapshot.
func (c *Client) FetchHandoff(ctx context.Context, id string) (*Handoff, error) {
	const op = "fetching handoff"

	body, err := c.do(ctx, op, http.MethodGet, c.baseURL+"/handoffs/"+id, nil)
	if err != nil {
		return nil, err
	}

	var meta struct {
		VoiceNotes []VoiceNote `json:"voice_notes"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("%s: decoding payload: %w", op, err)
	}
	return &Handoff{ID: id, Payload: body, VoiceNotes: meta.VoiceNotes}, nil
}

// SendAcknowledgment delivers an acknowledgment for a handoff. The server
// records it idempotently, so redelivery after an ambiguous failure is safe.
func (c *Client) SendAcknowledgment(ctx context.Context, handoffID string, payload json.RawMessage) error {
	const op = "sending acknowledgment"

	body, err := json.Marshal(map[string]json.RawMessage{
		"handoffId": json.RawMessage(fmt.Sprintf("%q", handoffID)),
		"payload":   payload,
	})
	if err != nil {
		return fmt.Errorf("%s: encoding body: %w", op, err)
	}
	_, err = c.do(ctx, op, http.MethodPost, c.baseURL+"/handoffs/"+handoffID+"/ack", body)
	return err
}

// FetchAudio downloads voice-note audio bytes. Payloads may carry the audio
// URL relative to the API root. Best effort: callers treat any failure as
// "audio not cached" and fall back to the transcript.
func (c *Client) FetchAudio(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "/") {
		url = c.baseURL + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching audio: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Op: "fetching audio", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{Op: "fetching audio", StatusCode: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAudioSize))
}

func (c *Client) do(ctx context.Context, op, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.authorize(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	return respBody, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// errorMessage pulls the message out of the backend's error envelope,
// falling back to the raw body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
