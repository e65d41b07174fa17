// Package client is the typed HTTP client for the pipeline session API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pipewatch/pipewatch/internal/session"
)

const requestTimeout = 10 * time.Second

// Client communicates with a pipewatch-compatible session backend over
// HTTP. All calls are bearer-authenticated and JSON-encoded.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client targeting the given base URL. The token is sent
// as a bearer credential on every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// APIError is a backend-reported error decoded from the standard
// {"error": {"type", "message"}} envelope.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// CreateSession starts a new pipeline session for the feature. The
// params payload is forwarded to the backend as the request body.
func (c *Client) CreateSession(ctx context.Context, feature string, params json.RawMessage) (session.Session, error) {
	var sess session.Session
	err := c.do(ctx, http.MethodPost, c.sessionsPath(feature), params, &sess)
	if err != nil {
		return session.Session{}, fmt.Errorf("creating %s session: %w", feature, err)
	}
	return sess, nil
}

// ListSessions returns all sessions for the feature, newest first.
func (c *Client) ListSessions(ctx context.Context, feature string) ([]session.Session, error) {
	var sessions []session.Session
	if err := c.do(ctx, http.MethodGet, c.sessionsPath(feature), nil, &sessions); err != nil {
		return nil, fmt.Errorf("listing %s sessions: %w", feature, err)
	}
	return sessions, nil
}

// GetSession fetches the full session record, result payload included.
func (c *Client) GetSession(ctx context.Context, feature, id string) (session.Session, error) {
	var sess session.Session
	if err := c.do(ctx, http.MethodGet, c.sessionPath(feature, id), nil, &sess); err != nil {
		return session.Session{}, fmt.Errorf("fetching session %s: %w", id, err)
	}
	return sess, nil
}

// GetStatus fetches the lightweight status snapshot for a session.
func (c *Client) GetStatus(ctx context.Context, feature, id string) (session.StatusSnapshot, error) {
	var snap session.StatusSnapshot
	if err := c.do(ctx, http.MethodGet, c.sessionPath(feature, id)+"/status", nil, &snap); err != nil {
		return session.StatusSnapshot{}, fmt.Errorf("fetching status for %s: %w", id, err)
	}
	return snap, nil
}

// DeleteSession deletes a session. Deleting an absent session is
// treated as success, matching the backend's idempotent-delete
// convention.
func (c *Client) DeleteSession(ctx context.Context, feature, id string) error {
	err := c.do(ctx, http.MethodDelete, c.sessionPath(feature, id), nil, nil)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// RetrySession re-invokes the pipeline for a failed session and returns
// the reset record.
func (c *Client) RetrySession(ctx context.Context, feature, id string) (session.Session, error) {
	var sess session.Session
	if err := c.do(ctx, http.MethodPost, c.sessionPath(feature, id)+"/retry", nil, &sess); err != nil {
		return session.Session{}, fmt.Errorf("retrying session %s: %w", id, err)
	}
	return sess, nil
}

func (c *Client) sessionsPath(feature string) string {
	return "/api/" + feature + "/sessions"
}

func (c *Client) sessionPath(feature, id string) string {
	return c.sessionsPath(feature) + "/" + id
}

func (c *Client) do(ctx context.Context, method, path string, body json.RawMessage, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return apiErr
	}

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Type = envelope.Error.Type
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
