// Package client talks to a turnstile HTTP API and keeps a session alive
// from the device side.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aadithya-v/turnstile"
	"github.com/aadithya-v/turnstile/httpapi"
)

// ErrUnexpectedStatus is returned for responses the API never sends.
var ErrUnexpectedStatus = errors.New("client: unexpected response status")

// Client calls the session API on behalf of one identity.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the API at baseURL that authenticates with the
// bearer token. A nil httpClient uses a client with a 10 second timeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Create asks for a new session. A device_limit_exceeded response is not an
// error; inspect Status and CurrentSessions.
func (c *Client) Create(ctx context.Context) (*httpapi.CreateResponse, error) {
	var out httpapi.CreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/sessions/create", "", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForceCreate evicts victimID and creates a session in its place.
// Returns turnstile.ErrVictimNotActive when the victim is already gone.
func (c *Client) ForceCreate(ctx context.Context, victimID string) (*httpapi.CreateResponse, error) {
	var out httpapi.CreateResponse
	err := c.do(ctx, http.MethodPost, "/api/sessions/force-create", "",
		httpapi.ForceCreateRequest{SessionID: victimID}, http.StatusOK, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the identity's active sessions; currentSessionID is marked.
func (c *Client) List(ctx context.Context, currentSessionID string) ([]httpapi.SessionView, error) {
	var out []httpapi.SessionView
	if err := c.do(ctx, http.MethodGet, "/api/sessions", currentSessionID, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Terminate signs out one of the identity's sessions.
func (c *Client) Terminate(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), "", nil, http.StatusNoContent, nil)
}

// Heartbeat keeps sessionID alive. It returns turnstile.ErrNotActive or
// turnstile.ErrSessionNotFound when the session is gone.
func (c *Client) Heartbeat(ctx context.Context, sessionID string) error {
	var out httpapi.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/heartbeat", sessionID, nil, http.StatusOK, &out)
	if err != nil {
		return err
	}
	if !out.OK {
		return turnstile.ErrNotActive
	}
	return nil
}

// IsValid asks whether sessionID is still active.
func (c *Client) IsValid(ctx context.Context, sessionID string) (turnstile.Validity, error) {
	var out turnstile.Validity
	path := "/api/session/validate?session_id=" + url.QueryEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, sessionID, nil, http.StatusOK, &out); err != nil {
		return turnstile.Validity{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, sessionID string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(httpapi.SessionHeader, sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: failed to decode response: %w", err)
	}
	return nil
}

// statusError maps API error responses back to the turnstile sentinels.
func statusError(resp *http.Response) error {
	var apiErr httpapi.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr)

	switch {
	case resp.StatusCode == http.StatusConflict && apiErr.Error == "victim_not_active":
		return turnstile.ErrVictimNotActive
	case resp.StatusCode == http.StatusNotFound:
		return turnstile.ErrSessionNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", httpapi.ErrInvalidToken, apiErr.Message)
	}
	return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, apiErr.Message)
}
