// Package apiclient calls the support session REST API. The acting user is
// the holder of the bearer token; user and admin ids passed to its methods
// are only checked for presence.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"support-bridge/internal/errs"
	"support-bridge/internal/model"
)

// APIError is a non-2xx response. It unwraps to the matching sentinel in
// internal/errs when the server sent a known code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("api error: %s (HTTP %d)", e.Message, e.Status)
}

func (e *APIError) Unwrap() error {
	return errs.FromCode(e.Code)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

type sessionEnvelope struct {
	Session *model.SupportSession `json:"session"`
}

type listEnvelope struct {
	Sessions []model.SupportSession `json:"sessions"`
}

type sweepEnvelope struct {
	Closed int `json:"closed"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if eb.Code == "" && resp.StatusCode == http.StatusUnauthorized {
			eb.Code = "not_authenticated"
		}
		return &APIError{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) session(ctx context.Context, method, path string, body any) (model.SupportSession, error) {
	var env sessionEnvelope
	if err := c.do(ctx, method, path, body, &env); err != nil {
		return model.SupportSession{}, err
	}
	if env.Session == nil {
		return model.SupportSession{}, errs.ErrSessionNotFound
	}
	return *env.Session, nil
}

func sessionPath(id string, suffix string) string {
	return "/v1/support/sessions/" + url.PathEscape(id) + suffix
}

func requireID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("missing %s", kind)
	}
	return nil
}

// CreateSession returns the caller's open session, creating one if needed.
func (c *Client) CreateSession(ctx context.Context, userID string) (model.SupportSession, error) {
	if err := requireID("user id", userID); err != nil {
		return model.SupportSession{}, err
	}
	return c.session(ctx, http.MethodPost, "/v1/support/sessions", struct{}{})
}

// GetUserSession returns nil when the caller has no open session.
func (c *Client) GetUserSession(ctx context.Context, userID string) (*model.SupportSession, error) {
	if err := requireID("user id", userID); err != nil {
		return nil, err
	}
	var env sessionEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/support/sessions/mine", nil, &env); err != nil {
		return nil, err
	}
	return env.Session, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (model.SupportSession, error) {
	if err := requireID("session id", sessionID); err != nil {
		return model.SupportSession{}, err
	}
	return c.session(ctx, http.MethodGet, sessionPath(sessionID, ""), nil)
}

func (c *Client) ListSessions(ctx context.Context, status model.SessionStatus) ([]model.SupportSession, error) {
	path := "/v1/support/sessions"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var env listEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	return env.Sessions, nil
}

func (c *Client) JoinSession(ctx context.Context, sessionID, adminID string) (model.SupportSession, error) {
	if err := requireID("session id", sessionID); err != nil {
		return model.SupportSession{}, err
	}
	if adminID == "" {
		return model.SupportSession{}, errs.ErrNotAuthenticated
	}
	return c.session(ctx, http.MethodPost, sessionPath(sessionID, "/join"), struct{}{})
}

func (c *Client) CloseSession(ctx context.Context, sessionID, reason string) (model.SupportSession, error) {
	if err := requireID("session id", sessionID); err != nil {
		return model.SupportSession{}, err
	}
	return c.session(ctx, http.MethodPost, sessionPath(sessionID, "/close"), map[string]string{"reason": reason})
}

func (c *Client) RevertToWaiting(ctx context.Context, sessionID string) (model.SupportSession, error) {
	if err := requireID("session id", sessionID); err != nil {
		return model.SupportSession{}, err
	}
	return c.session(ctx, http.MethodPost, sessionPath(sessionID, "/revert"), struct{}{})
}

func (c *Client) UpdateDeviceInfo(ctx context.Context, sessionID string, info model.DeviceInfo) (model.SupportSession, error) {
	if err := requireID("session id", sessionID); err != nil {
		return model.SupportSession{}, err
	}
	return c.session(ctx, http.MethodPut, sessionPath(sessionID, "/device"), info)
}

func (c *Client) SweepStale(ctx context.Context) (int, error) {
	var env sweepEnvelope
	if err := c.do(ctx, http.MethodPost, "/v1/support/sweep", struct{}{}, &env); err != nil {
		return 0, err
	}
	return env.Closed, nil
}
