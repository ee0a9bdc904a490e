// package api implements the request layer for the YTMDesktop v2 Companion
// Server HTTP surface.
//
// Every operation enforces a finite timeout and maps failures into the small
// taxonomy in [shared]: ErrAuthorization (401/403), ErrRateLimited (429),
// ErrRequestFailed (any other non-success status) and ErrTransport (dial,
// DNS, reset, timeout). Callers branch with errors.Is.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ytmd-tools/ytmdctl/internal/models"
	"github.com/ytmd-tools/ytmdctl/internal/shared"
	"golang.org/x/time/rate"
)

const apiBase = "/api/v1"

const (
	// defaultTimeout bounds ordinary calls. The token exchange blocks
	// server-side on human approval and gets a longer budget.
	defaultTimeout  = 10 * time.Second
	exchangeTimeout = 30 * time.Second

	// commandsPerSecond throttles the command endpoint client-side so a
	// burst of consumer commands cannot trip the server's 429 limiter.
	commandsPerSecond = 5
)

// Client issues authenticated requests to a single Companion Server. All
// methods are safe for concurrent use. The zero value is not usable; construct
// with NewClient.
type Client struct {
	host    string
	port    int
	token   string
	baseURL string

	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	closeOnce  sync.Once
}

// NewClient creates a client for the server at host:port. The token may be
// empty: pairing endpoints require none, and a client built before pairing is
// still usable for everything that does not need authorization. A nil
// httpClient gets a private client whose connection pool the returned Client
// owns and closes.
func NewClient(host string, port int, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		host:       host,
		port:       port,
		token:      token,
		baseURL:    fmt.Sprintf("http://%s:%d%s", host, port, apiBase),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(commandsPerSecond), 1),
		timeout:    defaultTimeout,
	}
}

// BaseURL returns the HTTP API root, e.g. http://localhost:9863/api/v1.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RealtimeURL returns the websocket endpoint for the realtime push channel.
func (c *Client) RealtimeURL() string {
	return fmt.Sprintf("ws://%s:%d%s/realtime", c.host, c.port, apiBase)
}

// Token returns the credential supplied at construction (may be empty).
func (c *Client) Token() string {
	return c.token
}

// Close releases the underlying connection pool. Safe to call multiple times;
// only the first call has any effect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.httpClient.CloseIdleConnections()
	})
}

// State fetches the current state snapshot via GET /state. It does not cache
// anything; owning the authoritative snapshot is the session manager's job.
func (c *Client) State(ctx context.Context) (models.Snapshot, error) {
	var snap models.Snapshot
	if err := c.do(ctx, http.MethodGet, "/state", nil, c.timeout, &snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// CommandResult is the acknowledgement document returned by the command
// endpoint. A 204 or empty body is reported as an empty (non-nil) result.
type CommandResult map[string]any

// Command posts a named command via POST /command. Commands are fire and
// forget: there is no internal retry and any failure surfaces immediately.
func (c *Client) Command(ctx context.Context, name string, data any) (CommandResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrTransport, err)
	}

	body := map[string]any{"command": name}
	if data != nil {
		body["data"] = data
	}

	result := CommandResult{}
	if err := c.do(ctx, http.MethodPost, "/command", body, c.timeout, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CodeResponse carries the short numeric pairing code.
type CodeResponse struct {
	Code string `json:"code"`
}

// RequestCode asks the server for a numeric authorization code via
// POST /auth/requestcode. The code must then be approved by a human on the
// server side before it can be exchanged for a token.
func (c *Client) RequestCode(ctx context.Context, appName, appVersion, appID string) (*CodeResponse, error) {
	body := map[string]any{
		"appId":      appID,
		"appName":    appName,
		"appVersion": appVersion,
	}

	var resp CodeResponse
	if err := c.do(ctx, http.MethodPost, "/auth/requestcode", body, c.timeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TokenResponse carries the permanent credential issued once a pairing code
// has been approved.
type TokenResponse struct {
	Token string `json:"token"`
}

// RequestToken exchanges an approved numeric code for a permanent token via
// POST /auth/request. Until the code is approved the server answers with a
// non-success status; callers polling for approval treat those as transient.
func (c *Client) RequestToken(ctx context.Context, code, appID string) (*TokenResponse, error) {
	body := map[string]any{
		"appId": appID,
		"code":  code,
	}

	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/request", body, exchangeTimeout, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one request with a bounded timeout, maps failures into the
// error taxonomy, and decodes a JSON body into out when one is present.
func (c *Client) do(ctx context.Context, method, path string, body any, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.baseURL + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", shared.ErrTransport, url, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, url); err != nil {
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", shared.ErrTransport, url, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s returned malformed JSON: %v", shared.ErrRequestFailed, url, err)
	}
	return nil
}

// statusError maps a non-success HTTP status into the error taxonomy.
func statusError(status int, url string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned status %d, check token", shared.ErrAuthorization, url, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned status %d", shared.ErrRateLimited, url, status)
	case status >= 400:
		return fmt.Errorf("%w: %s returned status %d", shared.ErrRequestFailed, url, status)
	}
	return nil
}
