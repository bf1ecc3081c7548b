// Package postgrest talks to a Supabase project over HTTP: PostgREST for
// tables and RPC, GoTrue for auth, the storage API, and the realtime
// websocket.
package postgrest

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

	"go.uber.org/zap"
)

// ErrMissingURL and ErrMissingKey are returned by New for incomplete config.
var (
	ErrMissingURL = errors.New("project url is required")
	ErrMissingKey = errors.New("api key is required")
)

type Config struct {
	URL     string
	APIKey  string // anon or service-role key
	Schema  string // defaults to "public"
	Timeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client is safe for concurrent use. It holds no per-user state; a user
// access token travels on the request context (see WithAccessToken).
type Client struct {
	cfg         Config
	http        *http.Client
	logger      *zap.Logger
	restURL     string
	authURL     string
	storageURL  string
	realtimeURL string
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingKey
	}
	base := strings.TrimRight(cfg.URL, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid project url: %w", err)
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	ws := base
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}

	return &Client{
		cfg:         cfg,
		http:        hc,
		logger:      logger,
		restURL:     base + "/rest/v1",
		authURL:     base + "/auth/v1",
		storageURL:  base + "/storage/v1",
		realtimeURL: ws + "/realtime/v1/websocket",
	}, nil
}

type tokenKey struct{}

// WithAccessToken returns a context whose requests are authorised as the
// user owning token instead of with the bare API key.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// AccessToken returns the token set by WithAccessToken, if any.
func AccessToken(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tokenKey{}).(string)
	return t, ok && t != ""
}

// Error is the error body returned by PostgREST, GoTrue and storage,
// normalised to a single shape.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase %d: %s", e.Status, e.Message)
}

func parseError(body []byte, status int) error {
	var raw struct {
		Code             json.RawMessage `json:"code"`
		Message          string          `json:"message"`
		Msg              string          `json:"msg"`
		Details          json.RawMessage `json:"details"`
		Hint             string          `json:"hint"`
		Error            string          `json:"error"`
		ErrorDescription string          `json:"error_description"`
		StatusCode       string          `json:"statusCode"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &Error{Code: fmt.Sprintf("http_%d", status), Message: msg, Status: status}
	}

	e := &Error{Hint: raw.Hint, Status: status}
	// GoTrue sends numeric codes, PostgREST sends strings.
	e.Code = strings.Trim(string(raw.Code), `"`)
	if e.Code == "" || e.Code == "null" {
		e.Code = raw.Error
	}
	if e.Code == "" {
		e.Code = fmt.Sprintf("http_%d", status)
	}
	for _, m := range []string{raw.Message, raw.Msg, raw.ErrorDescription, raw.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if len(raw.Details) > 0 && string(raw.Details) != "null" {
		var s string
		if json.Unmarshal(raw.Details, &s) == nil {
			e.Details = s
		} else {
			e.Details = string(raw.Details)
		}
	}
	return e
}

type request struct {
	method  string
	url     string
	body    io.Reader
	headers map[string]string
	// bearer overrides both the context token and the API key.
	bearer string
}

type response struct {
	body   []byte
	status int
	header http.Header
}

func (c *Client) do(ctx context.Context, r request) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, r.body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	bearer := c.cfg.APIKey
	if tok, ok := AccessToken(ctx); ok {
		bearer = tok
	}
	if r.bearer != "" {
		bearer = r.bearer
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Debug("supabase request failed",
			zap.String("method", r.method),
			zap.String("url", r.url),
			zap.Int("status", resp.StatusCode),
		)
		return nil, parseError(body, resp.StatusCode)
	}

	return &response{body: body, status: resp.StatusCode, header: resp.Header}, nil
}

// doJSON marshals in (when non-nil), performs the request and decodes the
// response into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, u string, in, out any, headers map[string]string) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	resp, err := c.do(ctx, request{method: method, url: u, body: body, headers: headers})
	if err != nil {
		return err
	}
	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
