// Package client talks to a running streamdesk daemon: it keeps a websocket
// open for stream events and submits or cancels requests over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/streamdesk/internal/shared"
	"github.com/basket/streamdesk/internal/stream"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

var (
	// ErrNoConnection means the daemon has no websocket for this user.
	ErrNoConnection = errors.New("no websocket connection")
	// ErrNotFound covers unknown prompts and cancels of inactive requests.
	ErrNotFound = errors.New("not found")
	// ErrNotConnected is returned when an operation needs the websocket.
	ErrNotConnected = errors.New("client not connected")
)

// APIError is a non-2xx reply from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusConflict:
		return ErrNoConnection
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

type Options struct {
	BaseURL    string // e.g. http://127.0.0.1:18080
	UserID     string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// State reports a websocket transition.
type State struct {
	Connected bool
	Err       error
}

type Client struct {
	base       *url.URL
	user       string
	apiKey     string
	http       *http.Client
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	events chan stream.Event
	states chan State

	mu   sync.RWMutex
	conn *websocket.Conn
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", opts.BaseURL)
	}
	c := &Client{
		base:       base,
		user:       opts.UserID,
		apiKey:     opts.APIKey,
		http:       opts.HTTPClient,
		logger:     opts.Logger,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		events:     make(chan stream.Event, 256),
		states:     make(chan State, 16),
	}
	if c.user == "" {
		c.user = shared.DefaultUserID
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.minBackoff <= 0 {
		c.minBackoff = DefaultMinBackoff
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = max(DefaultMaxBackoff, c.minBackoff)
	}
	return c, nil
}

// Events delivers stream frames in arrival order. It closes when Run returns.
func (c *Client) Events() <-chan stream.Event { return c.events }

// States reports connects and disconnects. Slow readers miss transitions.
func (c *Client) States() <-chan State { return c.states }

func (c *Client) UserID() string { return c.user }

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Run keeps the websocket open until ctx is done, reconnecting with
// exponential backoff after every drop.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	backoff := c.minBackoff
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.minBackoff
		}
		c.publishState(State{Connected: false, Err: err})
		c.logger.Warn("websocket disconnected; retrying", "error", err, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = NextBackoff(backoff, c.maxBackoff)
	}
}

// NextBackoff doubles d up to limit.
func NextBackoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

func (c *Client) session(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.wsURL(), &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: c.headers(),
	})
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.CloseNow()
	}()

	c.publishState(State{Connected: true})
	c.logger.Info("websocket connected", "user_id", c.user)

	for {
		var ev stream.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return true, err
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (c *Client) publishState(s State) {
	select {
	case c.states <- s:
	default:
	}
}

// WaitConnected blocks until the websocket is up or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !c.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

type processReply struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// Submit starts a generation and returns its request id. Events for it
// arrive on Events.
func (c *Client) Submit(ctx context.Context, text string, button, role int) (string, error) {
	var out processReply
	body := map[string]any{"text": text, "buttonNumber": button, "roleNumber": role}
	if err := c.do(ctx, http.MethodPost, "/api/process", body, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// Cancel asks the daemon to stop requestID, over the websocket when it is
// open and over HTTP otherwise.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		err := wsjson.Write(ctx, conn, map[string]string{"type": "cancel", "requestId": requestID})
		if err == nil {
			return nil
		}
		c.logger.Debug("websocket cancel failed; falling back to http", "error", err)
	}
	return c.CancelHTTP(ctx, requestID)
}

// CancelHTTP posts to /api/cancel. A request that is no longer active
// yields ErrNotFound.
func (c *Client) CancelHTTP(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/api/cancel", map[string]string{"requestId": requestID}, nil)
}

type Health struct {
	Status         string `json:"status"`
	Connections    int    `json:"connections"`
	ActiveRequests int    `json:"active_requests"`
	InFlight       int    `json:"in_flight"`
	PromptsVersion string `json:"prompts_version"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &h)
	return h, err
}

type CatalogEntry struct {
	Number int    `json:"number"`
	ID     string `json:"id"`
	Name   string `json:"name"`
}

type Catalog struct {
	Version string         `json:"version"`
	Buttons []CatalogEntry `json:"buttons"`
	Roles   []CatalogEntry `json:"roles"`
}

func (c *Client) Prompts(ctx context.Context) (Catalog, error) {
	var cat Catalog
	err := c.do(ctx, http.MethodGet, "/api/prompts", nil, &cat)
	return cat, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	for k, vs := range c.headers() {
		req.Header[k] = vs
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("X-User-ID", c.user)
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

func (c *Client) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(c.user)
	return u.String()
}
