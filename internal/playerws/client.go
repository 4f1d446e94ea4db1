// Package playerws drives a remote player over a JSON websocket protocol.
//
// Requests are either a bare command name ("GetPosition") or a single-key object
// carrying the argument ({"SetPosition": 12.5}). Every reply is a single-key object
// named after the command:
//
//	{"GetPosition": {"result": "Ok", "value": 12.5}}
//
// A result other than "Ok" is an error. GetBuffered replies with a null value while
// nothing is buffered; GetBroadcasterLatency replies null when the host has no figure.
package playerws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Origin tags rate changes so the player can tell them apart from user changes.
const Origin = "regulator"

const resultOK = "Ok"

// ErrNotConnected is returned when no connection is available.
var ErrNotConnected = errors.New("no websocket connection")

// ResultError is a command the player answered with a non-Ok result.
type ResultError struct {
	Command string
	Result  string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: player returned %q", e.Command, e.Result)
}

// Options configures a Client.
type Options struct {
	// ReadTimeout bounds each request/response round trip. Defaults to 500ms.
	ReadTimeout time.Duration
	// Attempts is the number of dial attempts per (re)connect. Defaults to 10.
	Attempts int
	// RetryDelay is the pause between dial attempts. Defaults to 500ms.
	RetryDelay time.Duration
}

// Client is a regulator.MediaPort, regulator.LatencyReporter and
// modesignal.TextReader backed by a websocket connection to the player.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	url    string
	logger *slog.Logger

	readTimeout time.Duration
	attempts    int
	retryDelay  time.Duration
}

// NewClient creates a Client and establishes the initial connection.
func NewClient(ctx context.Context, wsURL string, logger *slog.Logger, opts Options) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket URL %q: scheme must be ws or wss", wsURL)
	}

	c := &Client{
		url:         u.String(),
		logger:      logger,
		readTimeout: opts.ReadTimeout,
		attempts:    opts.Attempts,
		retryDelay:  opts.RetryDelay,
	}
	if c.readTimeout <= 0 {
		c.readTimeout = 500 * time.Millisecond
	}
	if c.attempts <= 0 {
		c.attempts = 10
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 500 * time.Millisecond
	}

	if err := c.connectWithRetry(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect establishes a websocket connection to the player
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	d := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := d.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.conn = conn
	return nil
}

// connectWithRetry attempts to connect a fixed number of times, giving up early if
// ctx is canceled.
func (c *Client) connectWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		err := c.connect(ctx)
		if err == nil {
			c.logger.Info("connected to player", "url", c.url)
			return nil
		}
		lastErr = err
		c.logger.Warn("player connection failed; retrying...", "error", err, "attempt", attempt+1)

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to player: %w", ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", c.attempts, lastErr)
}

// ensureConnected checks connection and reconnects if necessary
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Warn("player connection lost; reconnecting...")
	return c.connectWithRetry(ctx)
}

// sendAndRead sends a request and waits for the reply. The read deadline is the
// earlier of ctx's deadline and the client's read timeout.
func (c *Client) sendAndRead(ctx context.Context, v any) ([]byte, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	deadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)
	defer func() {
		if c.conn != nil {
			c.conn.SetWriteDeadline(time.Time{})
			c.conn.SetReadDeadline(time.Time{})
		}
	}()

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.dropLocked()
		return nil, err
	}

	_, message, err := c.conn.ReadMessage()
	if err != nil {
		c.dropLocked()
		return nil, err
	}
	return message, nil
}

// dropLocked marks the connection as broken. Caller holds mu.
func (c *Client) dropLocked() {
	c.conn.Close()
	c.conn = nil
}

// call runs command and decodes its reply value into out (which may be nil).
func (c *Client) call(ctx context.Context, command string, arg any, out any) error {
	var req any = command
	if arg != nil {
		req = map[string]any{command: arg}
	}

	response, err := c.sendAndRead(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}

	var envelope map[string]struct {
		Result string          `json:"result"`
		Value  json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(response, &envelope); err != nil {
		return fmt.Errorf("%s: parse response: %w", command, err)
	}
	reply, ok := envelope[command]
	if !ok {
		return fmt.Errorf("%s: unexpected response %s", command, response)
	}
	if reply.Result != resultOK {
		return &ResultError{Command: command, Result: reply.Result}
	}

	c.logger.Debug(command, "value", string(reply.Value))

	if out == nil || len(reply.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Value, out); err != nil {
		return fmt.Errorf("%s: parse value: %w", command, err)
	}
	return nil
}

// Close closes the websocket connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

// BufferedEnd returns the end of the last buffered range. ok is false while nothing
// is buffered.
func (c *Client) BufferedEnd(ctx context.Context) (float64, bool, error) {
	var end *float64
	if err := c.call(ctx, "GetBuffered", nil, &end); err != nil {
		return 0, false, err
	}
	if end == nil {
		return 0, false, nil
	}
	return *end, true, nil
}

func (c *Client) CurrentPosition(ctx context.Context) (float64, error) {
	var pos float64
	err := c.call(ctx, "GetPosition", nil, &pos)
	return pos, err
}

func (c *Client) SetPosition(ctx context.Context, s float64) error {
	return c.call(ctx, "SetPosition", s, nil)
}

func (c *Client) PlaybackRate(ctx context.Context) (float64, error) {
	var rate float64
	err := c.call(ctx, "GetPlaybackRate", nil, &rate)
	return rate, err
}

type setRateArg struct {
	Rate   float64 `json:"rate"`
	Origin string  `json:"origin"`
}

// SetPlaybackRate sets the rate, tagged with Origin, and returns the rate the player
// reports back. A reply without a value is taken to mean r was applied.
func (c *Client) SetPlaybackRate(ctx context.Context, r float64) (float64, error) {
	var applied *float64
	if err := c.call(ctx, "SetPlaybackRate", setRateArg{Rate: r, Origin: Origin}, &applied); err != nil {
		return 0, err
	}
	if applied == nil {
		return r, nil
	}
	return *applied, nil
}

// LatencyModeText returns the player's latency mode label.
func (c *Client) LatencyModeText(ctx context.Context) (string, error) {
	var label string
	err := c.call(ctx, "GetLatencyMode", nil, &label)
	return label, err
}

// BroadcasterLatency returns the host-reported latency text, if any.
func (c *Client) BroadcasterLatency(ctx context.Context) (string, bool) {
	var text *string
	if err := c.call(ctx, "GetBroadcasterLatency", nil, &text); err != nil {
		c.logger.Debug("broadcaster latency unavailable", "error", err)
		return "", false
	}
	if text == nil || *text == "" {
		return "", false
	}
	return *text, true
}
