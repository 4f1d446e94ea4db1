package playerws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latencyregulator/internal/logging"
)

// fakePlayer is a websocket player speaking the same protocol as a real one.
type fakePlayer struct {
	mu sync.Mutex

	buffered *float64
	position float64
	rate     float64
	label    string
	latency  *string

	// fail maps a command name to the result it should return instead of "Ok".
	fail map[string]string
	// delay holds every reply back this long.
	delay time.Duration
	// dropAfter closes the connection after that many requests (0 = never).
	dropAfter int

	requests []string
	origins  []string
	conns    int
}

func newFakePlayer() *fakePlayer {
	end := 110.0
	return &fakePlayer{
		buffered: &end,
		position: 105,
		rate:     1.0,
		label:    "Latence normale",
		fail:     map[string]string{},
	}
}

func (p *fakePlayer) serve(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		p.mu.Lock()
		p.conns++
		p.mu.Unlock()

		served := 0
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			reply, drop := p.handle(msg, &served)
			if drop {
				return
			}
			if p.delay > 0 {
				time.Sleep(p.delay)
			}
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (p *fakePlayer) handle(msg []byte, served *int) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	*served++
	if p.dropAfter > 0 && *served > p.dropAfter {
		return nil, true
	}

	var name string
	var arg json.RawMessage
	if err := json.Unmarshal(msg, &name); err != nil {
		var obj map[string]json.RawMessage
		_ = json.Unmarshal(msg, &obj)
		for k, v := range obj {
			name, arg = k, v
		}
	}
	p.requests = append(p.requests, name)

	var value any
	switch name {
	case "GetBuffered":
		value = p.buffered
	case "GetPosition":
		value = p.position
	case "SetPosition":
		_ = json.Unmarshal(arg, &p.position)
	case "GetPlaybackRate":
		value = p.rate
	case "SetPlaybackRate":
		var a setRateArg
		_ = json.Unmarshal(arg, &a)
		p.rate = a.Rate
		p.origins = append(p.origins, a.Origin)
		value = p.rate
	case "GetLatencyMode":
		value = p.label
	case "GetBroadcasterLatency":
		value = p.latency
	}

	result := resultOK
	if r, ok := p.fail[name]; ok {
		result = r
	}
	b, _ := json.Marshal(map[string]any{name: map[string]any{"result": result, "value": value}})
	return b, false
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), wsURL(srv), logging.Discard(), Options{
		ReadTimeout: time.Second,
		Attempts:    3,
		RetryDelay:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientReadsPlayerState(t *testing.T) {
	p := newFakePlayer()
	c := newTestClient(t, p.serve(t))
	ctx := context.Background()

	end, ok, err := c.BufferedEnd(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 110.0, end)

	pos, err := c.CurrentPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, 105.0, pos)

	rate, err := c.PlaybackRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)

	label, err := c.LatencyModeText(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Latence normale", label)
}

func TestClientCommands(t *testing.T) {
	p := newFakePlayer()
	c := newTestClient(t, p.serve(t))
	ctx := context.Background()

	require.NoError(t, c.SetPosition(ctx, 107.5))
	applied, err := c.SetPlaybackRate(ctx, 1.25)
	require.NoError(t, err)
	assert.Equal(t, 1.25, applied)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 107.5, p.position)
	assert.Equal(t, 1.25, p.rate)
	assert.Equal(t, []string{Origin}, p.origins)
}

func TestClientEmptyBufferAndMissingLatency(t *testing.T) {
	p := newFakePlayer()
	p.buffered = nil
	c := newTestClient(t, p.serve(t))
	ctx := context.Background()

	_, ok, err := c.BufferedEnd(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok = c.BroadcasterLatency(ctx)
	assert.False(t, ok)

	text := "2.1s"
	p.mu.Lock()
	p.latency = &text
	p.mu.Unlock()

	got, ok := c.BroadcasterLatency(ctx)
	assert.True(t, ok)
	assert.Equal(t, "2.1s", got)
}

func TestClientResultError(t *testing.T) {
	p := newFakePlayer()
	p.fail["SetPlaybackRate"] = "Error"
	c := newTestClient(t, p.serve(t))

	_, err := c.SetPlaybackRate(context.Background(), 1.5)
	var resErr *ResultError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "SetPlaybackRate", resErr.Command)
	assert.Equal(t, "Error", resErr.Result)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	p := newFakePlayer()
	p.dropAfter = 1
	c := newTestClient(t, p.serve(t))
	ctx := context.Background()

	_, err := c.CurrentPosition(ctx)
	require.NoError(t, err)

	// Second request on the same connection is dropped by the server.
	_, err = c.CurrentPosition(ctx)
	require.Error(t, err)

	// The next call dials again.
	pos, err := c.CurrentPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, 105.0, pos)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 2, p.conns)
}

func TestClientHonorsContextDeadline(t *testing.T) {
	p := newFakePlayer()
	p.delay = 300 * time.Millisecond
	c := newTestClient(t, p.serve(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.PlaybackRate(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(context.Background(), "http://localhost:1", logging.Discard(), Options{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewClient(ctx, "ws://127.0.0.1:1", logging.Discard(), Options{Attempts: 5, RetryDelay: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}
