package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latencyregulator/internal/regulator"
)

func readFrame(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestServerSendsWindowThenSamples(t *testing.T) {
	logger := discardLogger()
	window := NewWindow(10)
	window.Publish(sampleWith(5.5))
	window.Publish(sampleWith(5.2))

	srv := NewServer(logger, window, HubConfig{})
	stream := NewStream(8, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx)
	go RunBroadcaster(ctx, srv.Hub(), stream.C(), logger)

	mux := http.NewServeMux()
	srv.Register(mux, "/ws")
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	env := readFrame(t, conn)
	require.Equal(t, FrameInit, env.Type)
	require.NotNil(t, env.Ts)
	var initData InitData
	require.NoError(t, json.Unmarshal(env.Data, &initData))
	assert.Equal(t, 10, initData.WindowSize)
	require.Len(t, initData.Samples, 2)
	assert.Equal(t, 5.5, initData.Samples[0].BufferMemory)

	require.Eventually(t, func() bool { return srv.Hub().Subscribers() == 1 },
		time.Second, 5*time.Millisecond)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stream.Publish(regulator.Sample{
		SessionID:    "abc",
		At:           at,
		State:        regulator.PhaseDeadZone,
		BufferMemory: 4.8,
		AppliedRate:  1.0,
	})

	env = readFrame(t, conn)
	require.Equal(t, FrameSample, env.Type)
	assert.True(t, at.Equal(*env.Ts))
	var got regulator.Sample
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "abc", got.SessionID)
	assert.Equal(t, regulator.PhaseDeadZone, got.State)
	assert.Equal(t, 4.8, got.BufferMemory)
}

func TestRunBroadcasterStopsWhenSourceCloses(t *testing.T) {
	hub := NewHub(discardLogger(), HubConfig{})
	src := make(chan regulator.Sample)
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(context.Background(), hub, src, discardLogger())
	}()

	close(src)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcaster did not stop")
	}
}
