package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latencyregulator/internal/logging"
	"latencyregulator/internal/regulator"
	"latencyregulator/internal/sim"
)

func TestMediaWatchReportsStreakOnce(t *testing.T) {
	w := newMediaWatch(2)

	w.TickSkipped("a", regulator.SkipBufferedEmpty)
	w.TickSkipped("a", regulator.SkipBufferedError)
	w.Publish(regulator.Sample{SessionID: "a"})
	w.TickSkipped("a", regulator.SkipBufferedError)
	assert.Empty(t, w.Lost())

	w.TickSkipped("a", regulator.SkipBufferedError)
	w.TickSkipped("a", regulator.SkipBufferedError)
	require.Len(t, w.Lost(), 1)
	assert.Equal(t, "a", <-w.Lost())

	w.SessionClosed("a")
	w.TickSkipped("a", regulator.SkipBufferedError)
	assert.Empty(t, w.Lost())
}

func TestSuperviseReplacesLostSession(t *testing.T) {
	logger := logging.Discard()
	player := sim.New(sim.Options{InitialBuffer: 5})
	watch := newMediaWatch(3)

	ctrl := regulator.New(regulator.Options{Sink: watch, Logger: logger})
	t.Cleanup(ctrl.Close)
	interval := 5
	_, err := ctrl.OnConfigEdited(regulator.ModeNormal, regulator.ConfigPatch{SampleIntervalMS: &interval})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		superviseSession(ctx, ctrl, player, watch, logger)
	}()

	var first string
	require.Eventually(t, func() bool {
		sessions := ctrl.Sessions()
		if len(sessions) != 1 {
			return false
		}
		first = sessions[0].SessionID
		return true
	}, 2*time.Second, 10*time.Millisecond, "never attached")

	// The media element goes away: the session is dropped while the player has none.
	player.SetFailure(errors.New("media element removed"))
	require.Eventually(t, func() bool { return len(ctrl.Sessions()) == 0 },
		2*time.Second, 10*time.Millisecond, "lost session not detached")

	// A new source shows up and gets a fresh session.
	player.SetFailure(nil)
	require.Eventually(t, func() bool {
		sessions := ctrl.Sessions()
		return len(sessions) == 1 && sessions[0].SessionID != first
	}, 3*time.Second, 20*time.Millisecond, "new source not attached")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
