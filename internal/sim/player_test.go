package sim_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latencyregulator/internal/logging"
	"latencyregulator/internal/modesignal"
	"latencyregulator/internal/regulator"
	"latencyregulator/internal/sim"
)

const tickStep = 500 * time.Millisecond

func TestAdvanceDriftsBuffer(t *testing.T) {
	p := sim.New(sim.Options{InitialBuffer: 3})
	ctx := context.Background()

	p.Advance(time.Second)
	assert.InDelta(t, 3.0, p.BufferMemory(), 1e-9)

	_, err := p.SetPlaybackRate(ctx, 1.5)
	require.NoError(t, err)
	p.Advance(2 * time.Second)
	assert.InDelta(t, 2.0, p.BufferMemory(), 1e-9)

	// Playback cannot overtake the live edge.
	_, err = p.SetPlaybackRate(ctx, 3)
	require.NoError(t, err)
	p.Advance(10 * time.Second)
	assert.InDelta(t, 0.0, p.BufferMemory(), 1e-9)
}

func TestSeekClampedToLiveEdge(t *testing.T) {
	p := sim.New(sim.Options{InitialBuffer: 4})
	ctx := context.Background()

	require.NoError(t, p.SetPosition(ctx, 100))
	end, ok, err := p.BufferedEnd(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	pos, err := p.CurrentPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, end, pos)
}

func TestInjectedConditions(t *testing.T) {
	p := sim.New(sim.Options{InitialBuffer: 4})
	ctx := context.Background()

	p.SetEmpty(true)
	_, ok, err := p.BufferedEnd(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	p.SetEmpty(false)

	p.SetFailure(sim.ErrFailure)
	_, _, err = p.BufferedEnd(ctx)
	assert.ErrorIs(t, err, sim.ErrFailure)
	_, err = p.SetPlaybackRate(ctx, 1.2)
	assert.ErrorIs(t, err, sim.ErrFailure)
	p.SetFailure(nil)

	p.AddBuffered(6)
	assert.InDelta(t, 10.0, p.BufferMemory(), 1e-9)
}

func TestOnlyExternalRateChangesNotify(t *testing.T) {
	p := sim.New(sim.Options{})
	var seen []float64
	p.OnExternalRateChange(func(r float64) { seen = append(seen, r) })

	_, err := p.SetPlaybackRate(context.Background(), 1.4)
	require.NoError(t, err)
	p.SetExternalRate(0.5)

	assert.Equal(t, []float64{0.5}, seen)
	rate, err := p.PlaybackRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, rate)
}

func TestRunAdvancesWithWallTime(t *testing.T) {
	p := sim.New(sim.Options{InitialBuffer: 2})
	_, err := p.SetPlaybackRate(context.Background(), 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx, 10*time.Millisecond), context.DeadlineExceeded)

	assert.Less(t, p.BufferMemory(), 2.0)
}

// attachManual attaches p with a scheduler interval long enough that the test drives
// every tick itself.
func attachManual(t *testing.T, p *sim.Player, modes regulator.ModeSignal) (*regulator.Controller, *regulator.Session) {
	t.Helper()
	c := regulator.New(regulator.Options{Modes: modes, Logger: logging.Discard()})
	hour := int(time.Hour / time.Millisecond)
	for _, m := range regulator.Modes() {
		_, err := c.OnConfigEdited(m, regulator.ConfigPatch{SampleIntervalMS: &hour})
		require.NoError(t, err)
	}
	s, err := c.Attach(context.Background(), p)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, s
}

func drive(t *testing.T, p *sim.Player, s *regulator.Session, ticks int) {
	t.Helper()
	for i := 0; i < ticks; i++ {
		p.Advance(tickStep)
		require.NoError(t, s.Tick(context.Background()))
	}
}

func TestConvergesIntoDeadZone(t *testing.T) {
	p := sim.New(sim.Options{InitialBuffer: 8})
	_, s := attachManual(t, p, nil)

	drive(t, p, s, 40)

	cfg := s.State().Config
	lo, hi := cfg.DeadZoneBounds()
	assert.GreaterOrEqual(t, p.BufferMemory(), lo)
	assert.LessOrEqual(t, p.BufferMemory(), hi)
	assert.Equal(t, regulator.PhaseDeadZone, s.State().Phase())

	rate, err := p.PlaybackRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
}

func TestRecoversFromSpike(t *testing.T) {
	p := sim.New(sim.Options{InitialBuffer: 5})
	_, s := attachManual(t, p, nil)
	drive(t, p, s, 4)

	p.AddBuffered(12)
	p.Advance(tickStep)
	require.NoError(t, s.Tick(context.Background()))
	require.Equal(t, regulator.PhaseAntiSpike, s.State().Phase())
	// Seeked to 0.8 * max threshold behind the live edge.
	assert.InDelta(t, 8.0, p.BufferMemory(), 1e-9)

	drive(t, p, s, 30)
	assert.NotEqual(t, regulator.PhaseAntiSpike, s.State().Phase())
	assert.InDelta(t, 5.0, p.BufferMemory(), 0.5)
}

func TestFollowsPlayerModeLabel(t *testing.T) {
	p := sim.New(sim.Options{InitialBuffer: 1, ModeLabel: "Latence basse"})
	_, s := attachManual(t, p, modesignal.FromText(p))
	assert.Equal(t, regulator.ModeLow, s.State().Mode)

	drive(t, p, s, 20)
	lowBuffer := p.BufferMemory()
	assert.InDelta(t, 0.7, lowBuffer, 0.25)

	p.SetModeLabel("Latence normale")
	drive(t, p, s, 1)
	assert.Equal(t, regulator.ModeNormal, s.State().Mode)
}

func TestSkipsWhileBufferEmpty(t *testing.T) {
	p := sim.New(sim.Options{InitialBuffer: 8, BroadcasterLatency: "3.1s"})
	_, s := attachManual(t, p, nil)

	p.SetEmpty(true)
	drive(t, p, s, 3)
	assert.Nil(t, s.Status().LastSample)

	p.SetEmpty(false)
	drive(t, p, s, 1)
	last := s.Status().LastSample
	require.NotNil(t, last)
	assert.Equal(t, "3.1s", last.BroadcasterLatency)
}
