package regulator

import "time"

// Phase is the externally visible control state of a session.
type Phase string

const (
	PhaseNormal    Phase = "NORMAL"
	PhaseDeadZone  Phase = "DEAD_ZONE"
	PhaseAntiSpike Phase = "ANTI_SPIKE"
)

// ControlState is the session-owned state of the regulator.
//
// It is only touched by the session that owns it: the scheduler goroutine or a
// caller of Session.Tick, never both at once.
type ControlState struct {
	Mode   Mode
	Config Config

	AntiSpikeActive bool
	InDeadZone      bool

	// LastAppliedRate is the last rate committed by the regulator (or read from the
	// port at attach time).
	LastAppliedRate float64
}

// NewControlState returns the initial state for a session in mode with cfg.
func NewControlState(mode Mode, cfg Config, currentRate float64) ControlState {
	return ControlState{
		Mode:            mode,
		Config:          cfg,
		LastAppliedRate: currentRate,
	}
}

// Phase derives the state machine position. Anti-spike wins over the dead zone.
func (s ControlState) Phase() Phase {
	switch {
	case s.AntiSpikeActive:
		return PhaseAntiSpike
	case s.InDeadZone:
		return PhaseDeadZone
	default:
		return PhaseNormal
	}
}

// WithMode switches the state to mode and cfg and clears the anti-spike and
// dead-zone flags.
func (s ControlState) WithMode(mode Mode, cfg Config) ControlState {
	s.Mode = mode
	s.Config = cfg
	s.AntiSpikeActive = false
	s.InDeadZone = false
	return s
}

// SeekReason says why the regulator issued a seek.
type SeekReason string

const (
	SeekAntiSpike SeekReason = "anti_spike"
	SeekCatchUp   SeekReason = "catch_up"
)

// Sample is the per-tick observation published to telemetry.
type Sample struct {
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Mode      Mode      `json:"mode"`
	State     Phase     `json:"state"`

	BufferMemory float64 `json:"buffer_memory"`
	Error        float64 `json:"error"`
	AppliedRate  float64 `json:"applied_rate"`

	// Config context so a plot can draw reference lines.
	TargetLatency      float64 `json:"target_latency"`
	DeadZoneLow        float64 `json:"dead_zone_low"`
	DeadZoneHigh       float64 `json:"dead_zone_high"`
	MaxBufferThreshold float64 `json:"max_buffer_threshold"`

	// Seek is set when the tick issued a seek.
	Seek SeekReason `json:"seek,omitempty"`
	// CommandFailures counts rate/seek commands the port rejected this tick.
	CommandFailures int `json:"command_failures,omitempty"`

	// BroadcasterLatency is the host-reported text, "N/A" when unavailable.
	BroadcasterLatency string `json:"broadcaster_latency"`
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID  string  `json:"session_id"`
	Mode       Mode    `json:"mode"`
	State      Phase   `json:"state"`
	Config     Config  `json:"config"`
	LastSample *Sample `json:"last_sample,omitempty"`
}
