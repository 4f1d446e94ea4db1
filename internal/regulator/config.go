package regulator

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Config is the per-mode tuning record of the regulator.
//
// Invariants (see Validate):
//   - MinRate < 1.0 < MaxRate
//   - DeadZoneWidth >= 0
//   - MaxBufferThreshold > TargetLatency
//   - SampleIntervalMS > 0
type Config struct {
	// TargetLatency is the buffer memory (seconds) the regulator tries to hold.
	TargetLatency float64 `yaml:"target_latency" json:"target_latency"`

	// ProportionalGain (Kp) scales the buffer error into a rate correction.
	ProportionalGain float64 `yaml:"kp" json:"kp"`

	// MaxBufferThreshold is the alarm bound (seconds) that engages anti-spike.
	MaxBufferThreshold float64 `yaml:"max_buffer_threshold" json:"max_buffer_threshold"`

	// SampleIntervalMS is the tick period.
	SampleIntervalMS int `yaml:"sample_interval_ms" json:"sample_interval_ms"`

	// Playback rate clamp
	MaxRate float64 `yaml:"max_rate" json:"max_rate"`
	MinRate float64 `yaml:"min_rate" json:"min_rate"`

	// DeadZoneWidth is the width (seconds) of the hysteresis band centered on target.
	DeadZoneWidth float64 `yaml:"dead_zone" json:"dead_zone"`

	// SymmetricDeadZone lets the dead zone be entered anywhere in [lo, hi].
	// By default it is only entered from [lo, target), i.e. when the buffer drains
	// down past the target.
	SymmetricDeadZone bool `yaml:"symmetric_dead_zone,omitempty" json:"symmetric_dead_zone,omitempty"`
}

// DefaultConfig returns the built-in defaults for mode.
// Unknown modes get the NORMAL defaults.
func DefaultConfig(mode Mode) Config {
	switch mode {
	case ModeLow:
		return Config{
			TargetLatency:      0.7,
			ProportionalGain:   0.3,
			MaxBufferThreshold: 2.0,
			SampleIntervalMS:   500,
			MaxRate:            3.0,
			MinRate:            0.9,
			DeadZoneWidth:      0.5,
		}
	default:
		return Config{
			TargetLatency:      5.0,
			ProportionalGain:   0.3,
			MaxBufferThreshold: 10.0,
			SampleIntervalMS:   500,
			MaxRate:            3.0,
			MinRate:            0.9,
			DeadZoneWidth:      1.0,
		}
	}
}

// Validate checks the Config invariants and returns an error wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"target_latency":       c.TargetLatency,
		"kp":                   c.ProportionalGain,
		"max_buffer_threshold": c.MaxBufferThreshold,
		"max_rate":             c.MaxRate,
		"min_rate":             c.MinRate,
		"dead_zone":            c.DeadZoneWidth,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidConfig, name)
		}
	}

	var errs []error
	if !(c.MinRate < normalRate) {
		errs = append(errs, errors.New("min_rate must be < 1.0"))
	}
	if !(c.MaxRate > normalRate) {
		errs = append(errs, errors.New("max_rate must be > 1.0"))
	}
	if c.DeadZoneWidth < 0 {
		errs = append(errs, errors.New("dead_zone must be >= 0"))
	}
	if !(c.MaxBufferThreshold > c.TargetLatency) {
		errs = append(errs, errors.New("max_buffer_threshold must be > target_latency"))
	}
	if c.SampleIntervalMS <= 0 {
		errs = append(errs, errors.New("sample_interval_ms must be > 0"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Interval returns the tick period as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.SampleIntervalMS) * time.Millisecond
}

// DeadZoneBounds returns the hysteresis band [lo, hi] around the target.
func (c Config) DeadZoneBounds() (lo, hi float64) {
	half := c.DeadZoneWidth / 2
	return c.TargetLatency - half, c.TargetLatency + half
}

// ClampRate limits r to [MinRate, MaxRate].
func (c Config) ClampRate(r float64) float64 {
	return math.Max(c.MinRate, math.Min(c.MaxRate, r))
}

// ConfigPatch is a partial Config. Nil fields are left untouched when applied.
//
// It is the shape of both operator edits and persisted overrides: persisted keys win,
// missing keys fall back to whatever the patch is applied on.
type ConfigPatch struct {
	TargetLatency      *float64 `yaml:"target_latency,omitempty" json:"target_latency,omitempty"`
	ProportionalGain   *float64 `yaml:"kp,omitempty" json:"kp,omitempty"`
	MaxBufferThreshold *float64 `yaml:"max_buffer_threshold,omitempty" json:"max_buffer_threshold,omitempty"`
	SampleIntervalMS   *int     `yaml:"sample_interval_ms,omitempty" json:"sample_interval_ms,omitempty"`
	MaxRate            *float64 `yaml:"max_rate,omitempty" json:"max_rate,omitempty"`
	MinRate            *float64 `yaml:"min_rate,omitempty" json:"min_rate,omitempty"`
	DeadZoneWidth      *float64 `yaml:"dead_zone,omitempty" json:"dead_zone,omitempty"`
	SymmetricDeadZone  *bool    `yaml:"symmetric_dead_zone,omitempty" json:"symmetric_dead_zone,omitempty"`
}

// Empty reports whether the patch carries no fields.
func (p ConfigPatch) Empty() bool {
	return p == ConfigPatch{}
}

// ApplyTo returns base with every non-nil field of p written over it.
func (p ConfigPatch) ApplyTo(base Config) Config {
	if p.TargetLatency != nil {
		base.TargetLatency = *p.TargetLatency
	}
	if p.ProportionalGain != nil {
		base.ProportionalGain = *p.ProportionalGain
	}
	if p.MaxBufferThreshold != nil {
		base.MaxBufferThreshold = *p.MaxBufferThreshold
	}
	if p.SampleIntervalMS != nil {
		base.SampleIntervalMS = *p.SampleIntervalMS
	}
	if p.MaxRate != nil {
		base.MaxRate = *p.MaxRate
	}
	if p.MinRate != nil {
		base.MinRate = *p.MinRate
	}
	if p.DeadZoneWidth != nil {
		base.DeadZoneWidth = *p.DeadZoneWidth
	}
	if p.SymmetricDeadZone != nil {
		base.SymmetricDeadZone = *p.SymmetricDeadZone
	}
	return base
}

// PatchFrom returns a patch that sets every field of c.
func PatchFrom(c Config) ConfigPatch {
	return ConfigPatch{
		TargetLatency:      &c.TargetLatency,
		ProportionalGain:   &c.ProportionalGain,
		MaxBufferThreshold: &c.MaxBufferThreshold,
		SampleIntervalMS:   &c.SampleIntervalMS,
		MaxRate:            &c.MaxRate,
		MinRate:            &c.MinRate,
		DeadZoneWidth:      &c.DeadZoneWidth,
		SymmetricDeadZone:  &c.SymmetricDeadZone,
	}
}
