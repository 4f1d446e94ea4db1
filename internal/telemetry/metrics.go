package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"latencyregulator/internal/regulator"
)

var phases = []regulator.Phase{regulator.PhaseNormal, regulator.PhaseDeadZone, regulator.PhaseAntiSpike}

// Metrics is a regulator.Sink that exports samples as Prometheus metrics on its own
// registry. It also observes skipped ticks and closed sessions.
type Metrics struct {
	reg *prometheus.Registry

	bufferMemory    *prometheus.GaugeVec
	targetLatency   *prometheus.GaugeVec
	playbackRate    *prometheus.GaugeVec
	state           *prometheus.GaugeVec
	seeks           *prometheus.CounterVec
	ticksSkipped    *prometheus.CounterVec
	commandFailures *prometheus.CounterVec
	samples         prometheus.Counter
}

// NewMetrics registers the regulator metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		bufferMemory: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "latencyregulator_buffer_memory_seconds",
			Help: "Media buffered ahead of the playback position",
		}, []string{"session", "mode"}),
		targetLatency: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "latencyregulator_target_latency_seconds",
			Help: "Buffer memory the regulator is aiming for",
		}, []string{"session", "mode"}),
		playbackRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "latencyregulator_playback_rate",
			Help: "Playback rate in effect after the last tick",
		}, []string{"session"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "latencyregulator_regulator_state",
			Help: "1 for the control state the session is in, 0 otherwise",
		}, []string{"session", "state"}),
		seeks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "latencyregulator_seeks_total",
			Help: "Forward seeks issued by the regulator",
		}, []string{"reason"}),
		ticksSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "latencyregulator_ticks_skipped_total",
			Help: "Ticks skipped because the media port had nothing to report",
		}, []string{"reason"}),
		commandFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "latencyregulator_command_failures_total",
			Help: "Rate or seek commands rejected by the media port",
		}, []string{"session"}),
		samples: f.NewCounter(prometheus.CounterOpts{
			Name: "latencyregulator_samples_total",
			Help: "Completed regulator ticks",
		}),
	}
}

func (m *Metrics) Publish(s regulator.Sample) {
	mode := string(s.Mode)
	m.bufferMemory.WithLabelValues(s.SessionID, mode).Set(s.BufferMemory)
	m.targetLatency.WithLabelValues(s.SessionID, mode).Set(s.TargetLatency)
	m.playbackRate.WithLabelValues(s.SessionID).Set(s.AppliedRate)

	for _, p := range phases {
		v := 0.0
		if p == s.State {
			v = 1
		}
		m.state.WithLabelValues(s.SessionID, string(p)).Set(v)
	}

	if s.Seek != "" {
		m.seeks.WithLabelValues(string(s.Seek)).Inc()
	}
	if s.CommandFailures > 0 {
		m.commandFailures.WithLabelValues(s.SessionID).Add(float64(s.CommandFailures))
	}
	m.samples.Inc()
}

func (m *Metrics) TickSkipped(_ string, reason string) {
	m.ticksSkipped.WithLabelValues(reason).Inc()
}

// SessionClosed drops every series labeled with sessionID.
func (m *Metrics) SessionClosed(sessionID string) {
	labels := prometheus.Labels{"session": sessionID}
	m.bufferMemory.DeletePartialMatch(labels)
	m.targetLatency.DeletePartialMatch(labels)
	m.playbackRate.DeletePartialMatch(labels)
	m.state.DeletePartialMatch(labels)
	m.commandFailures.DeletePartialMatch(labels)
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
