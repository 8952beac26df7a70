package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors recorded by the protection pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	stages   *prometheus.HistogramVec
	installs *prometheus.CounterVec
	assets   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webprotect",
			Name:      "runs_total",
			Help:      "Protection passes by final status.",
		}, []string{"status"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "webprotect",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webprotect",
			Name:      "tool_installs_total",
			Help:      "Tool installations by package source and result.",
		}, []string{"source", "result"}),
		assets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webprotect",
			Name:      "assets_total",
			Help:      "Assets moved through the bridge by direction.",
		}, []string{"direction"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.runs, m.stages, m.installs, m.assets} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Run counts a finished pass.
func (m *Metrics) Run(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

// Stage records how long a stage took.
func (m *Metrics) Stage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage).Observe(d.Seconds())
}

// Install counts a tool installation attempt.
func (m *Metrics) Install(source string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.installs.WithLabelValues(source, result).Inc()
}

// Assets counts staged or reintegrated assets.
func (m *Metrics) Assets(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.assets.WithLabelValues(direction).Add(float64(n))
}
