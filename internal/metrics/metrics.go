// Package metrics exposes the server's prometheus collectors and the scoped
// timers used to profile the simulation tick.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "racenet"

// Metrics holds every collector. Build one per registry.
type Metrics struct {
	PacketsIn        *prometheus.CounterVec
	PacketsOut       *prometheus.CounterVec
	Disconnects      *prometheus.CounterVec
	ConnectedDrivers prometheus.Gauge
	SessionPhase     *prometheus.GaugeVec
	SyncedLatency    prometheus.Histogram
	TickSection      *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received, by channel and packet type",
		}, []string{"channel", "type"}),

		PacketsOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent, by channel and packet type",
		}, []string{"channel", "type"}),

		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Server initiated disconnects, by reason",
		}, []string{"reason"}),

		ConnectedDrivers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_drivers",
			Help:      "Drivers entered in the competition",
		}),

		SessionPhase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_phase",
			Help:      "1 for the current session phase, 0 otherwise",
		}, []string{"phase"}),

		SyncedLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synced_latency_seconds",
			Help:      "Synced safe channel latency used for the grid countdown",
			Buckets:   []float64{.005, .01, .025, .05, .1, .15, .25, .5, 1},
		}),

		TickSection: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_section_seconds",
			Help:      "Time spent in each section of the simulation tick",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
		}, []string{"section"}),
	}
}

// SetPhase marks phase as current among all.
func (m *Metrics) SetPhase(phase string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.SessionPhase.WithLabelValues(p).Set(v)
	}
}

// Timer is a running measurement; Stop records it.
type Timer interface {
	Stop()
}

// Profiler hands out scoped timers:
//
//	defer prof.Start("protocol.update").Stop()
type Profiler interface {
	Start(section string) Timer
}

// HistogramProfiler records sections into a histogram vector.
type HistogramProfiler struct {
	vec *prometheus.HistogramVec
}

func NewProfiler(m *Metrics) HistogramProfiler {
	return HistogramProfiler{vec: m.TickSection}
}

func (p HistogramProfiler) Start(section string) Timer {
	return &sectionTimer{obs: p.vec.WithLabelValues(section), start: time.Now()}
}

type sectionTimer struct {
	obs   prometheus.Observer
	start time.Time
}

func (t *sectionTimer) Stop() {
	t.obs.Observe(time.Since(t.start).Seconds())
}

// NoopProfiler is used when profiling is off. It allocates nothing.
type NoopProfiler struct{}

func (NoopProfiler) Start(string) Timer { return noopTimer{} }

type noopTimer struct{}

func (noopTimer) Stop() {}
