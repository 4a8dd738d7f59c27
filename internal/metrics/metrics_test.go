package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := o.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T does not implement prometheus.Metric", o)
	}
	var m dto.Metric
	require.NoError(t, metric.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestSetPhase(t *testing.T) {
	m := New(prometheus.NewRegistry())
	all := []string{"waiting", "practice", "grid"}
	m.SetPhase("practice", all)
	assert.Equal(t, 0.0, gaugeValue(t, m.SessionPhase.WithLabelValues("waiting")))
	assert.Equal(t, 1.0, gaugeValue(t, m.SessionPhase.WithLabelValues("practice")))

	m.SetPhase("grid", all)
	assert.Equal(t, 0.0, gaugeValue(t, m.SessionPhase.WithLabelValues("practice")))
	assert.Equal(t, 1.0, gaugeValue(t, m.SessionPhase.WithLabelValues("grid")))
}

func TestProfiler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	prof := NewProfiler(m)

	func() {
		defer prof.Start("tick").Stop()
	}()
	prof.Start("tick").Stop()
	assert.Equal(t, uint64(2), histogramCount(t, m.TickSection.WithLabelValues("tick")))

	NoopProfiler{}.Start("tick").Stop()
	assert.Equal(t, uint64(2), histogramCount(t, m.TickSection.WithLabelValues("tick")))
}

func TestNew_TwoRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
