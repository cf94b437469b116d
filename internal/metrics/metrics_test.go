package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderExportsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)

	rec.ObserveGeneration("delivered", "")
	rec.ObserveGeneration("failed", "insufficient_credit")
	rec.ObserveGeneration("failed", "insufficient_credit")
	rec.ObserveCache("hit")
	rec.ObserveExecution("text_to_image", 1500*time.Millisecond)
	rec.IncPayment("rejected")
	rec.IncRefund()
	rec.AddEvictions(3)
	rec.AddEvictions(0)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, mfs, "generation_requests_total", map[string]string{"outcome": "delivered", "reason": ""}))
	assert.Equal(t, 2.0, counterValue(t, mfs, "generation_requests_total", map[string]string{"outcome": "failed", "reason": "insufficient_credit"}))
	assert.Equal(t, 1.0, counterValue(t, mfs, "generation_cache_lookups_total", map[string]string{"result": "hit"}))
	assert.Equal(t, 1.0, counterValue(t, mfs, "payments_total", map[string]string{"status": "rejected"}))
	assert.Equal(t, 1.0, counterValue(t, mfs, "credits_refunded_total", nil))
	assert.Equal(t, 3.0, counterValue(t, mfs, "cache_evictions_total", nil))

	mf := findMetricFamily(mfs, "generation_execution_seconds")
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 1)
	assert.InDelta(t, 1.5, mf.GetMetric()[0].GetHistogram().GetSampleSum(), 0.001)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.ObserveGeneration("delivered", "")
		rec.ObserveCache("miss")
		rec.ObserveExecution("image_edit", time.Second)
		rec.IncPayment("paid")
		rec.IncRefund()
		rec.AddEvictions(1)
	})

	unregistered := New(nil)
	assert.NotPanics(t, func() { unregistered.IncRefund() })
}

func counterValue(t *testing.T, mfs []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	mf := findMetricFamily(mfs, name)
	require.NotNil(t, mf, "metric %q not found", name)
	for _, metric := range mf.GetMetric() {
		if matchesLabels(metric.GetLabel(), labels) {
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %q missing labels %v", name, labels)
	return 0
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	got := make(map[string]string, len(pairs))
	for _, p := range pairs {
		got[p.GetName()] = p.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
