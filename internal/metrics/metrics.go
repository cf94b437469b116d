package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exports bot counters. A nil Recorder, or one built with a nil
// registerer, drops every observation.
type Recorder struct {
	generations *prometheus.CounterVec
	cache       *prometheus.CounterVec
	execution   *prometheus.HistogramVec
	payments    *prometheus.CounterVec
	refunds     prometheus.Counter
	evictions   prometheus.Counter
}

// New registers the bot metrics on the provided registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		return &Recorder{}
	}
	generations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_requests_total",
		Help: "Generation requests by terminal outcome and failure reason.",
	}, []string{"outcome", "reason"})
	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_cache_lookups_total",
		Help: "Cache lookups by result (hit, miss, error).",
	}, []string{"result"})
	execution := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "generation_execution_seconds",
		Help:    "Duration of image provider calls in seconds.",
		Buckets: []float64{1, 5, 10, 20, 40, 60, 120, 180, 300},
	}, []string{"kind"})
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_total",
		Help: "Payment events by recorded status.",
	}, []string{"status"})
	refunds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credits_refunded_total",
		Help: "Credits returned after failed generations.",
	})
	evictions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Cache entries removed by the eviction policy.",
	})
	reg.MustRegister(generations, cache, execution, payments, refunds, evictions)
	return &Recorder{
		generations: generations,
		cache:       cache,
		execution:   execution,
		payments:    payments,
		refunds:     refunds,
		evictions:   evictions,
	}
}

// ObserveGeneration counts a finished request.
func (r *Recorder) ObserveGeneration(outcome, reason string) {
	if r == nil || r.generations == nil {
		return
	}
	r.generations.WithLabelValues(normalizeLabel(outcome), reason).Inc()
}

// ObserveCache counts a cache lookup result.
func (r *Recorder) ObserveCache(result string) {
	if r == nil || r.cache == nil {
		return
	}
	r.cache.WithLabelValues(normalizeLabel(result)).Inc()
}

// ObserveExecution records how long the provider took for the given request kind.
func (r *Recorder) ObserveExecution(kind string, duration time.Duration) {
	if r == nil || r.execution == nil {
		return
	}
	r.execution.WithLabelValues(normalizeLabel(kind)).Observe(duration.Seconds())
}

func (r *Recorder) IncPayment(status string) {
	if r == nil || r.payments == nil {
		return
	}
	r.payments.WithLabelValues(normalizeLabel(status)).Inc()
}

func (r *Recorder) IncRefund() {
	if r == nil || r.refunds == nil {
		return
	}
	r.refunds.Inc()
}

func (r *Recorder) AddEvictions(n int) {
	if r == nil || r.evictions == nil || n <= 0 {
		return
	}
	r.evictions.Add(float64(n))
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
