package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once          sync.Once
	queueDepth    prom.Gauge
	running       prom.Gauge
	enqueued      prom.Counter
	buildOutcome  *prom.CounterVec
	buildDuration prom.Histogram
	debounce      prom.Counter
	rebuilds      prom.Counter
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "autobuildd",
			Name:      "queue_depth",
			Help:      "Number of builds waiting for a worker slot",
		})
		pr.running = prom.NewGauge(prom.GaugeOpts{
			Namespace: "autobuildd",
			Name:      "running_builds",
			Help:      "Number of builds currently executing",
		})
		pr.enqueued = prom.NewCounter(prom.CounterOpts{
			Namespace: "autobuildd",
			Name:      "builds_enqueued_total",
			Help:      "Total accepted queue admissions",
		})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "autobuildd",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by terminal status",
		}, []string{"outcome"})
		pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "autobuildd",
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   prom.DefBuckets,
		})
		pr.debounce = prom.NewCounter(prom.CounterOpts{
			Namespace: "autobuildd",
			Name:      "debounce_triggers_total",
			Help:      "File-change debounce windows that fired",
		})
		pr.rebuilds = prom.NewCounter(prom.CounterOpts{
			Namespace: "autobuildd",
			Name:      "rebuild_on_completion_total",
			Help:      "Builds re-enqueued by the rebuild-on-completion flag",
		})
		reg.MustRegister(pr.queueDepth, pr.running, pr.enqueued, pr.buildOutcome, pr.buildDuration, pr.debounce, pr.rebuilds)
	})
	return pr
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetRunning(n int) {
	if p == nil || p.running == nil {
		return
	}
	p.running.Set(float64(n))
}

func (p *PrometheusRecorder) IncEnqueued() {
	if p == nil || p.enqueued == nil {
		return
	}
	p.enqueued.Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncDebounceTrigger() {
	if p == nil || p.debounce == nil {
		return
	}
	p.debounce.Inc()
}

func (p *PrometheusRecorder) IncRebuildOnCompletion() {
	if p == nil || p.rebuilds == nil {
		return
	}
	p.rebuilds.Inc()
}
