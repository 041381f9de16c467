package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "sketchrender"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once          sync.Once
	stageDuration *prom.HistogramVec
	stageResults  *prom.CounterVec
	jobDuration   prom.Histogram
	jobOutcomes   *prom.CounterVec
	activeJobs    prom.Gauge
	stepDuration  *prom.HistogramVec
	publications  *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual job stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"})
		pr.jobDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Total render job duration",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		})
		pr.jobOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Render jobs by terminal state and error kind",
		}, []string{"outcome", "error_kind"})
		pr.activeJobs = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Render jobs currently in flight",
		})
		pr.stepDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "toolchain_step_duration_seconds",
			Help:      "Duration of external toolchain invocations",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"step", "result"})
		pr.publications = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "publications_total",
			Help:      "Artifact publications by sink and result",
		}, []string{"sink", "result"})
		reg.MustRegister(pr.stageDuration, pr.stageResults, pr.jobDuration, pr.jobOutcomes,
			pr.activeJobs, pr.stepDuration, pr.publications)
	})
	return pr
}

func resultOf(success bool) string {
	if success {
		return string(ResultSuccess)
	}
	return string(ResultFailed)
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveJobDuration(d time.Duration) {
	if p == nil || p.jobDuration == nil {
		return
	}
	p.jobDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncJobOutcome(outcome JobOutcomeLabel, errorKind string) {
	if p == nil || p.jobOutcomes == nil {
		return
	}
	p.jobOutcomes.WithLabelValues(string(outcome), errorKind).Inc()
}

func (p *PrometheusRecorder) AddActiveJobs(delta int) {
	if p == nil || p.activeJobs == nil {
		return
	}
	p.activeJobs.Add(float64(delta))
}

func (p *PrometheusRecorder) ObserveStepDuration(step string, d time.Duration, success bool) {
	if p == nil || p.stepDuration == nil {
		return
	}
	p.stepDuration.WithLabelValues(step, resultOf(success)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncPublication(sink string, success bool) {
	if p == nil || p.publications == nil {
		return
	}
	p.publications.WithLabelValues(sink, resultOf(success)).Inc()
}
