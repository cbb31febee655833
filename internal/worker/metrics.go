package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry           *prometheus.Registry
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	activeJobs         prometheus.Gauge
	generationDuration prometheus.Histogram
	deadLetteredTotal  prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portraitflow_worker_jobs_total",
			Help: "Total task deliveries handled by the worker, by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portraitflow_worker_job_duration_seconds",
			Help:    "Wall time of each task delivery, by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 300},
		}, []string{"outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portraitflow_worker_active_jobs",
			Help: "Current number of jobs holding a generation slot.",
		}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "portraitflow_generation_duration_seconds",
			Help:    "Time spent waiting on the image generation model.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}),
		deadLetteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portraitflow_worker_dead_lettered_jobs_total",
			Help: "Jobs marked failed by the dead-letter reconciler after exhausting retries.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.generationDuration,
		m.deadLetteredTotal,
	)
	return m
}

func (m *Metrics) ObserveJob(outcome string, elapsed time.Duration) {
	m.jobsTotal.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveGeneration(seconds float64) {
	m.generationDuration.Observe(seconds)
}

func (m *Metrics) ObserveDeadLetter() {
	m.deadLetteredTotal.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
