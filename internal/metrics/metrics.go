// Package metrics exposes request and stage timings to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transcription"

// Metrics implements transcription.Recorder.
type Metrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	stages    *prometheus.HistogramVec
	anomalies *prometheus.CounterVec
	modelLoad *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Number of transcription requests by outcome.",
		}, []string{"backend", "outcome"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of the transcription pipeline stages.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"backend", "stage"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timing_anomalies_total",
			Help:      "Number of inconsistent timing measurements, e.g. a negative overhead.",
		}, []string{"backend", "anomaly"}),
		modelLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_load_seconds",
			Help:      "Time it took to load the model at startup.",
		}, []string{"backend", "model"}),
	}

	m.registry.MustRegister(
		m.requests,
		m.stages,
		m.anomalies,
		m.modelLoad,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveRequest counts a request and records its per-request stage durations.
func (m *Metrics) ObserveRequest(backend, outcome string, stages map[string]float64) {
	m.requests.WithLabelValues(backend, outcome).Inc()

	for stage, seconds := range stages {
		if stage == "model_load" {
			continue
		}

		m.stages.WithLabelValues(backend, stage).Observe(seconds)
	}
}

func (m *Metrics) ObserveAnomaly(backend, anomaly string) {
	m.anomalies.WithLabelValues(backend, anomaly).Inc()
}

func (m *Metrics) SetModelLoad(backend, model string, seconds float64) {
	m.modelLoad.WithLabelValues(backend, model).Set(seconds)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
