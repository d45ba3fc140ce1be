// Package metrics exposes Prometheus collectors for request intake, the
// interaction pipeline, event delivery, and state persistence.
//
// Collectors live on a private registry owned by [Metrics] so tests and
// multiple servers in one process never collide on registration. All
// recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aura"

// Metrics holds every collector the server records into.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	pipelineRuns     *prometheus.CounterVec
	pipelineFailures *prometheus.CounterVec
	inference        *prometheus.HistogramVec
	searches         *prometheus.CounterVec
	speech           *prometheus.CounterVec
	events           *prometheus.CounterVec
	saves            *prometheus.CounterVec
	saveDuration     prometheus.Histogram
	streams          *prometheus.GaugeVec
}

// New creates the collectors and registers them, along with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_requests_total",
				Help:      "Interaction submissions received, by outcome",
			},
			[]string{"outcome"}, // accepted, rejected
		),
		pipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Completed interaction pipeline runs, by branch",
			},
			[]string{"branch"}, // direct, search, memorize
		),
		pipelineFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_failures_total",
				Help:      "Interaction pipeline failures, by category",
			},
			[]string{"category"},
		),
		inference: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_seconds",
				Help:      "Latency of language model completions",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 90},
			},
			[]string{"outcome"}, // ok, error
		),
		searches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "searches_total",
				Help:      "Web searches performed, by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		speech: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "speech_renders_total",
				Help:      "Speech synthesis attempts, by outcome",
			},
			[]string{"outcome"}, // ok, error, skipped
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events published to client queues, by type and outcome",
			},
			[]string{"type", "outcome"}, // queued, dropped
		),
		saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_saves_total",
				Help:      "Client state persistence attempts, by outcome",
			},
			[]string{"outcome"},
		),
		saveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "state_save_duration_seconds",
				Help:      "Time spent writing client state to the backend",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
			},
		),
		streams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_streams",
				Help:      "Currently connected event streams, by transport",
			},
			[]string{"transport"}, // sse, websocket
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.pipelineRuns,
		m.pipelineFailures,
		m.inference,
		m.searches,
		m.speech,
		m.events,
		m.saves,
		m.saveDuration,
		m.streams,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TrackClients exports the number of known clients, read from fn at
// scrape time.
func (m *Metrics) TrackClients(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Clients with conversational state",
		},
		func() float64 { return float64(fn()) },
	))
}

// TrackQueues exports the number of open event queues, read from fn at
// scrape time.
func (m *Metrics) TrackQueues(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_queues",
			Help:      "Per-client event queues currently registered",
		},
		func() float64 { return float64(fn()) },
	))
}

// Request counts one submission.
func (m *Metrics) Request(accepted bool) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome(accepted, "accepted", "rejected")).Inc()
}

// PipelineRun counts one completed run through the named branch.
func (m *Metrics) PipelineRun(branch string) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(branch).Inc()
}

// PipelineFailure counts one pipeline failure.
func (m *Metrics) PipelineFailure(category string) {
	if m == nil {
		return
	}
	m.pipelineFailures.WithLabelValues(category).Inc()
}

// Inference records the latency of one completion call.
func (m *Metrics) Inference(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.inference.WithLabelValues(outcome(err == nil, "ok", "error")).Observe(d.Seconds())
}

// Search counts one web search.
func (m *Metrics) Search(provider string, err error) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(provider, outcome(err == nil, "ok", "error")).Inc()
}

// Speech counts one speech render. An empty url with no error means
// nothing was spoken.
func (m *Metrics) Speech(url string, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.speech.WithLabelValues("error").Inc()
	case url == "":
		m.speech.WithLabelValues("skipped").Inc()
	default:
		m.speech.WithLabelValues("ok").Inc()
	}
}

// Event counts one publish attempt. It matches the registry's
// OnPublish hook signature once adapted by the caller.
func (m *Metrics) Event(eventType string, queued bool) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome(queued, "queued", "dropped")).Inc()
}

// Save records one persistence attempt. It matches the persister's
// OnSave hook signature.
func (m *Metrics) Save(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(outcome(err == nil, "ok", "error")).Inc()
	m.saveDuration.Observe(d.Seconds())
}

// StreamOpened increments the open stream gauge and returns the
// matching decrement.
func (m *Metrics) StreamOpened(transport string) (closed func()) {
	if m == nil {
		return func() {}
	}
	g := m.streams.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
