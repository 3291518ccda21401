// Package metrics exposes build sequence metrics on a private Prometheus
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector satisfies sequencer.Observer.
type Collector struct {
	registry *prometheus.Registry

	buildsTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	cacheHits     prometheus.Counter
	lastBuild     *prometheus.GaugeVec
}

const namespace = "bootseq"

// NewCollector creates a collector. A non-empty service name is attached to
// every bootseq metric as the "service" label.
func NewCollector(service string) *Collector {
	var labels prometheus.Labels
	if service != "" {
		labels = prometheus.Labels{"service": service}
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "build",
			Name:        "total",
			Help:        "Total number of build sequences by result",
			ConstLabels: labels,
		},
		[]string{"result"},
	)

	c.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "stage",
			Name:        "duration_seconds",
			Help:        "Time taken by each build stage",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 16), // 5ms to ~164s
		},
		[]string{"stage", "status"},
	)

	c.cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dependencies",
			Name:        "cache_hits_total",
			Help:        "Builds that reused a previous dependency install",
			ConstLabels: labels,
		},
	)

	c.lastBuild = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "build",
			Name:        "last_timestamp_seconds",
			Help:        "Unix time the last build finished, by result",
			ConstLabels: labels,
		},
		[]string{"result"},
	)

	c.registry.MustRegister(
		c.buildsTotal,
		c.stageDuration,
		c.cacheHits,
		c.lastBuild,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveStage records the duration of one finished stage.
func (c *Collector) ObserveStage(stage, status string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// ObserveBuild counts one finished build and records when it finished.
func (c *Collector) ObserveBuild(status string, cached bool, finished time.Time) {
	c.buildsTotal.WithLabelValues(status).Inc()
	c.lastBuild.WithLabelValues(status).Set(float64(finished.Unix()))
	if cached {
		c.cacheHits.Inc()
	}
}
