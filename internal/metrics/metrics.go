// Package metrics exposes Prometheus collectors for harvest runs.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns every collector emitted by the harvester. A nil *Recorder is
// valid and records nothing, so components can take it as an optional dependency.
type Recorder struct {
	apiRequests     *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	backoffSeconds  *prometheus.HistogramVec
	skippedItems    *prometheus.CounterVec
	sourcesTotal    *prometheus.CounterVec
	itemsCollected  *prometheus.CounterVec
	yieldRatio      prometheus.Gauge
	pacingDelay     *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpDurationSec *prometheus.HistogramVec
}

// New registers the collectors against reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_api_requests_total",
			Help: "Content API requests partitioned by endpoint and status code.",
		}, []string{"endpoint", "code"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_api_request_duration_seconds",
			Help:    "Content API request latency partitioned by endpoint.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"endpoint"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_retries_total",
			Help: "Retries scheduled after a failed page fetch, partitioned by failure kind.",
		}, []string{"kind"}),
		backoffSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_backoff_seconds",
			Help:    "Backoff delays applied before retries.",
			Buckets: []float64{0.5, 1, 2, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		skippedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_skipped_items_total",
			Help: "Items skipped past after a region could not be fetched.",
		}, []string{"source"}),
		sourcesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_sources_total",
			Help: "Sources processed, partitioned by kind and stop reason.",
		}, []string{"kind", "reason"}),
		itemsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_items_collected_total",
			Help: "Records collected, partitioned by source kind.",
		}, []string{"kind"}),
		yieldRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_yield_ratio",
			Help: "Fraction of expected named-collection items collected by the last run.",
		}),
		pacingDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_pacing_delay_seconds",
			Help:    "Time spent waiting on the request pacer.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"host"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_http_requests_total",
			Help: "Requests served by the metrics server, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDurationSec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_http_request_duration_seconds",
			Help:    "Latency of requests served by the metrics server.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{
		r.apiRequests,
		r.apiDuration,
		r.retries,
		r.backoffSeconds,
		r.skippedItems,
		r.sourcesTotal,
		r.itemsCollected,
		r.yieldRatio,
		r.pacingDelay,
		r.httpRequests,
		r.httpDurationSec,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register harvest collector: %w", err)
		}
	}
	return r, nil
}

// ObserveAPIRequest records one content API call. code is 0 for transport failures.
func (r *Recorder) ObserveAPIRequest(endpoint string, code int, duration time.Duration) {
	if r == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	r.apiRequests.WithLabelValues(endpoint, label).Inc()
	r.apiDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRetry records a scheduled retry and the delay chosen for it.
func (r *Recorder) ObserveRetry(kind string, delay time.Duration) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(kind).Inc()
	r.backoffSeconds.WithLabelValues(kind).Observe(delay.Seconds())
}

// ObserveSkip records items skipped within a source.
func (r *Recorder) ObserveSkip(source string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.skippedItems.WithLabelValues(source).Add(float64(count))
}

// ObserveSource records the terminal state of one source.
func (r *Recorder) ObserveSource(kind, reason string, items int) {
	if r == nil {
		return
	}
	r.sourcesTotal.WithLabelValues(kind, reason).Inc()
	if items > 0 {
		r.itemsCollected.WithLabelValues(kind).Add(float64(items))
	}
}

// SetYield publishes the yield of the most recent run.
func (r *Recorder) SetYield(ratio float64) {
	if r == nil {
		return
	}
	r.yieldRatio.Set(ratio)
}

// ObservePacingDelay records time spent blocked on the request pacer.
func (r *Recorder) ObservePacingDelay(host string, duration time.Duration) {
	if r == nil {
		return
	}
	r.pacingDelay.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest records a request served by the metrics server.
func (r *Recorder) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.httpDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}
