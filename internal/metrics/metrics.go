package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes the alerter's Prometheus metrics on a private registry.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry      *prometheus.Registry
	lastPrice     *prometheus.GaugeVec
	changePct     *prometheus.GaugeVec
	triggerCount  prometheus.Gauge
	triggersTotal *prometheus.CounterVec
	skipsTotal    *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reddca_last_price",
				Help: "Last observed price for a symbol",
			},
			[]string{"symbol"},
		),
		changePct: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reddca_change_pct",
				Help: "Last computed change versus the reference close, by check kind",
			},
			[]string{"kind"},
		),
		triggerCount: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "reddca_trigger_count",
				Help: "Triggers fired so far",
			},
		),
		triggersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reddca_triggers_total",
				Help: "Triggers fired by this process, by category",
			},
			[]string{"category"},
		),
		skipsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reddca_checks_skipped_total",
				Help: "Checks that did not fire, by reason",
			},
			[]string{"reason"},
		),
		fetchErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reddca_fetch_errors_total",
				Help: "Market data fetch failures, by check kind",
			},
			[]string{"kind"},
		),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reddca_notifications_total",
				Help: "Notification send attempts, by kind and result",
			},
			[]string{"kind", "result"},
		),
		checkDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reddca_check_duration_seconds",
				Help:    "Duration of scheduled checks in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) RecordObservation(symbol, kind string, price float64, changePct *float64) {
	if r == nil {
		return
	}
	r.lastPrice.WithLabelValues(symbol).Set(price)
	if changePct != nil {
		r.changePct.WithLabelValues(kind).Set(*changePct)
	}
}

func (r *Recorder) RecordTrigger(category string, count int) {
	if r == nil {
		return
	}
	r.triggersTotal.WithLabelValues(category).Inc()
	r.triggerCount.Set(float64(count))
}

func (r *Recorder) SetTriggerCount(count int) {
	if r == nil {
		return
	}
	r.triggerCount.Set(float64(count))
}

func (r *Recorder) RecordSkip(reason string) {
	if r == nil {
		return
	}
	r.skipsTotal.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordFetchError(kind string) {
	if r == nil {
		return
	}
	r.fetchErrors.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordNotification(kind string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.notifications.WithLabelValues(kind, result).Inc()
}

// RecordDuration records check latency in seconds.
func (r *Recorder) RecordDuration(kind string, seconds float64) {
	if r == nil {
		return
	}
	r.checkDuration.WithLabelValues(kind).Observe(seconds)
}
