// Package prom exports beacon delivery metrics to Prometheus.
//
// Collectors:
//
//   - beacon_send_duration_seconds: histogram of network call latency
//   - beacon_delivered_total: requests accepted by the server
//   - beacon_retries_total{outcome}: delivery attempts that stopped the worker
//   - beacon_evicted_total: requests dropped because the queue was full
//   - beacon_discarded_total: requests dropped without sending
//   - beacon_queue_depth: requests currently queued
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/velmie/beacon"
)

const defaultNamespace = "beacon"

// Option configures Metrics.
type Option func(*config)

type config struct {
	namespace   string
	registerer  prometheus.Registerer
	constLabels prometheus.Labels
	buckets     []float64
}

// WithNamespace replaces the metric name prefix.
func WithNamespace(namespace string) Option {
	return func(c *config) {
		c.namespace = namespace
	}
}

// WithRegisterer registers the collectors with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *config) {
		c.registerer = r
	}
}

// WithConstLabels attaches labels to every collector, e.g. the app key.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *config) {
		c.constLabels = labels
	}
}

// WithBuckets sets the send duration histogram buckets in seconds.
func WithBuckets(buckets []float64) Option {
	return func(c *config) {
		c.buckets = buckets
	}
}

// Metrics implements beacon.Metrics.
type Metrics struct {
	sendDuration prometheus.Histogram
	delivered    prometheus.Counter
	retries      *prometheus.CounterVec
	evicted      prometheus.Counter
	discarded    prometheus.Counter
	queueDepth   prometheus.Gauge
}

var _ beacon.Metrics = (*Metrics)(nil)

// New creates and registers the collectors. It returns an error when a
// collector with the same name is already registered.
func New(opts ...Option) (*Metrics, error) {
	cfg := config{
		namespace:  defaultNamespace,
		registerer: prometheus.DefaultRegisterer,
		buckets:    prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.namespace,
			Name:        "send_duration_seconds",
			Help:        "Duration of delivery network calls in seconds.",
			ConstLabels: cfg.constLabels,
			Buckets:     cfg.buckets,
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "delivered_total",
			Help:        "Requests accepted by the server.",
			ConstLabels: cfg.constLabels,
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "retries_total",
			Help:        "Delivery attempts that left the request queued, by outcome.",
			ConstLabels: cfg.constLabels,
		}, []string{"outcome"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "evicted_total",
			Help:        "Requests dropped because the queue was full.",
			ConstLabels: cfg.constLabels,
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        "discarded_total",
			Help:        "Requests dropped without sending.",
			ConstLabels: cfg.constLabels,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.namespace,
			Name:        "queue_depth",
			Help:        "Requests currently queued.",
			ConstLabels: cfg.constLabels,
		}),
	}

	if cfg.registerer != nil {
		for _, c := range m.collectors() {
			if err := cfg.registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// MustNew is New that panics on registration errors.
func MustNew(opts ...Option) *Metrics {
	m, err := New(opts...)
	if err != nil {
		panic(err)
	}

	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.sendDuration, m.delivered, m.retries, m.evicted, m.discarded, m.queueDepth}
}

// ObserveSendDuration implements beacon.Metrics.
func (m *Metrics) ObserveSendDuration(d time.Duration) {
	m.sendDuration.Observe(d.Seconds())
}

// AddDelivered implements beacon.Metrics.
func (m *Metrics) AddDelivered(count int) {
	m.delivered.Add(float64(count))
}

// AddRetry implements beacon.Metrics.
func (m *Metrics) AddRetry(outcome beacon.Outcome) {
	m.retries.WithLabelValues(outcome.String()).Inc()
}

// AddEvicted implements beacon.Metrics.
func (m *Metrics) AddEvicted(count int) {
	m.evicted.Add(float64(count))
}

// AddDiscarded implements beacon.Metrics.
func (m *Metrics) AddDiscarded(count int) {
	m.discarded.Add(float64(count))
}

// SetQueueDepth implements beacon.Metrics.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
