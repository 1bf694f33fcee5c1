// Package observability provides Prometheus metrics, health endpoints,
// structured logging and OpenTelemetry tracing for Gatekeeper.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatekeeper"

// Fault stages reported by IncFault.
const (
	StageResolve = "resolve"
	StageConsume = "consume"
	StageConfig  = "config"
	StagePanic   = "panic"
)

// Metrics keeps Prometheus collectors for scraping and atomic mirrors of the
// admission counters so tests and the hot path can read them cheaply.
type Metrics struct {
	admitted    atomic.Int64
	rejected    atomic.Int64
	faults      atomic.Int64
	storeErrors atomic.Int64
	members     atomic.Int64
	anonymous   atomic.Int64
	tokenErrors atomic.Int64
	evicted     atomic.Int64
	dropped     atomic.Int64

	promAdmitted      prometheus.Counter
	promRejected      prometheus.Counter
	promFaults        *prometheus.CounterVec
	promStoreErrors   prometheus.Counter
	promIdentities    *prometheus.CounterVec
	promTokenInvalid  *prometheus.CounterVec
	promLogins        *prometheus.CounterVec
	promBucketsActive prometheus.Gauge
	promBucketsEvict  prometheus.Counter
	promEventsDropped prometheus.Counter

	// PromRequestDuration covers the full request including the backend.
	PromRequestDuration *prometheus.HistogramVec
	// PromAdmitDuration covers only resolve + consume.
	PromAdmitDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		promAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_admitted_total",
			Help:      "Requests admitted by the gate.",
		}),
		promRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Requests rejected because the caller's bucket was empty.",
		}),
		promFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_faults_total",
			Help:      "Requests failed closed because the gate could not reach a decision.",
		}, []string{"stage"}),
		promStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Bucket store errors, including timeouts.",
		}),
		promIdentities: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identities_resolved_total",
			Help:      "Resolved rate-limit keys by kind.",
		}, []string{"kind"}),
		promTokenInvalid: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_invalid_total",
			Help:      "Bearer tokens that failed validation, by reason.",
		}, []string{"reason"}),
		promLogins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		promBucketsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buckets_active",
			Help:      "Token buckets currently held in memory.",
		}),
		promBucketsEvict: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_evicted_total",
			Help:      "Idle token buckets removed by the sweeper.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Admission events discarded because the event buffer was full.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromAdmitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_duration_seconds",
			Help:      "Time spent resolving identity and consuming a token.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"decision"}),
	}
}

// IncAdmitted counts an admitted request.
func (m *Metrics) IncAdmitted() {
	m.admitted.Add(1)
	m.promAdmitted.Inc()
}

// IncRejected counts a rate-limited request.
func (m *Metrics) IncRejected() {
	m.rejected.Add(1)
	m.promRejected.Inc()
}

// IncFault counts a fail-closed request at the given stage.
func (m *Metrics) IncFault(stage string) {
	m.faults.Add(1)
	m.promFaults.WithLabelValues(stage).Inc()
}

// IncStoreErrors counts a bucket store error.
func (m *Metrics) IncStoreErrors() {
	m.storeErrors.Add(1)
	m.promStoreErrors.Inc()
}

// IncIdentity counts a resolved key. kind is "member" or "anonymous".
func (m *Metrics) IncIdentity(kind string) {
	if kind == "member" {
		m.members.Add(1)
	} else {
		m.anonymous.Add(1)
	}
	m.promIdentities.WithLabelValues(kind).Inc()
}

// IncTokenInvalid counts a rejected bearer token.
func (m *Metrics) IncTokenInvalid(reason string) {
	m.tokenErrors.Add(1)
	m.promTokenInvalid.WithLabelValues(reason).Inc()
}

// IncLogin counts a login attempt outcome.
func (m *Metrics) IncLogin(result string) {
	m.promLogins.WithLabelValues(result).Inc()
}

// SetBucketsActive publishes the in-memory bucket count.
func (m *Metrics) SetBucketsActive(n int) {
	m.promBucketsActive.Set(float64(n))
}

// AddBucketsEvicted counts buckets removed by a sweep.
func (m *Metrics) AddBucketsEvicted(n int) {
	if n <= 0 {
		return
	}
	m.evicted.Add(int64(n))
	m.promBucketsEvict.Add(float64(n))
}

// IncEventsDropped counts an admission event lost to buffer overflow.
func (m *Metrics) IncEventsDropped() {
	m.dropped.Add(1)
	m.promEventsDropped.Inc()
}

// MetricsSnapshot is a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Admitted       int64
	Rejected       int64
	Faults         int64
	StoreErrors    int64
	Members        int64
	Anonymous      int64
	TokenInvalid   int64
	BucketsEvicted int64
	EventsDropped  int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Admitted:       m.admitted.Load(),
		Rejected:       m.rejected.Load(),
		Faults:         m.faults.Load(),
		StoreErrors:    m.storeErrors.Load(),
		Members:        m.members.Load(),
		Anonymous:      m.anonymous.Load(),
		TokenInvalid:   m.tokenErrors.Load(),
		BucketsEvicted: m.evicted.Load(),
		EventsDropped:  m.dropped.Load(),
	}
}
