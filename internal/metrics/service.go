package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcourtman/tiergate/pkg/licensing"
)

// Token outcomes reported by the identity service.
const (
	TokenIssued   = "issued"
	TokenRejected = "rejected"
)

// ServiceMetrics instruments the identity service side: HTTP traffic, token
// issuance and the counter and plan mutations it applies. A nil
// *ServiceMetrics records nothing.
type ServiceMetrics struct {
	requestDuration  *prometheus.HistogramVec
	requestsTotal    *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	incrementsTotal  *prometheus.CounterVec
	planChangesTotal *prometheus.CounterVec
	denialsTotal     *prometheus.CounterVec
}

// NewService creates and registers the identity service collectors.
// Collectors that are already registered are reused.
func NewService(registerer prometheus.Registerer) *ServiceMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &ServiceMetrics{
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "identity_http",
				Name:      "request_duration_seconds",
				Help:      "Identity service request duration by method, route and status",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route", "status"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity_http",
				Name:      "requests_total",
				Help:      "Total identity service requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "tokens_total",
				Help:      "Total token requests by outcome",
			},
			[]string{"result"},
		),
		incrementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "counter_increments_total",
				Help:      "Total counter increments received by counter and whether they were applied or deduplicated",
			},
			[]string{"counter", "result"},
		),
		planChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "plan_changes_total",
				Help:      "Total plan changes applied by target tier",
			},
			[]string{"tier"},
		),
		denialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "feature_denials_total",
				Help:      "Total gated feature requests answered with 402, by feature and reason",
			},
			[]string{"feature", "reason"},
		),
	}

	m.requestDuration = registerHistogramVec(registerer, m.requestDuration)
	m.requestsTotal = registerCounterVec(registerer, m.requestsTotal)
	m.tokensTotal = registerCounterVec(registerer, m.tokensTotal)
	m.incrementsTotal = registerCounterVec(registerer, m.incrementsTotal)
	m.planChangesTotal = registerCounterVec(registerer, m.planChangesTotal)
	m.denialsTotal = registerCounterVec(registerer, m.denialsTotal)

	return m
}

func registerHistogramVec(registerer prometheus.Registerer, histogram *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := registerer.Register(histogram); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return histogram
}

// RecordRequest records one served request.
func (m *ServiceMetrics) RecordRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	route = defaultLabel(route)
	m.requestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	m.requestsTotal.WithLabelValues(method, route, code).Inc()
}

// RecordToken records a token request outcome.
func (m *ServiceMetrics) RecordToken(result string) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues(defaultLabel(result)).Inc()
}

// RecordIncrement records an increment; applied is false for a replayed
// idempotency key.
func (m *ServiceMetrics) RecordIncrement(counter licensing.Counter, applied bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "duplicate"
	}
	m.incrementsTotal.WithLabelValues(defaultLabel(string(counter)), result).Inc()
}

// RecordPlanChange records an applied plan change.
func (m *ServiceMetrics) RecordPlanChange(tier licensing.Tier) {
	if m == nil {
		return
	}
	m.planChangesTotal.WithLabelValues(defaultLabel(string(tier))).Inc()
}

// RecordDenial records a gated request answered with 402.
func (m *ServiceMetrics) RecordDenial(d licensing.Decision) {
	if m == nil {
		return
	}
	m.denialsTotal.WithLabelValues(defaultLabel(string(d.Feature)), defaultLabel(string(d.Reason))).Inc()
}
