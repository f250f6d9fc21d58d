// Package metrics provides Prometheus instrumentation for entitlement
// decisions, session transitions and usage sync.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcourtman/tiergate/pkg/licensing"
)

const namespace = "tiergate"

// Session events.
const (
	EventLogin           = "login"
	EventLoginFailed     = "login_failed"
	EventLogout          = "logout"
	EventRehydrated      = "rehydrated"
	EventRehydrateFailed = "rehydrate_failed"
	EventDiscarded       = "stale_result_discarded"
)

// Metrics holds every collector the core reports. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	decisionsTotal   *prometheus.CounterVec
	panicsTotal      *prometheus.CounterVec
	counterSyncTotal *prometheus.CounterVec
	planUpdatesTotal *prometheus.CounterVec
	sessionTotal     *prometheus.CounterVec
}

var (
	defaultInstance *Metrics
	defaultOnce     sync.Once
)

// Default returns the instance registered with the default registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultInstance = New(prometheus.DefaultRegisterer)
	})
	return defaultInstance
}

// New creates and registers the collectors. Collectors that are already
// registered are reused.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "entitlements",
				Name:      "decisions_total",
				Help:      "Total entitlement decisions by feature, result and reason",
			},
			[]string{"feature", "result", "reason"},
		),
		panicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "entitlements",
				Name:      "evaluation_panics_total",
				Help:      "Total recovered panics during evaluation by operation",
			},
			[]string{"operation"},
		),
		counterSyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "counter_sync_total",
				Help:      "Total usage counter increments by counter and result",
			},
			[]string{"counter", "result"},
		),
		planUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "plan_updates_total",
				Help:      "Total plan update attempts by target tier and result",
			},
			[]string{"tier", "result"},
		),
		sessionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "events_total",
				Help:      "Total session lifecycle events",
			},
			[]string{"event"},
		),
	}

	m.decisionsTotal = registerCounterVec(registerer, m.decisionsTotal)
	m.panicsTotal = registerCounterVec(registerer, m.panicsTotal)
	m.counterSyncTotal = registerCounterVec(registerer, m.counterSyncTotal)
	m.planUpdatesTotal = registerCounterVec(registerer, m.planUpdatesTotal)
	m.sessionTotal = registerCounterVec(registerer, m.sessionTotal)

	return m
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return counter
}

func defaultLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordDecision records the outcome of a feature check.
func (m *Metrics) RecordDecision(d licensing.Decision) {
	if m == nil {
		return
	}
	result := "denied"
	if d.Allowed {
		result = "allowed"
	}
	m.decisionsTotal.WithLabelValues(defaultLabel(string(d.Feature)), result, defaultLabel(string(d.Reason))).Inc()
}

// RecordPanic records a recovered evaluation panic.
func (m *Metrics) RecordPanic(operation string) {
	if m == nil {
		return
	}
	m.panicsTotal.WithLabelValues(defaultLabel(operation)).Inc()
}

// RecordCounterSync records an increment attempt.
func (m *Metrics) RecordCounterSync(counter licensing.Counter, ok bool) {
	if m == nil {
		return
	}
	m.counterSyncTotal.WithLabelValues(defaultLabel(string(counter)), resultLabel(ok)).Inc()
}

// RecordPlanUpdate records a plan change attempt.
func (m *Metrics) RecordPlanUpdate(tier licensing.Tier, ok bool) {
	if m == nil {
		return
	}
	m.planUpdatesTotal.WithLabelValues(defaultLabel(string(tier)), resultLabel(ok)).Inc()
}

// RecordSessionEvent records a session lifecycle event.
func (m *Metrics) RecordSessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionTotal.WithLabelValues(defaultLabel(event)).Inc()
}
