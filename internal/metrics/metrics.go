// Package metrics holds the Prometheus counters for the response pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the responder.
type Metrics struct {
	EventsTotal          prometheus.Counter
	EventsRejectedTotal  prometheus.Counter
	ActionsAutoTotal     prometheus.Counter
	ActionsDeferredTotal prometheus.Counter
	ActionsFailedTotal   prometheus.Counter
	NotifyErrorsTotal    prometheus.Counter
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return &Metrics{
		EventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "responder_events_total",
			Help: "Total number of security events ingested",
		}),
		EventsRejectedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "responder_events_rejected_total",
			Help: "Total number of events rejected before ingestion",
		}),
		ActionsAutoTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "responder_actions_auto_executed_total",
			Help: "Total number of actions executed without verification",
		}),
		ActionsDeferredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "responder_actions_deferred_total",
			Help: "Total number of actions deferred for human verification",
		}),
		ActionsFailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "responder_actions_failed_total",
			Help: "Total number of actions that finished in the failed state",
		}),
		NotifyErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "responder_notify_errors_total",
			Help: "Total number of notification channel failures",
		}),
	}
}

// The increment helpers are nil-safe so one-shot CLI invocations can run
// without a metrics registry.

// IncEvents increments responder_events_total.
func (m *Metrics) IncEvents() {
	if m != nil {
		m.EventsTotal.Inc()
	}
}

// IncEventsRejected increments responder_events_rejected_total.
func (m *Metrics) IncEventsRejected() {
	if m != nil {
		m.EventsRejectedTotal.Inc()
	}
}

// IncActionsAuto increments responder_actions_auto_executed_total.
func (m *Metrics) IncActionsAuto() {
	if m != nil {
		m.ActionsAutoTotal.Inc()
	}
}

// IncActionsDeferred increments responder_actions_deferred_total.
func (m *Metrics) IncActionsDeferred() {
	if m != nil {
		m.ActionsDeferredTotal.Inc()
	}
}

// IncActionsFailed increments responder_actions_failed_total.
func (m *Metrics) IncActionsFailed() {
	if m != nil {
		m.ActionsFailedTotal.Inc()
	}
}

// IncNotifyErrors increments responder_notify_errors_total.
func (m *Metrics) IncNotifyErrors() {
	if m != nil {
		m.NotifyErrorsTotal.Inc()
	}
}
