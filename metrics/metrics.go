package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "supplychain"

// Outcomes of a ledger call.
const (
	OutcomeCommitted = "committed"
	OutcomeReverted  = "reverted"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeAbandoned = "abandoned"
)

// Metrics holds the collectors of the client core. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	LedgerCalls          *prometheus.CounterVec
	LedgerCallDuration   *prometheus.HistogramVec
	EventsObserved       *prometheus.CounterVec
	EventsDiscarded      prometheus.Counter
	Resubscriptions      prometheus.Counter
	SubscriptionFailures prometheus.Counter
	HistoryLength        prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LedgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "calls_total",
			Help:      "Contract calls broadcast to the ledger, by operation and outcome.",
		}, []string{"op", "outcome"}),
		LedgerCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Time from broadcast until the commit receipt arrived.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		EventsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Contract events appended to the transaction history.",
		}, []string{"event"}),
		EventsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "stale_events_total",
			Help:      "Events dropped because they belonged to a replaced subscription.",
		}),
		Resubscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "resubscriptions_total",
			Help:      "Subscriptions opened after the first one of a session.",
		}),
		SubscriptionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "subscription_failures_total",
			Help:      "Failed subscribe attempts and dropped event streams.",
		}),
		HistoryLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "history_length",
			Help:      "Entries in the current session's transaction history.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.LedgerCalls,
			m.LedgerCallDuration,
			m.EventsObserved,
			m.EventsDiscarded,
			m.Resubscriptions,
			m.SubscriptionFailures,
			m.HistoryLength,
		)
	}
	return m
}

func (m *Metrics) ObserveCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.LedgerCalls.WithLabelValues(op, outcome).Inc()
	m.LedgerCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveEvent(name string, historyLen int) {
	if m == nil {
		return
	}
	m.EventsObserved.WithLabelValues(name).Inc()
	m.HistoryLength.Set(float64(historyLen))
}

func (m *Metrics) ObserveStale() {
	if m == nil {
		return
	}
	m.EventsDiscarded.Inc()
}

func (m *Metrics) ObserveResubscribe() {
	if m == nil {
		return
	}
	m.Resubscriptions.Inc()
}

func (m *Metrics) ObserveSubscriptionFailure() {
	if m == nil {
		return
	}
	m.SubscriptionFailures.Inc()
}

func (m *Metrics) ResetHistory() {
	if m == nil {
		return
	}
	m.HistoryLength.Set(0)
}
