// Package metrics exposes Prometheus counters for the marketplace workflows.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeSuccess      = "success"
	OutcomeInvalid      = "invalid"
	OutcomeNotFound     = "not_found"
	OutcomeConflict     = "conflict"
	OutcomeFailed       = "failed"
	OutcomeCompensated  = "compensated"
	OutcomeInconsistent = "inconsistent"
)

// Workflow holds the marketplace counters.
// All methods are nil-safe: calls on a nil *Workflow are no-ops.
type Workflow struct {
	decisions      *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	purchases      *prometheus.CounterVec
	tokensCredited prometheus.Counter
	storageCleanup *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
}

// NewWorkflow creates the counters and registers them with reg.
// If reg is nil, metrics are created but not registered.
func NewWorkflow(reg prometheus.Registerer) *Workflow {
	m := &Workflow{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamarket",
			Subsystem: "review",
			Name:      "decisions_total",
			Help:      "Administrator decisions on uploads by action and outcome",
		}, []string{"action", "outcome"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamarket",
			Subsystem: "uploads",
			Name:      "created_total",
			Help:      "Upload records created by outcome",
		}, []string{"outcome"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamarket",
			Subsystem: "purchases",
			Name:      "recorded_total",
			Help:      "Purchases recorded by outcome",
		}, []string{"outcome"}),
		tokensCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datamarket",
			Subsystem: "wallet",
			Name:      "tokens_credited_total",
			Help:      "Tokens credited to contributor wallets",
		}),
		storageCleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamarket",
			Subsystem: "storage",
			Name:      "cleanup_total",
			Help:      "Object deletions after rejection by outcome",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamarket",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter per route",
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.decisions,
			m.uploads,
			m.purchases,
			m.tokensCredited,
			m.storageCleanup,
			m.rateLimited,
		)
	}
	return m
}

// ObserveDecision counts an approve or reject call.
func (m *Workflow) ObserveDecision(action, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, outcome).Inc()
}

// ObserveUpload counts an upload creation attempt.
func (m *Workflow) ObserveUpload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

// ObservePurchase counts a purchase attempt.
func (m *Workflow) ObservePurchase(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

// AddTokensCredited adds n credited tokens.
func (m *Workflow) AddTokensCredited(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensCredited.Add(float64(n))
}

// ObserveStorageCleanup counts a best-effort object deletion.
func (m *Workflow) ObserveStorageCleanup(outcome string) {
	if m == nil {
		return
	}
	m.storageCleanup.WithLabelValues(outcome).Inc()
}

// ObserveRateLimited counts a throttled request.
func (m *Workflow) ObserveRateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}
