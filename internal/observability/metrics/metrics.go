package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the governance pipeline's operational signals.
type Metrics struct {
	admissionTotal      *prometheus.CounterVec
	overageTotal        *prometheus.CounterVec
	decisionTransitions *prometheus.CounterVec
	dispatchTotal       *prometheus.CounterVec
	dispatchDuration    prometheus.Histogram
	dlqDepth            prometheus.Gauge
	outboxDepth         prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		admissionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intellipm",
			Subsystem: "governance",
			Name:      "admission_total",
			Help:      "AI admission-control outcomes by result and reason.",
		}, []string{"result", "reason"}),
		overageTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intellipm",
			Subsystem: "governance",
			Name:      "quota_overage_total",
			Help:      "Allowed requests that exceeded the base limit on overage tiers.",
		}, []string{"quota_type"}),
		decisionTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intellipm",
			Subsystem: "governance",
			Name:      "decision_transitions_total",
			Help:      "Approval state machine transitions by target state.",
		}, []string{"to"}),
		dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intellipm",
			Subsystem: "outbox",
			Name:      "dispatch_total",
			Help:      "Outbox delivery attempts by result.",
		}, []string{"result"}),
		dispatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "intellipm",
			Subsystem: "outbox",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent delivering a single outbox message.",
			Buckets:   prometheus.DefBuckets,
		}),
		dlqDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "intellipm",
			Subsystem: "outbox",
			Name:      "dlq_depth",
			Help:      "Messages currently quarantined in the dead-letter store.",
		}),
		outboxDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "intellipm",
			Subsystem: "outbox",
			Name:      "pending_depth",
			Help:      "Messages currently pending dispatch.",
		}),
	}
}

func (m *Metrics) IncAdmission(result, reason string) {
	if m == nil {
		return
	}
	m.admissionTotal.WithLabelValues(result, reason).Inc()
}

func (m *Metrics) IncOverage(quotaType string) {
	if m == nil {
		return
	}
	m.overageTotal.WithLabelValues(quotaType).Inc()
}

func (m *Metrics) IncDecisionTransition(to string) {
	if m == nil {
		return
	}
	m.decisionTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) IncDispatch(result string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDispatchDuration(seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(seconds)
}

func (m *Metrics) SetDLQDepth(depth float64) {
	if m == nil {
		return
	}
	m.dlqDepth.Set(depth)
}

func (m *Metrics) SetOutboxDepth(depth float64) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(depth)
}
