package alerting

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Hooks are optional callbacks the core invokes at instrumented points. The
// zero value does nothing.
type Hooks struct {
	OnRun            func(status string, duration time.Duration)
	OnTransition     func(to ViolationState)
	OnRuleFailure    func(reason string)
	OnDedup          func(action DedupAction)
	OnDelivery       func(channel string, state AttemptState, attempts int, duration time.Duration)
	OnFailedDelivery func()
	OnStorageRetry   func(op string)
	OnReload         func(ok bool)
}

func (h Hooks) run(status string, d time.Duration) {
	if h.OnRun != nil {
		h.OnRun(status, d)
	}
}

func (h Hooks) transition(to ViolationState) {
	if h.OnTransition != nil {
		h.OnTransition(to)
	}
}

func (h Hooks) ruleFailure(reason string) {
	if h.OnRuleFailure != nil {
		h.OnRuleFailure(reason)
	}
}

func (h Hooks) dedup(a DedupAction) {
	if h.OnDedup != nil {
		h.OnDedup(a)
	}
}

func (h Hooks) delivery(channel string, state AttemptState, attempts int, d time.Duration) {
	if h.OnDelivery != nil {
		h.OnDelivery(channel, state, attempts, d)
	}
}

func (h Hooks) failedDelivery() {
	if h.OnFailedDelivery != nil {
		h.OnFailedDelivery()
	}
}

func (h Hooks) storageRetry(op string) {
	if h.OnStorageRetry != nil {
		h.OnStorageRetry(op)
	}
}

func (h Hooks) reload(ok bool) {
	if h.OnReload != nil {
		h.OnReload(ok)
	}
}

// Metrics holds Prometheus metrics for the alerting pipeline.
type Metrics struct {
	RunsTotal           *prometheus.CounterVec
	RunDuration         prometheus.Histogram
	TransitionsTotal    *prometheus.CounterVec
	RuleFailuresTotal   *prometheus.CounterVec
	DedupDecisionsTotal *prometheus.CounterVec
	DeliveriesTotal     *prometheus.CounterVec
	DeliveryAttempts    *prometheus.HistogramVec
	DeliveryDuration    *prometheus.HistogramVec
	FailedDeliveryTotal prometheus.Counter
	StorageErrorsTotal  *prometheus.CounterVec
	PolicyReloadsTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns alerting metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_runs_total",
			Help: "Total pipeline runs by outcome.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_violation_transitions_total",
			Help: "Violation lifecycle transitions by target state.",
		}, []string{"state"}),
		RuleFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_rule_failures_total",
			Help: "Rule evaluations that failed safe, by reason.",
		}, []string{"reason"}),
		DedupDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_dedup_decisions_total",
			Help: "Dedup decisions by action.",
		}, []string{"action"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_deliveries_total",
			Help: "Per-channel delivery outcomes.",
		}, []string{"channel", "state"}),
		DeliveryAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_delivery_attempts",
			Help:    "Send attempts per channel delivery.",
			Buckets: prometheus.LinearBuckets(1, 1, 6), // 1 .. 6
		}, []string{"channel"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_delivery_duration_seconds",
			Help:    "Time from first attempt to final state per channel delivery.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"channel"}),
		FailedDeliveryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_failed_delivery_total",
			Help: "Alerts for which every channel exhausted retries.",
		}),
		StorageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_storage_errors_total",
			Help: "Failed storage operations by operation.",
		}, []string{"op"}),
		PolicyReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_policy_reloads_total",
			Help: "Policy reload attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.TransitionsTotal,
		m.RuleFailuresTotal,
		m.DedupDecisionsTotal,
		m.DeliveriesTotal,
		m.DeliveryAttempts,
		m.DeliveryDuration,
		m.FailedDeliveryTotal,
		m.StorageErrorsTotal,
		m.PolicyReloadsTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnRun: func(status string, d time.Duration) {
			m.RunsTotal.WithLabelValues(status).Inc()
			m.RunDuration.Observe(d.Seconds())
		},
		OnTransition: func(to ViolationState) {
			m.TransitionsTotal.WithLabelValues(string(to)).Inc()
		},
		OnRuleFailure: func(reason string) {
			m.RuleFailuresTotal.WithLabelValues(reason).Inc()
		},
		OnDedup: func(a DedupAction) {
			m.DedupDecisionsTotal.WithLabelValues(string(a)).Inc()
		},
		OnDelivery: func(channel string, state AttemptState, attempts int, d time.Duration) {
			m.DeliveriesTotal.WithLabelValues(channel, string(state)).Inc()
			m.DeliveryAttempts.WithLabelValues(channel).Observe(float64(attempts))
			m.DeliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
		},
		OnFailedDelivery: func() {
			m.FailedDeliveryTotal.Inc()
		},
		OnStorageRetry: func(op string) {
			m.StorageErrorsTotal.WithLabelValues(op).Inc()
		},
		OnReload: func(ok bool) {
			result := "ok"
			if !ok {
				result = "rejected"
			}
			m.PolicyReloadsTotal.WithLabelValues(result).Inc()
		},
	}
}
