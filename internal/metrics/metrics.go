package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dialer's collectors. A nil *Metrics is valid and records nothing,
// so services can be constructed without a registry in tests.
type Metrics struct {
	LedgerOpsTotal     *prometheus.CounterVec   // by op, result
	LedgerOpDuration   *prometheus.HistogramVec // by op
	LockConflictsTotal *prometheus.CounterVec   // by op
	GiftedSecondsTotal prometheus.Counter
	WebhooksTotal      *prometheus.CounterVec // by type, result
	DispatchesTotal    *prometheus.CounterVec // by result
	FreezesTotal       prometheus.Counter
	UnfreezesTotal     prometheus.Counter
	DirectoryLookups   *prometheus.CounterVec // by source: cache/remote/error
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LedgerOpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialer_ledger_operations_total",
				Help: "Credit ledger mutations by operation and result",
			},
			[]string{"op", "result"}, // result: ok/no_credits/contention/error
		),
		LedgerOpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dialer_ledger_operation_duration_seconds",
				Help:    "Duration of credit ledger mutations including retries",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"op"},
		),
		LockConflictsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialer_ledger_lock_conflicts_total",
				Help: "Optimistic lock version conflicts",
			},
			[]string{"op"},
		),
		GiftedSecondsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dialer_gifted_seconds_total",
				Help: "Call seconds not charged because they exceeded the balance",
			},
		),
		WebhooksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialer_webhooks_total",
				Help: "Provider webhooks by type and processing result",
			},
			[]string{"type", "result"},
		),
		DispatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialer_dispatches_total",
				Help: "Batch-call submissions by result",
			},
			[]string{"result"},
		),
		FreezesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dialer_calls_frozen_total",
				Help: "Calls suspended for lack of credit",
			},
		),
		UnfreezesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dialer_calls_unfrozen_total",
				Help: "Frozen calls resumed",
			},
		),
		DirectoryLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialer_directory_lookups_total",
				Help: "Practice directory lookups by source",
			},
			[]string{"source"},
		),
	}
}

func (m *Metrics) LedgerOp(op, result string, started time.Time) {
	if m == nil {
		return
	}
	m.LedgerOpsTotal.WithLabelValues(op, result).Inc()
	m.LedgerOpDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) LockConflict(op string) {
	if m == nil {
		return
	}
	m.LockConflictsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) Gifted(seconds int) {
	if m == nil || seconds <= 0 {
		return
	}
	m.GiftedSecondsTotal.Add(float64(seconds))
}

func (m *Metrics) Webhook(typ, result string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Frozen(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FreezesTotal.Add(float64(n))
}

func (m *Metrics) Unfrozen(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UnfreezesTotal.Add(float64(n))
}

func (m *Metrics) DirectoryLookup(source string) {
	if m == nil {
		return
	}
	m.DirectoryLookups.WithLabelValues(source).Inc()
}
