// Package metrics exposes the engine's Prometheus instrumentation. All
// collectors are registered on the default registry and served by the
// operator API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollTicks counts poller ticks by outcome (completed, skipped, failed).
	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalswap_poll_ticks_total",
		Help: "Poller ticks by outcome.",
	}, []string{"outcome"})

	// PollTickDuration observes wall time per tick.
	PollTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalswap_poll_tick_duration_seconds",
		Help:    "Wall time of one full poller tick.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// RulesEvaluated counts rule evaluations by verdict (triggered, skipped).
	RulesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalswap_rules_evaluated_total",
		Help: "Rule evaluations by verdict.",
	}, []string{"verdict"})

	// MarketFetches counts market quote fetches by result (ok, error).
	MarketFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalswap_market_fetches_total",
		Help: "Market quote fetches by result.",
	}, []string{"result"})

	// Executions counts coordinator runs by outcome
	// (success, failure, skipped_lock, skipped_killswitch, reconciled).
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalswap_executions_total",
		Help: "Rule executions by outcome.",
	}, []string{"outcome"})

	// ExecutionDuration observes end-to-end execution time, confirmation
	// included.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalswap_execution_duration_seconds",
		Help:    "End-to-end rule execution time.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// DLQMoves counts executions moved to the dead-letter queue.
	DLQMoves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalswap_dlq_moves_total",
		Help: "Executions moved to the dead-letter queue.",
	})

	// WebhookDeliveries counts webhook deliveries by kind and result.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalswap_webhook_deliveries_total",
		Help: "Webhook deliveries by kind and result.",
	}, []string{"kind", "result"})

	// KillSwitchEngaged is 1 while execution is disabled.
	KillSwitchEngaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalswap_kill_switch_engaged",
		Help: "1 while the execution kill switch is engaged.",
	})

	// LocksHeld tracks lock rows currently held by this process.
	LocksHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalswap_locks_held",
		Help: "Rule locks currently held by this process.",
	})
)
