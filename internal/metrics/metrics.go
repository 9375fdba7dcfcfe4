// Package metrics exposes Prometheus collectors for the wizard runtime.
// Collectors register on the default registry and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Runs
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizard_runs_total",
			Help: "Wizard runs by wizard, channel and outcome (completed, failed, rejected, sandbox)",
		},
		[]string{"wizard", "channel", "outcome"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wizard_run_duration_seconds",
			Help:    "Wall time of wizard runs, admission to result",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		},
		[]string{"wizard"},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizard_routing_decisions_total",
			Help: "Model policy decisions by reason",
		},
		[]string{"reason", "provider"},
	)

	// Providers
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizard_provider_requests_total",
			Help: "Provider adapter calls by status",
		},
		[]string{"provider", "model", "status"},
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wizard_provider_request_duration_seconds",
			Help:    "Provider call latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider", "model"},
	)

	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizard_tokens_total",
			Help: "Tokens consumed by provider, model and direction",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	CostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizard_cost_usd_total",
			Help: "Recorded spend in USD",
		},
		[]string{"provider", "model"},
	)

	// Budget
	BudgetSpentUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wizard_budget_spent_usd",
			Help: "Month-to-date spend observed at the last budget check",
		},
		[]string{"tenant"},
	)

	BudgetRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizard_budget_rejections_total",
			Help: "Runs rejected because the monthly ceiling was exceeded",
		},
		[]string{"plan"},
	)

	// Telegram
	TelegramUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizard_telegram_updates_total",
			Help: "Telegram webhook updates by outcome",
		},
		[]string{"outcome"},
	)

	TelegramMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizard_telegram_messages_sent_total",
			Help: "Outbound Telegram sendMessage calls by status",
		},
		[]string{"status"},
	)
)
