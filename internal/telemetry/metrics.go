package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_engine_transitions_total",
		Help: "Accepted transaction state transitions.",
	}, []string{"from", "to"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_engine_gateway_errors_total",
		Help: "Normalized gateway errors by country and category.",
	}, []string{"country", "category"})

	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_engine_sweep_runs_total",
		Help: "Completed scheduler sweep executions.",
	}, []string{"sweep"})

	SweepItemErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_engine_sweep_item_errors_total",
		Help: "Per-item failures inside scheduler sweeps.",
	}, []string{"sweep"})

	WebhookAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_engine_webhook_attempts_total",
		Help: "Outbound webhook delivery attempts by outcome.",
	}, []string{"outcome"})
)
