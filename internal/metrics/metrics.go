package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream metrics
	StreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinwise_stream_requests_total",
			Help: "Total advisor stream requests proxied",
		},
		[]string{"status"},
	)

	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinwise_turns_total",
			Help: "Total orchestrated conversation turns",
		},
		[]string{"outcome"}, // "completed", "errored", "stopped"
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinwise_tool_calls_total",
			Help: "Total tool calls resolved by the dispatcher",
		},
		[]string{"kind"}, // "ui_action" or "data_fetch"
	)

	// Delivery queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coinwise_delivery_queue_depth",
			Help: "Messages pending durable persistence across all conversations",
		},
	)

	DeliveryRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coinwise_delivery_retries_total",
			Help: "Total persistence attempts that failed and were retried",
		},
	)

	DeadLetteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coinwise_delivery_dead_lettered_total",
			Help: "Total messages moved to the dead-letter list",
		},
	)

	MessagesPersistedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coinwise_messages_persisted_total",
			Help: "Total messages confirmed persisted",
		},
	)
)
