package actor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the runtime. Labels are kept to the actor
// name (not id) so respawns and reconfigurations aggregate into one series.
var (
	actorsAlive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "troupe",
		Name:      "actors_alive",
		Help:      "Number of live actor endpoints by mode.",
	}, []string{"mode"})

	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troupe",
		Name:      "messages_processed_total",
		Help:      "Messages processed by in-memory behaviors.",
	}, []string{"actor"})

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troupe",
		Name:      "messages_dropped_overload_total",
		Help:      "Messages rejected by the overload admission gate.",
	}, []string{"actor"})

	handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troupe",
		Name:      "handler_errors_total",
		Help:      "Handler invocations that returned an error.",
	}, []string{"actor"})

	processingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "troupe",
		Name:      "message_processing_seconds",
		Help:      "Time spent inside topic handlers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"actor"})

	respawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troupe",
		Name:      "respawns_total",
		Help:      "Successful endpoint respawns after a crash.",
	}, []string{"actor"})
)
