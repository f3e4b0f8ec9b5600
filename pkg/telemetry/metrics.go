package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swarmchat"

var (
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Push frames decoded, by channel slot and event name.",
	}, []string{"slot", "event"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Push frames discarded before reaching the store.",
	}, []string{"slot", "reason"})

	DuplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_duplicate_total",
		Help:      "Messages ignored because their id was already in the log.",
	})

	SuspectedRedeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_suspected_redelivery_total",
		Help:      "Messages with a new id whose content, sender, subgroup and timestamp match an existing entry.",
	})

	PollRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_requests_total",
		Help:      "Reconciliation poll requests by target and outcome.",
	}, []string{"target", "outcome"})

	LiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_connections_live",
		Help:      "Push connection handles currently open, by slot.",
	}, []string{"slot"})

	SendsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_sends_dropped_total",
		Help:      "Outbound chat frames dropped because the chat channel was not open.",
	})

	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "phase_transitions_total",
		Help:      "Phase transition requests by source, target and outcome.",
	}, []string{"from", "to", "outcome"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "REST calls to the session service by operation and outcome.",
	}, []string{"op", "outcome"})

	APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_seconds",
		Help:      "REST call latency by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	Anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_anomalies_total",
		Help:      "Payloads the store refused, by kind.",
	}, []string{"kind"})
)

// Outcome labels a request result.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
