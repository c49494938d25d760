package delivery

import (
	"time"

	"github.com/bissquit/sms-relay/internal/pkg/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smsrelay"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queue entries by status",
		},
		[]string{"status"},
	)

	entriesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total entries enqueued",
		},
		[]string{"queue"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "sends_total",
			Help:      "Provider send attempts by result",
		},
		[]string{"result"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "send_duration_seconds",
			Help:      "Time spent in provider send calls",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	callbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callbacks",
			Name:      "received_total",
			Help:      "Delivery callbacks by outcome and handling result",
		},
		[]string{"outcome", "result"},
	)

	retriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retries_scheduled_total",
			Help:      "Total retry jobs handed to the scheduler",
		},
	)

	terminalFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "terminal_failures_total",
			Help:      "Entries that reached terminal failed status",
		},
	)

	sweeperReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "reconciled_total",
			Help:      "Stalled entries reconciled by the sweeper by outcome",
		},
		[]string{"outcome"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

func recordSend(result string, duration time.Duration) {
	sendsTotal.WithLabelValues(result).Inc()
	sendDuration.Observe(duration.Seconds())
}

func recordCallback(outcome Outcome, result string) {
	callbacksTotal.WithLabelValues(string(outcome), result).Inc()
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	queueSize.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(StatusSent)).Set(float64(stats.Sent))
	queueSize.WithLabelValues(string(StatusDelivered)).Set(float64(stats.Delivered))
	queueSize.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
	queueSize.WithLabelValues(string(StatusCancelled)).Set(float64(stats.Cancelled))
}

// RecordBreakerState updates the breaker state gauge.
func RecordBreakerState(name string, state breaker.State) {
	breakerState.WithLabelValues(name).Set(float64(state))
}
