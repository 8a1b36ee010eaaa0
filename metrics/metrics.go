package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "periodontal"
	subsystem = "analyzer"
)

var (
	once sync.Once

	// ClassificationAttemptsTotal counts remote classification attempts by outcome
	// (success, transient, permanent).
	ClassificationAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "classification_attempts_total",
		Help:      "Total number of remote classification attempts, labeled by result.",
	}, []string{"result"})

	// ClassificationRetriesTotal counts delays taken before a new attempt.
	ClassificationRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "classification_retries_total",
		Help:      "Total number of classification retries after a transient failure.",
	})

	// ItemsInFlight is the current number of item pipelines that have not reached a terminal state.
	ItemsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "items_in_flight",
		Help:      "Current number of image pipelines still running.",
	})

	// ItemsFinishedTotal counts item pipelines by terminal status.
	ItemsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "items_finished_total",
		Help:      "Total number of image pipelines that reached a terminal state, labeled by status.",
	}, []string{"status"})

	// ItemDurationSeconds is the end-to-end time of one item pipeline.
	ItemDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "item_duration_seconds",
		Help:      "Time from admission to terminal state for one image.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120},
	}, []string{"status"})

	// StaleUpdatesTotal counts item updates dropped because their batch was cleared or replaced.
	StaleUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "stale_updates_total",
		Help:      "Total number of item updates discarded because they belonged to an older batch generation.",
	})

	// SummariesTotal counts summary requests by outcome.
	SummariesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "summaries_total",
		Help:      "Total number of summary requests, labeled by result.",
	}, []string{"result"})

	// StreamClients is the number of connected websocket clients.
	StreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "stream_clients",
		Help:      "Current number of websocket clients following item updates.",
	})

	// EventPublishErrorsTotal counts failed RabbitMQ publishes of finished items.
	EventPublishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "event_publish_errors_total",
		Help:      "Total number of item events that could not be published.",
	})
)

// Register registers analyzer metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ClassificationAttemptsTotal,
			ClassificationRetriesTotal,
			ItemsInFlight,
			ItemsFinishedTotal,
			ItemDurationSeconds,
			StaleUpdatesTotal,
			SummariesTotal,
			StreamClients,
			EventPublishErrorsTotal,
		)
	})
}
