package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all delivery-engine metrics
type Metrics struct {
	// Dispatcher metrics
	MessagesDispatched *prometheus.CounterVec
	MessagesFailed     *prometheus.CounterVec
	MessagesDeferred   prometheus.Counter
	MessageRetries     prometheus.Counter
	DispatchDuration   prometheus.Histogram
	AntiSpamDelay      prometheus.Histogram

	// Queue metrics
	QueueDepth        *prometheus.GaugeVec
	QueueRedeliveries prometheus.Counter
	DeadLetters       prometheus.Counter

	// Scheduler metrics
	CampaignsMaterialized prometheus.Counter
	MessagesMaterialized  prometheus.Counter
	ReconciledMessages    prometheus.Counter

	// Health monitor metrics
	ChannelQuarantines prometheus.Counter
	ChannelRestarts    prometheus.Counter
}

// New creates and registers all delivery-engine metrics under a namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		MessagesDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Messages accepted by the provider, by channel",
		}, []string{"channel"}),
		MessagesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages that reached a terminal failure, by error class",
		}, []string{"class"}),
		MessagesDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deferred_total",
			Help:      "Messages deferred by admission control",
		}),
		MessageRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_retries_total",
			Help:      "Transient-failure retries scheduled",
		}),
		DispatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching a single message",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		AntiSpamDelay: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "antispam_delay_seconds",
			Help:      "Randomized delay applied before a send",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current depth of each queue",
		}, []string{"queue"}),
		QueueRedeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_redeliveries_total",
			Help:      "Envelopes redelivered after a handler failure",
		}),
		DeadLetters: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Envelopes routed to the dead-letter queue",
		}),
		CampaignsMaterialized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_materialized_total",
			Help:      "Campaigns turned into message batches",
		}),
		MessagesMaterialized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_materialized_total",
			Help:      "Message records created by the scheduler",
		}),
		ReconciledMessages: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_messages_total",
			Help:      "Stale pending messages re-enqueued by the sweep",
		}),
		ChannelQuarantines: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_quarantines_total",
			Help:      "Channels placed in quarantine",
		}),
		ChannelRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_restarts_total",
			Help:      "Preventive channel restarts scheduled",
		}),
	}
}
