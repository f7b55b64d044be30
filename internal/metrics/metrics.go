package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_messages_sent_total",
		Help: "Total number of messages accepted by the inbox engine, by type.",
	}, []string{"type"})
	MessagesPulled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_messages_pulled_total",
		Help: "Total number of messages leased via pull.",
	})
	MessagesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_messages_acked_total",
		Help: "Total number of messages acknowledged.",
	})
	MessagesDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_messages_dead_total",
		Help: "Total number of messages moved to the dead state.",
	})
	IdempotentHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_idempotent_hits_total",
		Help: "Total number of sends deduplicated by idempotency key.",
	})
	GroupFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "admp_group_fanout_size",
		Help:    "Number of per-recipient copies produced per group post.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})
	WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_webhook_attempts_total",
		Help: "Total number of webhook delivery attempts by outcome.",
	}, []string{"outcome"})
	WebhookDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_webhook_dead_letters_total",
		Help: "Total number of webhook jobs moved to the dead-letter list.",
	})
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_sweeps_total",
		Help: "Total number of sweeper ticks completed.",
	})
	SweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_sweep_actions_total",
		Help: "Total number of records touched by the sweeper, by phase.",
	}, []string{"phase"})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "admp_sweep_duration_seconds",
		Help:    "Duration of full sweeper ticks.",
		Buckets: prometheus.DefBuckets,
	})
)
