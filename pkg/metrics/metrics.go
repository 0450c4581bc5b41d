// Package metrics registers the module's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/akinalp/chatsync/models"
)

var (
	// Reconciler
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_applied_total",
			Help: "Change events applied to session state",
		},
		[]string{"table", "op"},
	)

	EventsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_discarded_total",
			Help: "Change events dropped before applying",
		},
		[]string{"table", "reason"},
	)

	AttributionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_attribution_failures_total",
			Help: "Message inserts dropped because the author lookup failed",
		},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_feed_reconnects_total",
			Help: "Feed resubscription attempts",
		},
		[]string{"feed", "result"},
	)

	FullReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_full_reloads_total",
			Help: "Full reloads triggered after a resubscription",
		},
		[]string{"feed"},
	)

	DirectoryReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_directory_reloads_total",
			Help: "Directory reload requests, by outcome",
		},
		[]string{"outcome"},
	)

	FeedState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_feed_state",
			Help: "1 for the current state of each feed",
		},
		[]string{"feed", "state"},
	)

	// Intents
	IntentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_intent_failures_total",
			Help: "Local intents rolled back after a backend failure",
		},
		[]string{"intent"},
	)

	// Relay
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_relay_connections",
			Help: "Open relay websocket connections",
		},
	)

	RelayEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_relay_events_sent_total",
			Help: "Change events fanned out by the relay",
		},
		[]string{"table"},
	)

	SlowConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_slow_consumers_total",
			Help: "Subscribers dropped because their buffer was full",
		},
	)
)

var feedStates = []models.FeedState{
	models.FeedIdle,
	models.FeedSubscribing,
	models.FeedActive,
	models.FeedError,
	models.FeedReconnecting,
	models.FeedClosed,
}

// SetFeedState flips the state gauge of feed to state.
func SetFeedState(feed string, state models.FeedState) {
	for _, s := range feedStates {
		v := 0.0
		if s == state {
			v = 1
		}
		FeedState.WithLabelValues(feed, string(s)).Set(v)
	}
}
