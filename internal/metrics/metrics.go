// Package metrics provides Prometheus instrumentation for the matching and
// messaging core: connection and presence gauges, counters for swipes,
// matches, blocks, messages and delivery events, and store latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchcore_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks users holding at least one connection on this gateway.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchcore_online_users",
		Help: "Users with at least one live connection on this instance",
	})

	// SwipesTotal counts recorded swipes by decision.
	SwipesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchcore_swipes_total",
		Help: "Total number of swipes recorded",
	}, []string{"decision"})

	// MatchesTotal counts matches created. Lost races are not counted.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchcore_matches_total",
		Help: "Total number of matches created",
	})

	// BlocksTotal counts blocks by type.
	BlocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchcore_blocks_total",
		Help: "Total number of blocks created",
	}, []string{"type"}) // type = "complete", "messages"

	// MessagesTotal counts send attempts by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchcore_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"}) // outcome = "sent", "rejected", "rate_limited"

	// DeliveryEventsTotal counts events published to the delivery bus.
	DeliveryEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchcore_delivery_events_total",
		Help: "Total number of events published for delivery",
	}, []string{"type"})

	// StoreLatency records persistence call latency in seconds.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matchcore_store_latency_seconds",
		Help:    "Persistence call latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		SwipesTotal,
		MatchesTotal,
		BlocksTotal,
		MessagesTotal,
		DeliveryEventsTotal,
		StoreLatency,
	)
}

// ObserveStore records the latency of op since start.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
