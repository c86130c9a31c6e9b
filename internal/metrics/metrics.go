// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridepool_rides_requested_total",
		Help: "Ride requests accepted, by mode.",
	}, []string{"mode"})

	DriverMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridepool_driver_matches_total",
		Help: "Driver matching attempts, by outcome.",
	}, []string{"outcome"})

	ShareGroups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridepool_share_groups_total",
		Help: "Share group transitions, by resulting status.",
	}, []string{"status"})

	Cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridepool_cancellations_total",
		Help: "Ride cancellations, by phase.",
	}, []string{"phase"})

	WalletHolds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridepool_wallet_holds_total",
		Help: "Wallet hold attempts, by result.",
	}, []string{"result"})

	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridepool_version_conflicts_total",
		Help: "Optimistic concurrency conflicts retried, by entity.",
	}, []string{"entity"})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridepool_events_total",
		Help: "Notification events, by kind and result.",
	}, []string{"kind", "result"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ridepool_share_sweep_seconds",
		Help:    "Duration of share-group timeout sweeps.",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridepool_http_requests_total",
		Help: "HTTP requests, by route, method and status.",
	}, []string{"route", "method", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ridepool_http_request_seconds",
		Help:    "HTTP request latency, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
