// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Intercept decisions.
const (
	DecisionSkipped  = "skipped"
	DecisionAttached = "attached"
	DecisionNone     = "none"
	DecisionFailed   = "failed"
)

// Refresh outcomes.
const (
	RefreshStored       = "stored"
	RefreshReused       = "reused"
	RefreshUnauthorized = "unauthorized"
)

var (
	InterceptedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authrelay_intercepted_requests_total",
		Help: "Requests seen by the relay, by credential decision",
	}, []string{"decision"})

	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authrelay_refreshes_total",
		Help: "Credential refreshes run under the lock, by outcome",
	}, []string{"outcome"})

	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "authrelay_refresh_duration_seconds",
		Help:    "Time spent holding the refresh lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4.0, 8), // 1ms to ~16s
	})

	LockAutoUnlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authrelay_lock_auto_unlocks_total",
		Help: "Refresh lock holds released by the auto-unlock timer",
	})

	PageMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authrelay_page_messages_total",
		Help: "Messages received from pages, by type",
	}, []string{"type"})

	ConnectedPages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "authrelay_connected_pages",
		Help: "Pages currently connected on the page channel",
	})
)
