// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "webssh_active_connections", Help: "Live WebSocket connections"})
	SessionsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "webssh_sessions_total", Help: "SSH shell attempts by outcome"}, []string{"outcome"})
	ErrorsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "webssh_errors_total", Help: "Errors reported to clients by kind"}, []string{"kind"})
	BytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "webssh_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	SessionDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "webssh_session_duration_seconds", Help: "Active shell lifetime seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 16)})
)

// Label values.
const (
	OutcomeConnected = "connected"
	OutcomeFailed    = "failed"

	DirectionIn  = "in"
	DirectionOut = "out"
)
