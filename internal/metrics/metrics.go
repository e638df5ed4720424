// Package metrics holds the service's prometheus instruments. Instruments are
// registered on an injected registry so tests and multiple servers in one
// process never collide.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkeye/WatchRoom/internal/domain"
)

type Metrics struct {
	Connections    *prometheus.CounterVec
	Commands       *prometheus.CounterVec
	StoreOps       *prometheus.HistogramVec
	RateLimited    *prometheus.CounterVec
	SessionsActive prometheus.Gauge
	BusMessages    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "watchroom_connections_total", Help: "Connection attempts by outcome"},
			[]string{"outcome"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "watchroom_commands_total", Help: "Room commands by type and result code"},
			[]string{"command", "result"},
		),
		StoreOps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "watchroom_store_op_duration_seconds",
				Help:    "Room store operation latency",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.5, 2},
			},
			[]string{"op", "result"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "watchroom_ratelimit_denied_total", Help: "Commands denied by the rate limiter"},
			[]string{"class"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "watchroom_sessions_active", Help: "Live websocket sessions on this node"},
		),
		BusMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "watchroom_bus_messages_total", Help: "Cross-process envelopes"},
			[]string{"direction"},
		),
	}
	reg.MustRegister(m.Connections, m.Commands, m.StoreOps, m.RateLimited, m.SessionsActive, m.BusMessages)
	return m
}

// ObserveStoreOp satisfies store.Observer.
func (m *Metrics) ObserveStoreOp(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		if domain.IsRejection(err) {
			result = "rejected"
		} else {
			result = "error"
		}
	}
	m.StoreOps.WithLabelValues(op, result).Observe(d.Seconds())
}

func (m *Metrics) ObserveCommand(command string, err error) {
	m.Commands.WithLabelValues(command, domain.Code(err)).Inc()
}
