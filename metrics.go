package wsmux

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for a Manager and its connections.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	frames      *prometheus.CounterVec
	decodeErrs  *prometheus.CounterVec
	sends       *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	requests    *prometheus.CounterVec
	connections prometheus.Gauge
	sessions    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsmux",
				Subsystem: "conn",
				Name:      "frames_received_total",
				Help:      "Frames received, by kind.",
			},
			[]string{"kind"},
		),
		decodeErrs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsmux",
				Subsystem: "conn",
				Name:      "decode_errors_total",
				Help:      "Frames dropped because their payload could not be decoded.",
			},
			[]string{"kind"},
		),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsmux",
				Subsystem: "conn",
				Name:      "sends_total",
				Help:      "Frame sends, by result.",
			},
			[]string{"result"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsmux",
				Subsystem: "conn",
				Name:      "reconnect_attempts_total",
				Help:      "Reconnection attempts, by result.",
			},
			[]string{"result"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsmux",
				Subsystem: "session",
				Name:      "requests_total",
				Help:      "Requests issued by sessions, by outcome.",
			},
			[]string{"outcome"},
		),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsmux",
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Pooled connections.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsmux",
			Subsystem: "pool",
			Name:      "sessions",
			Help:      "Registered sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.frames, m.decodeErrs, m.sends, m.reconnects, m.requests, m.connections, m.sessions)
	}
	return m
}

func (m *Metrics) frameReceived(k Kind) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) decodeFailed(k Kind) {
	if m == nil {
		return
	}
	m.decodeErrs.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) sent(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sends.WithLabelValues("error").Inc()
		return
	}
	m.sends.WithLabelValues("ok").Inc()
}

func (m *Metrics) reconnectAttempt(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.reconnects.WithLabelValues("ok").Inc()
		return
	}
	m.reconnects.WithLabelValues("error").Inc()
}

func (m *Metrics) requestDone(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setPool(conns, sessions int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(conns))
	m.sessions.Set(float64(sessions))
}
