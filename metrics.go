package websocket

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wmdanor/wsengine/frame"
)

// Metrics holds prometheus collectors for connections. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	FramesReceived   *prometheus.CounterVec
	FramesSent       *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	Closes           *prometheus.CounterVec
	ActiveConns      prometheus.Gauge
	HeartbeatKills   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "frames_received_total",
			Help:      "Frames decoded from peers, by opcode.",
		}, []string{"opcode"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "frames_sent_total",
			Help:      "Frames written to peers, by opcode.",
		}, []string{"opcode"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "messages_received_total",
			Help:      "Complete messages delivered to the application, by type.",
		}, []string{"type"}),
		Closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "closes_total",
			Help:      "Closed connections, by close code.",
		}, []string{"code"}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "websocket",
			Name:      "active_connections",
			Help:      "Connections not yet closed.",
		}),
		HeartbeatKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "heartbeat_terminations_total",
			Help:      "Connections terminated for not answering a ping.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.FramesReceived, m.FramesSent, m.MessagesReceived, m.Closes, m.ActiveConns, m.HeartbeatKills,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) frameReceived(op frame.Opcode) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) frameSent(op frame.Opcode) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) messageReceived(mt MessageType) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(mt.String()).Inc()
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.ActiveConns.Inc()
}

func (m *Metrics) connClosed(code CloseCode, active bool) {
	if m == nil {
		return
	}
	if active {
		m.ActiveConns.Dec()
	}
	m.Closes.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func (m *Metrics) heartbeatKill() {
	if m == nil {
		return
	}
	m.HeartbeatKills.Inc()
}
