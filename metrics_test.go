package websocket

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wmdanor/wsengine/frame"
)

func TestMetricsCountTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}

	tr := &fakeTransport{}
	c, _ := newTestConn(tr, Config{Metrics: m})

	if got := testutil.ToFloat64(m.ActiveConns); got != 0 {
		t.Errorf("active connections before any input = %v, expected 0", got)
	}

	c.Receive(peerBytes(frame.NewText("a", false)))
	if got := testutil.ToFloat64(m.ActiveConns); got != 1 {
		t.Errorf("active connections = %v, expected 1", got)
	}
	c.Receive(peerBytes(frame.NewContinuation([]byte("b"), true)))
	c.Receive(peerBytes(frame.NewPing(nil)))

	checks := []struct {
		name     string
		c        prometheus.Collector
		expected float64
	}{
		{"text frames received", m.FramesReceived.WithLabelValues("text"), 1},
		{"continuation frames received", m.FramesReceived.WithLabelValues("continuation"), 1},
		{"ping frames received", m.FramesReceived.WithLabelValues("ping"), 1},
		{"pong frames sent", m.FramesSent.WithLabelValues("pong"), 1},
		{"text messages received", m.MessagesReceived.WithLabelValues("text"), 1},
	}
	for _, check := range checks {
		if got := testutil.ToFloat64(check.c); got != check.expected {
			t.Errorf("%s = %v, ERROR expected %v", check.name, got, check.expected)
		} else {
			t.Logf("%s = %v, OK", check.name, got)
		}
	}

	c.Terminate()
	c.TransportClosed(nil)

	if got := testutil.ToFloat64(m.ActiveConns); got != 0 {
		t.Errorf("active connections = %v, expected 0", got)
	}
	if got := testutil.ToFloat64(m.Closes.WithLabelValues("1006")); got != 1 {
		t.Errorf("closes{code=1006} = %v, expected 1", got)
	}
}

func TestUnservedConnDoesNotCountAsActive(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}

	idle, _ := newTestConn(&fakeTransport{}, Config{Metrics: m})
	if got := testutil.ToFloat64(m.ActiveConns); got != 0 {
		t.Errorf("active connections after NewConn = %v, ERROR expected 0", got)
	}

	idle.Terminate()
	idle.TransportClosed(nil)

	if got := testutil.ToFloat64(m.ActiveConns); got != 0 {
		t.Errorf("active connections after closing an unserved conn = %v, ERROR expected 0", got)
	} else {
		t.Logf("active connections after closing an unserved conn = %v, OK", got)
	}
	if got := testutil.ToFloat64(m.Closes.WithLabelValues("1006")); got != 1 {
		t.Errorf("closes{code=1006} = %v, expected 1", got)
	}
}

func TestNewMetricsRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("first NewMetrics() error: %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Errorf("second NewMetrics() on the same registry = nil, expected error")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.frameReceived(frame.OpcodeText)
	m.frameSent(frame.OpcodeText)
	m.messageReceived(TextMessage)
	m.connOpened()
	m.connClosed(CloseNormalClosure, true)
	m.heartbeatKill()
}
