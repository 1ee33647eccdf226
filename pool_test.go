package websocket

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wmdanor/wsengine/frame"
)

func TestPoolSweepTerminatesSilentConnections(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	p := NewPool(zap.NewNop(), m)

	aliveTr, silentTr := &fakeTransport{}, &fakeTransport{}
	alive, _ := newTestConn(aliveTr, Config{Metrics: m})
	silent, _ := newTestConn(silentTr, Config{Metrics: m})
	p.Add(alive)
	p.Add(silent)

	if n := p.Sweep(); n != 0 {
		t.Fatalf("first Sweep() = %d, expected 0", n)
	}
	for name, tr := range map[string]*fakeTransport{"alive": aliveTr, "silent": silentTr} {
		tr.mu.Lock()
		raw := append([]byte(nil), tr.out.Bytes()...)
		tr.mu.Unlock()
		if !bytes.Equal(raw, []byte{0x89, 0x00}) {
			t.Errorf("%s conn got %#v, expected an empty ping", name, raw)
		}
	}

	alive.Receive(peerBytes(frame.NewPong(nil)))

	if n := p.Sweep(); n != 1 {
		t.Fatalf("second Sweep() = %d, expected 1", n)
	}
	if !silentTr.isClosed() {
		t.Errorf("silent connection not terminated")
	}
	if aliveTr.isClosed() {
		t.Errorf("responsive connection terminated")
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, expected 1", p.Len())
	}
	if got := testutil.ToFloat64(m.HeartbeatKills); got != 1 {
		t.Errorf("heartbeat kills = %v, expected 1", got)
	}

	// still awaiting the second ping's pong
	if n := p.Sweep(); n != 1 || !aliveTr.isClosed() {
		t.Errorf("third Sweep() = %d, expected the unanswered connection terminated", n)
	}
}

func TestPoolRemovesClosedConnections(t *testing.T) {
	p := NewPool(nil, nil)

	c, _ := newTestConn(&fakeTransport{}, Config{})
	p.Add(c)
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, expected 1", p.Len())
	}

	c.Terminate()
	c.TransportClosed(nil)

	if p.Len() != 0 {
		t.Errorf("Len() = %d, expected 0 after close", p.Len())
	}
}

func TestPoolShutdown(t *testing.T) {
	p := NewPool(nil, nil)

	var transports []*fakeTransport
	for i := 0; i < 3; i++ {
		tr := &fakeTransport{}
		c, _ := newTestConn(tr, Config{CloseTimeout: time.Hour})
		p.Add(c)
		transports = append(transports, tr)
	}

	if err := p.GoingAway(); err != nil {
		t.Fatalf("GoingAway() error: %v", err)
	}

	for _, tr := range transports {
		expectClose(t, tr, CloseGoingAway, reasonServerGoingAway)
	}
}

func TestPoolShutdownCombinesErrors(t *testing.T) {
	p := NewPool(nil, nil)

	for i := 0; i < 2; i++ {
		c, _ := newTestConn(&fakeTransport{writeErr: errors.New("broken pipe")}, Config{})
		p.Add(c)
	}

	err := p.Shutdown(CloseNormalClosure, "")
	if err == nil {
		t.Fatalf("Shutdown() = nil, expected combined write errors")
	}
	if got := len(multierr.Errors(err)); got != 2 {
		t.Errorf("Shutdown() combined %d errors, expected 2", got)
	}
}

func TestPoolRunStopsWithContext(t *testing.T) {
	p := NewPool(nil, nil)
	tr := &fakeTransport{}
	c, _ := newTestConn(tr, Config{})
	p.Add(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, 5*time.Millisecond) }()

	waitFor(t, "connection terminated by the sweep", tr.isClosed)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, expected context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return")
	}
}
