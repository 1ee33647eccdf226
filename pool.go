package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type poolEntry struct {
	conn         *Conn
	awaitingPong atomic.Bool
}

// Pool tracks server connections and runs the liveness sweep over them.
// Every sweep terminates connections that did not answer the previous
// sweep's ping and pings the rest.
type Pool struct {
	l       *zap.Logger
	metrics *Metrics

	mu    sync.Mutex
	conns map[uuid.UUID]*poolEntry
}

func NewPool(l *zap.Logger, m *Metrics) *Pool {
	if l == nil {
		l = defaultLogger()
	}
	return &Pool{
		l:       l.Named("pool"),
		metrics: m,
		conns:   make(map[uuid.UUID]*poolEntry),
	}
}

// Add registers c. A pong from c marks it alive; reaching StateClosed
// removes it.
func (p *Pool) Add(c *Conn) {
	e := &poolEntry{conn: c}

	p.mu.Lock()
	p.conns[c.ID()] = e
	p.mu.Unlock()

	c.setHooks(
		func() { e.awaitingPong.Store(false) },
		func() { p.Remove(c.ID()) },
	)

	p.l.Debug("connection registered", zap.Stringer("conn", c.ID()))
}

func (p *Pool) Remove(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, id)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) snapshot() []*poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]*poolEntry, 0, len(p.conns))
	for _, e := range p.conns {
		entries = append(entries, e)
	}
	return entries
}

// Sweep runs one liveness pass and returns the number of connections it terminated.
func (p *Pool) Sweep() int {
	killed := 0

	for _, e := range p.snapshot() {
		c := e.conn
		if e.awaitingPong.Load() {
			p.l.Info("terminating unresponsive connection", zap.Stringer("conn", c.ID()))
			c.Terminate()
			p.Remove(c.ID())
			p.metrics.heartbeatKill()
			killed++
			continue
		}

		e.awaitingPong.Store(true)
		err := c.SendPing(nil)
		if err != nil {
			p.l.Debug("failed to send ping", zap.Stringer("conn", c.ID()), zap.Error(err))
		}
	}

	return killed
}

// Run sweeps every interval until ctx is done.
func (p *Pool) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPingInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.l.Debug("liveness sweep done", zap.Int("terminated", n), zap.Int("remaining", p.Len()))
			}
		}
	}
}

// Shutdown starts the closing handshake on every registered connection.
func (p *Pool) Shutdown(code CloseCode, reason string) error {
	var err error
	for _, e := range p.snapshot() {
		err = multierr.Append(err, e.conn.SendClose(code, reason))
	}
	return err
}

// GoingAway closes every connection with CloseGoingAway.
func (p *Pool) GoingAway() error {
	return p.Shutdown(CloseGoingAway, reasonServerGoingAway)
}
