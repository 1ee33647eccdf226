package websocket

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wmdanor/wsengine/frame"
)

const (
	DefaultMaxBufferSize = 100 * 1024 * 1024
	DefaultCloseTimeout  = time.Second
	DefaultPingInterval  = 5 * time.Second
)

// Config holds per-connection settings. Zero fields take their defaults.
type Config struct {
	// IsClient selects the client role: every outbound frame is masked.
	IsClient bool
	// MaxBufferSize bounds the receive buffer and the size of a reassembled message.
	MaxBufferSize int
	// CloseTimeout is how long a locally initiated close waits for the peer
	// before the transport is aborted.
	CloseTimeout time.Duration
	// PingInterval is the liveness sweep period. The connection does not
	// read it; hosts pass it to Pool.Run, which also falls back to the
	// default for a zero interval.
	PingInterval time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	return cfg
}

// Transport is the duplex byte channel a connection runs over, normally a net.Conn.
type Transport interface {
	io.ReadWriteCloser
}

type closeWriter interface {
	CloseWrite() error
}

type State int32

const (
	StateOpen State = iota
	// local close frame sent, waiting for the peer
	StateClosingLocal
	// peer close frame received and echoed
	StateClosingPeer
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosingLocal:
		return "closing-local"
	case StateClosingPeer:
		return "closing-peer"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type fragmentAssembly struct {
	opcode frame.Opcode
	chunks [][]byte
	size   int
}

// Conn is one end of a websocket connection after the opening handshake.
//
// Input is processed by a single event loop (Serve, or a host calling
// Receive); sends may come from any goroutine.
type Conn struct {
	id  uuid.UUID
	l   *zap.Logger
	cfg Config

	transport Transport
	head      []byte

	// owned by the ingest path
	dec      *frame.Decoder
	assembly *fragmentAssembly
	failed   bool

	mu         sync.Mutex
	state      State
	sentClose  bool
	recvClose  bool
	closeCode  CloseCode
	closeMsg   string
	closeTimer *time.Timer
	terminated bool
	closeSent  bool // close event delivered
	firstErr   error
	// error handlers still running; the close event waits for them
	errInflight int
	errDone     *sync.Cond
	// counted in Metrics.ActiveConns
	active bool

	onPong   func()
	onClosed func()

	wmu sync.Mutex

	handleMessage func(mt MessageType, data []byte) error
	handleClose   func(code CloseCode, reason string)
	handlePing    func(appData []byte) error
	handlePong    func(appData []byte) error
	handleError   func(err error)

	done chan struct{}
}

// NewConn wraps a transport whose opening handshake is complete. head holds
// bytes the handshake layer read past the end of the HTTP headers; they are
// processed before anything read from the transport.
//
// The connection counts as active in Metrics from the first Serve or
// Receive call until TransportClosed.
func NewConn(transport Transport, head []byte, cfg Config) *Conn {
	cfg = cfg.withDefaults()

	id := uuid.New()
	role := "server"
	if cfg.IsClient {
		role = "client"
	}

	c := &Conn{
		id:        id,
		l:         cfg.Logger.With(zap.Stringer("conn", id), zap.String("role", role)),
		cfg:       cfg,
		transport: transport,
		head:      head,
		dec:       frame.NewDecoder(cfg.MaxBufferSize),
		state:     StateOpen,
		done:      make(chan struct{}),
	}

	c.SetMessageHandler(nil)
	c.SetCloseHandler(nil)
	c.SetPingHandler(nil)
	c.SetPongHandler(nil)
	c.SetErrorHandler(nil)
	c.errDone = sync.NewCond(&c.mu)

	return c
}

func (c *Conn) ID() uuid.UUID {
	return c.id
}

func (c *Conn) IsClient() bool {
	return c.cfg.IsClient
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.l.Debug("state transition", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
}

// setHooks installs owner notifications used by Pool.
func (c *Conn) setHooks(onPong, onClosed func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPong = onPong
	c.onClosed = onClosed
}

// markActive counts the connection in Metrics.ActiveConns once.
func (c *Conn) markActive() {
	c.mu.Lock()
	if c.active || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.mu.Unlock()

	c.cfg.Metrics.connOpened()
}
