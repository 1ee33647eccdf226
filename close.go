package websocket

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/wmdanor/wsengine/frame"
)

type CloseCode uint16

// Close codes defined in RFC 6455, section 11.7.
const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005
	CloseAbnormalClosure         CloseCode = 1006
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
	CloseServiceRestart          CloseCode = 1012
	CloseTryAgainLater           CloseCode = 1013
	CloseTLSHandshake            CloseCode = 1015
)

var (
	// codes a peer may put on the wire, besides the 3000-4999 user range
	validCloseCodes []CloseCode = []CloseCode{
		CloseNormalClosure,
		CloseGoingAway,
		CloseProtocolError,
		CloseUnsupportedData,
		CloseInvalidFramePayloadData,
		ClosePolicyViolation,
		CloseMessageTooBig,
		CloseMandatoryExtension,
		CloseInternalServerErr,
		CloseServiceRestart,
		CloseTryAgainLater,
	}
)

const (
	reasonProtocolError   = "Protocol error"
	reasonControlTooLong  = "Control frame too long"
	reasonInvalidPayload  = "Invalid payload data"
	reasonMessageTooBig   = "Message too big"
	reasonInternalError   = "Internal error"
	reasonServerGoingAway = "Server is closing"
)

func (c CloseCode) U() uint16 {
	return uint16(c)
}

func NewCloseCode(code uint16) (c CloseCode, ok bool) {
	c = CloseCode(code)
	ok = c.IsValid()
	return
}

// IsValid reports whether c may appear in a close frame on the wire.
func (c CloseCode) IsValid() bool {
	defined := slices.Contains(validCloseCodes, c)
	range3k4k := c >= 3000 && c <= 4999

	return defined || range3k4k
}

var (
	ErrProtocol       = errors.New("protocol error")
	ErrInvalidPayload = errors.New("invalid payload data")
	ErrMessageTooBig  = errors.New("message too big")
	ErrConnClosed     = errors.New("connection closed")
)

// CloseError describes how a connection ended.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket: close %d", e.Code)
	}
	return fmt.Sprintf("websocket: close %d %s", e.Code, e.Reason)
}

// IsCloseError reports whether err is a *CloseError with one of codes.
func IsCloseError(err error, codes ...CloseCode) bool {
	var ce *CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return slices.Contains(codes, ce.Code)
}

// SendClose starts the closing handshake. It is a no-op once a close frame
// has been sent. The transport is forcibly aborted if the peer does not
// finish the handshake within the configured close timeout.
func (c *Conn) SendClose(code CloseCode, reason string) error {
	if !code.IsValid() {
		return fmt.Errorf("close code %d can not be sent", code)
	}
	if len(reason)+2 > frame.MaxControlPayload {
		return fmt.Errorf("close reason must not exceed %d bytes, received %d", frame.MaxControlPayload-2, len(reason))
	}

	if !c.markCloseSent(StateClosingLocal) {
		c.l.Debug("already sent close frame, skipping")
		return nil
	}
	c.armCloseTimer()

	c.l.Debug("sending close frame", zapCode(code), zapReason(reason))
	err := c.writeFrame(newCloseFrame(code, reason))
	if err != nil {
		c.transportFailed(err)
		return fmt.Errorf("failed to write close frame: [%w]", err)
	}

	return nil
}

// Close sends a normal closure.
func (c *Conn) Close() error {
	return c.SendClose(CloseNormalClosure, "")
}

// Terminate destroys the transport immediately without any further protocol
// exchange. It is safe to call in any state and more than once.
func (c *Conn) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.stopTimersLocked()
	c.mu.Unlock()

	c.l.Debug("terminating transport")

	err := c.transport.Close()
	if err != nil {
		c.l.Debug("failed to close transport", zap.Error(err))
	}
}

// markCloseSent records that a close frame goes out and moves an open
// connection to next. It returns false if one was already sent.
func (c *Conn) markCloseSent(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sentClose || c.state == StateClosed || c.terminated {
		return false
	}
	c.sentClose = true
	if c.state == StateOpen {
		c.setStateLocked(next)
	}

	return true
}

func (c *Conn) armCloseTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeTimer != nil || c.terminated {
		return
	}

	c.closeTimer = time.AfterFunc(c.cfg.CloseTimeout, func() {
		c.l.Debug("close deadline reached, aborting transport", zap.Duration("timeout", c.cfg.CloseTimeout))
		c.Terminate()
	})
}

func (c *Conn) stopTimersLocked() {
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
}

// endTransport shuts down the write side after the closing handshake and
// leaves the rest to the peer and the close deadline. Transports without a
// half close are closed outright.
func (c *Conn) endTransport() {
	if cw, ok := c.transport.(closeWriter); ok {
		err := cw.CloseWrite()
		if err == nil {
			c.armCloseTimer()
			return
		}
		c.l.Debug("failed to close write side", zap.Error(err))
	}

	c.Terminate()
}

// fail reports a locally detected violation, makes a best-effort attempt to
// send a close frame and ends the transport. No further input is processed.
func (c *Conn) fail(code CloseCode, reason string, err error) {
	c.failed = true
	c.assembly = nil

	c.l.Warn("closing connection after error", zapCode(code), zap.Error(err))
	c.emitError(err)

	if c.markCloseSent(StateClosingLocal) {
		werr := c.writeFrame(newCloseFrame(code, reason))
		if werr != nil {
			c.l.Debug("failed to send close frame", zap.Error(werr))
		}
	}

	c.endTransport()
}

// abort handles structural failures: best-effort close frame, then the
// transport goes away without waiting for the peer.
func (c *Conn) abort(code CloseCode, reason string, err error) {
	c.failed = true
	c.assembly = nil

	c.l.Error("aborting connection", zapCode(code), zap.Error(err))
	c.emitError(err)

	if c.markCloseSent(StateClosingLocal) {
		_ = c.writeFrame(newCloseFrame(code, reason))
	}

	c.Terminate()
}
