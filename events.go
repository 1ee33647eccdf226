package websocket

import (
	"fmt"

	"go.uber.org/zap"
)

// SetMessageHandler sets the callback for complete messages. It runs on the
// connection's event loop, exactly once per logical message. A returned error
// closes the connection with CloseInternalServerErr.
func (c *Conn) SetMessageHandler(h func(mt MessageType, data []byte) error) {
	if h == nil {
		c.handleMessage = func(mt MessageType, data []byte) error {
			c.l.Debug("received message", zap.Stringer("messageType", mt), zap.Int("len", len(data)))
			return nil
		}
	} else {
		c.handleMessage = h
	}
}

// SetCloseHandler sets the callback invoked once when the connection reaches
// StateClosed. code is the peer's close code, CloseNoStatusReceived if its
// close frame carried none, or CloseAbnormalClosure if it sent none.
func (c *Conn) SetCloseHandler(h func(code CloseCode, reason string)) {
	if h == nil {
		c.handleClose = func(code CloseCode, reason string) {
			c.l.Debug("connection closed", zapCode(code), zapReason(reason))
		}
	} else {
		c.handleClose = h
	}
}

// SetPingHandler replaces the default ping reply.
func (c *Conn) SetPingHandler(h func(appData []byte) error) {
	if h == nil {
		c.handlePing = func(appData []byte) error {
			c.l.Debug("received ping message", zap.ByteString("data", appData))
			err := c.SendPong(appData)
			if err != nil {
				return fmt.Errorf("failed to write pong message: [%w]", err)
			}

			return nil
		}
	} else {
		c.handlePing = h
	}
}

func (c *Conn) SetPongHandler(h func(appData []byte) error) {
	if h == nil {
		c.handlePong = func(appData []byte) error {
			c.l.Debug("received pong message", zap.ByteString("data", appData))
			return nil
		}
	} else {
		c.handlePong = h
	}
}

// SetErrorHandler sets the callback for protocol and transport errors.
// It is never called after the close handler, which waits for a running
// error handler to return. h must not call TransportClosed.
func (c *Conn) SetErrorHandler(h func(err error)) {
	if h == nil {
		c.handleError = func(err error) {
			c.l.Debug("connection error", zap.Error(err))
		}
	} else {
		c.handleError = h
	}
}

func (c *Conn) emitError(err error) {
	c.mu.Lock()
	if c.closeSent {
		c.mu.Unlock()
		return
	}
	if c.firstErr == nil {
		c.firstErr = err
	}
	c.errInflight++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.errInflight--
		if c.errInflight == 0 {
			c.errDone.Broadcast()
		}
		c.mu.Unlock()
	}()

	c.handleError(err)
}

func (c *Conn) emitPong(appData []byte) {
	c.mu.Lock()
	onPong := c.onPong
	c.mu.Unlock()

	if onPong != nil {
		onPong()
	}

	err := c.handlePong(appData)
	if err != nil {
		c.l.Debug("pong handler failed", zap.Error(err))
	}
}
