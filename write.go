package websocket

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wmdanor/wsengine/frame"
)

// server role only: empty control frames never change, so they are built once
var (
	emptyPingFrame = frame.Encode(frame.NewPing(nil))
	emptyPongFrame = frame.Encode(frame.NewPong(nil))
)

func newCloseFrame(code CloseCode, reason string) *frame.Frame {
	return frame.NewClose(code.U(), reason)
}

// WriteMessage sends data as a single text or binary frame.
func (c *Conn) WriteMessage(messageType MessageType, data []byte) error {
	if messageType != TextMessage && messageType != BinaryMessage {
		return fmt.Errorf("message type must be text or binary")
	}

	if err := c.checkOpen(); err != nil {
		return err
	}

	f := &frame.Frame{Fin: true, Opcode: frame.Opcode(messageType), Payload: data}
	return c.send(f)
}

func (c *Conn) SendText(message string) error {
	return c.WriteMessage(TextMessage, []byte(message))
}

func (c *Conn) SendBinary(data []byte) error {
	return c.WriteMessage(BinaryMessage, data)
}

func (c *Conn) SendPing(payload []byte) error {
	return c.sendControl(frame.OpcodePing, payload)
}

func (c *Conn) SendPong(payload []byte) error {
	return c.sendControl(frame.OpcodePong, payload)
}

func (c *Conn) sendControl(opcode frame.Opcode, payload []byte) error {
	if len(payload) > frame.MaxControlPayload {
		return fmt.Errorf("control frame data must not exceed %d bytes, received: %d", frame.MaxControlPayload, len(payload))
	}

	if c.State() == StateClosed {
		return ErrConnClosed
	}

	if len(payload) == 0 && !c.cfg.IsClient {
		raw := emptyPingFrame
		if opcode == frame.OpcodePong {
			raw = emptyPongFrame
		}
		return c.sendRaw(opcode, raw)
	}

	return c.send(&frame.Frame{Fin: true, Opcode: opcode, Payload: payload})
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen || c.terminated {
		return fmt.Errorf("%w: close was initiated, state %s", ErrConnClosed, c.state)
	}
	return nil
}

// send writes f and tears the connection down if the transport fails.
func (c *Conn) send(f *frame.Frame) error {
	err := c.writeFrame(f)
	if err != nil {
		c.transportFailed(err)
		return fmt.Errorf("failed to write %s frame: [%w]", f.Opcode, err)
	}
	return nil
}

func (c *Conn) sendRaw(opcode frame.Opcode, raw []byte) error {
	err := c.writeRaw(opcode, raw)
	if err != nil {
		c.transportFailed(err)
		return fmt.Errorf("failed to write %s frame: [%w]", opcode, err)
	}
	return nil
}

// writeFrame encodes f, masking it first in the client role, and writes it
// in one call. The caller's payload is never modified.
func (c *Conn) writeFrame(f *frame.Frame) error {
	if c.cfg.IsClient {
		f.Payload = append([]byte(nil), f.Payload...)
		f.MaskPayload()
	}

	c.l.Debug("writing frame",
		zap.Stringer("opcode", f.Opcode), zap.Bool("fin", f.Fin), zap.Int("len", len(f.Payload)))

	return c.writeRaw(f.Opcode, frame.Encode(f))
}

func (c *Conn) writeRaw(opcode frame.Opcode, raw []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	terminated := c.terminated
	c.mu.Unlock()
	if terminated {
		return ErrConnClosed
	}

	_, err := c.transport.Write(raw)
	if err != nil {
		return err
	}

	c.cfg.Metrics.frameSent(opcode)
	return nil
}

// transportFailed handles an I/O failure on a send: the error is reported
// and the transport destroyed, no close frame is attempted.
func (c *Conn) transportFailed(err error) {
	c.mu.Lock()
	expected := c.terminated
	c.mu.Unlock()
	if expected {
		return
	}

	c.emitError(fmt.Errorf("transport failure: [%w]", err))
	c.Terminate()
}
