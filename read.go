package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wmdanor/wsengine/frame"
)

const readChunkSize = 32 * 1024

// Serve reads from the transport and drives the connection until it is
// closed. Cancelling ctx terminates the transport.
//
// It returns nil if the connection ended with a completed closing
// handshake, the first protocol or transport error otherwise.
func (c *Conn) Serve(ctx context.Context) error {
	c.markActive()

	chunks := make(chan []byte)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chunks)
		for {
			buf := make([]byte, readChunkSize)
			n, err := c.transport.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		if len(c.head) > 0 {
			c.Receive(c.head)
			c.head = nil
		}

		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					return nil
				}
				c.Receive(chunk)
			case <-gctx.Done():
				if ctx.Err() != nil {
					c.Terminate()
				}
				return gctx.Err()
			}
		}
	})

	err := g.Wait()
	c.TransportClosed(err)

	return c.result()
}

func (c *Conn) result() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.firstErr != nil {
		return c.firstErr
	}
	if c.sentClose && c.recvClose {
		return nil
	}
	return &CloseError{Code: c.closeCode, Reason: c.closeMsg}
}

// TransportClosed moves the connection to StateClosed. Serve calls it when
// the transport read side ends; hosts driving Receive themselves call it
// when their transport reports closure. err is the transport error, if any.
func (c *Conn) TransportClosed(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	expected := c.terminated || c.state != StateOpen
	c.setStateLocked(StateClosed)
	c.terminated = true
	c.stopTimersLocked()
	if !c.recvClose {
		c.closeCode = CloseAbnormalClosure
		c.closeMsg = ""
	}
	code, reason := c.closeCode, c.closeMsg
	onClosed := c.onClosed
	c.mu.Unlock()

	cerr := c.transport.Close()
	if cerr != nil {
		c.l.Debug("transport close after shutdown", zap.Error(cerr))
	}

	if err != nil && !expected && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		c.emitError(fmt.Errorf("transport failure: [%w]", err))
	}

	c.mu.Lock()
	c.closeSent = true
	for c.errInflight > 0 {
		c.errDone.Wait()
	}
	active := c.active
	c.mu.Unlock()

	c.cfg.Metrics.connClosed(code, active)
	c.l.Info("connection closed", zapCode(code), zapReason(reason))

	c.handleClose(code, reason)
	if onClosed != nil {
		onClosed()
	}
	close(c.done)
}

// Receive is the ingest path: it appends chunk to the receive buffer and
// handles every frame that is now complete. Calls must not overlap.
func (c *Conn) Receive(chunk []byte) {
	if c.failed || c.ingestStopped() {
		return
	}
	c.markActive()

	_, err := c.dec.Write(chunk)
	if err != nil {
		c.fail(CloseMessageTooBig, reasonMessageTooBig, fmt.Errorf("%w: [%w]", ErrMessageTooBig, err))
		return
	}

	for !c.failed && !c.ingestStopped() {
		f, err := c.dec.Next()
		if errors.Is(err, frame.ErrIncomplete) {
			return
		}
		if errors.Is(err, frame.ErrLengthExceedsSafeRange) {
			c.abort(CloseMessageTooBig, reasonMessageTooBig, err)
			return
		}
		if err != nil {
			c.fail(CloseProtocolError, reasonProtocolError, fmt.Errorf("%w: [%w]", ErrProtocol, err))
			return
		}

		c.handleFrame(f)
	}
}

// ingestStopped reports whether input must be dropped: the connection is
// closed or the peer already sent its close frame.
func (c *Conn) ingestStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed || c.recvClose
}

func (c *Conn) protocolError(reason string, format string, args ...any) {
	c.fail(CloseProtocolError, reason, fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...)))
}

func (c *Conn) handleFrame(f *frame.Frame) {
	f.UnmaskPayload()

	c.cfg.Metrics.frameReceived(f.Opcode)
	c.l.Debug("received frame",
		zap.Stringer("opcode", f.Opcode), zap.Bool("fin", f.Fin), zap.Int("len", len(f.Payload)))

	if f.Rsv != 0 {
		c.protocolError(reasonProtocolError, "RSV bits must be 0 as extensions are not supported, received %03b", f.Rsv)
		return
	}

	switch {
	case f.IsValidControl():
		if !f.Fin {
			c.protocolError(reasonProtocolError, "control frames must not be fragmented, received %s", f.Opcode)
			return
		}
		if len(f.Payload) > frame.MaxControlPayload {
			c.protocolError(reasonControlTooLong, "control frame payload must not exceed %d bytes, received %d",
				frame.MaxControlPayload, len(f.Payload))
			return
		}
		c.handleControlFrame(f)
	case f.IsValidData():
		c.handleDataFrame(f)
	default:
		c.protocolError(reasonProtocolError, "opcode must not be one of reserved values, received %s", f.Opcode)
	}
}

func (c *Conn) handleControlFrame(f *frame.Frame) {
	switch f.Opcode {
	case frame.OpcodePing:
		err := c.handlePing(f.Payload)
		if err != nil {
			c.l.Debug("ping handler failed", zap.Error(err))
		}
	case frame.OpcodePong:
		c.emitPong(f.Payload)
	case frame.OpcodeClose:
		c.handleCloseFrame(f)
	}
}

func (c *Conn) handleCloseFrame(f *frame.Frame) {
	code, reason, hasCode, err := f.CloseDetails()
	if errors.Is(err, frame.ErrInvalidCloseLength) {
		c.protocolError(reasonProtocolError, "close frame must either have 0 or 2+ payload length, but received 1")
		return
	}
	peerCode, ok := NewCloseCode(code)
	if hasCode && !ok {
		c.protocolError(reasonProtocolError, "received invalid close code: %d", code)
		return
	}
	if err != nil {
		c.fail(CloseInvalidFramePayloadData, reasonInvalidPayload, fmt.Errorf("%w: [%w]", ErrInvalidPayload, err))
		return
	}

	if !hasCode {
		peerCode = CloseNoStatusReceived
	}

	c.mu.Lock()
	c.recvClose = true
	c.closeCode, c.closeMsg = peerCode, reason
	prev := c.state
	if prev == StateOpen {
		c.sentClose = true
		c.setStateLocked(StateClosingPeer)
	}
	c.mu.Unlock()

	c.l.Debug("received close frame", zapCode(peerCode), zapReason(reason), zap.Stringer("state", prev))

	switch prev {
	case StateOpen:
		echo := frame.NewEmptyClose()
		if hasCode {
			echo = frame.NewClose(code, reason)
		}
		err := c.writeFrame(echo)
		if err != nil {
			c.l.Debug("failed to echo close frame", zap.Error(err))
		}
		c.endTransport()
	case StateClosingLocal:
		// handshake complete
		c.Terminate()
	}
}

func (c *Conn) handleDataFrame(f *frame.Frame) {
	if c.assembly == nil {
		switch {
		case f.Opcode == frame.OpcodeContinuation:
			c.protocolError(reasonProtocolError, "continuation frame received with no message to continue")
		case f.Fin:
			c.deliver(f.Opcode, f.Payload)
		default:
			c.assembly = &fragmentAssembly{
				opcode: f.Opcode,
				chunks: [][]byte{f.Payload},
				size:   len(f.Payload),
			}
		}
		return
	}

	if f.Opcode != frame.OpcodeContinuation {
		c.protocolError(reasonProtocolError, "succeeding frames must be continuation frames, received opcode: %s", f.Opcode)
		return
	}

	c.assembly.chunks = append(c.assembly.chunks, f.Payload)
	c.assembly.size += len(f.Payload)
	if c.assembly.size > c.cfg.MaxBufferSize {
		c.fail(CloseMessageTooBig, reasonMessageTooBig,
			fmt.Errorf("%w: fragmented message exceeds %d bytes", ErrMessageTooBig, c.cfg.MaxBufferSize))
		return
	}

	if !f.Fin {
		return
	}

	a := c.assembly
	c.assembly = nil
	c.deliver(a.opcode, bytes.Join(a.chunks, nil))
}

func (c *Conn) deliver(opcode frame.Opcode, data []byte) {
	mt := MessageType(opcode)
	if mt == TextMessage && !utf8.Valid(data) {
		c.fail(CloseInvalidFramePayloadData, reasonInvalidPayload,
			fmt.Errorf("%w: received invalid UTF-8 data", ErrInvalidPayload))
		return
	}

	c.cfg.Metrics.messageReceived(mt)

	err := c.handleMessage(mt, data)
	if err != nil {
		c.fail(CloseInternalServerErr, reasonInternalError, fmt.Errorf("message handler failed: [%w]", err))
	}
}
