// Package frame encodes and decodes RFC 6455 frames.
//
// Encode and Decode work on whole buffers. Parse and Decoder are the
// streaming side: they pull complete frames out of a byte stream that may
// be chunked arbitrarily by the transport.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/wmdanor/wsengine/internal"
)

/*
  0                   1                   2                   3
  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
 +-+-+-+-+-------+-+-------------+-------------------------------+
 |F|R|R|R| opcode|M| Payload len |    Extended payload length    |
 |I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
 |N|V|V|V|       |S|             |   (if payload len==126/127)   |
 | |1|2|3|       |K|             |                               |
 +-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
 |     Extended payload length continued, if payload len == 127  |
 + - - - - - - - - - - - - - - - +-------------------------------+
 |                               |Masking-key, if MASK set to 1  |
 +-------------------------------+-------------------------------+
 | Masking-key (continued)       |          Payload Data         |
 +-------------------------------- - - - - - - - - - - - - - - - +
 :                     Payload Data continued ...                :
 + - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - +
 |                     Payload Data continued ...                |
 +---------------------------------------------------------------+
*/

type Opcode = internal.Opcode

const (
	OpcodeContinuation = internal.OpcodeContinuationFrame
	OpcodeText         = internal.OpcodeTextFrame
	OpcodeBinary       = internal.OpcodeBinaryFrame
	OpcodeClose        = internal.OpcodeConnectionClose
	OpcodePing         = internal.OpcodePing
	OpcodePong         = internal.OpcodePong
)

const (
	finBit     = 0b1_000_0000
	rsvBits    = 0b0_111_0000
	opcodeBits = 0b0_000_1111
	maskBit    = 0b1_0000000
	lengthBits = 0b0_1111111

	len16Sentinel = 126
	len64Sentinel = 127

	// MaxControlPayload is the largest payload a close, ping or pong frame may carry.
	MaxControlPayload = 125

	// MaxHeaderSize is 2 fixed bytes, 8 bytes of 64-bit length and a masking key.
	MaxHeaderSize = 2 + 8 + 4
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame.
	// It is a wait state, not a failure.
	ErrIncomplete = errors.New("incomplete frame")

	// ErrLengthExceedsSafeRange is a structural limit: the 64-bit length
	// does not fit into an int on this platform. It is reported apart from
	// protocol errors so callers can treat it as fatal.
	ErrLengthExceedsSafeRange = errors.New("payload length exceeds safe integer range")

	ErrBufferOverflow = errors.New("receive buffer overflow")

	ErrTrailingData = errors.New("trailing data after frame")
)

// Frame is one unit of the wire format.
//
// When Masked is true Payload holds the masked bytes and MaskKey the key
// they were masked with; UnmaskPayload reveals them in place.
type Frame struct {
	Fin bool
	// 3 bits, RSV1 is the most significant
	Rsv     uint8
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

func NewText(message string, fin bool) *Frame {
	return &Frame{Fin: fin, Opcode: OpcodeText, Payload: []byte(message)}
}

func NewBinary(data []byte, fin bool) *Frame {
	return &Frame{Fin: fin, Opcode: OpcodeBinary, Payload: data}
}

func NewContinuation(data []byte, fin bool) *Frame {
	return &Frame{Fin: fin, Opcode: OpcodeContinuation, Payload: data}
}

func NewPing(payload []byte) *Frame {
	return &Frame{Fin: true, Opcode: OpcodePing, Payload: payload}
}

func NewPong(payload []byte) *Frame {
	return &Frame{Fin: true, Opcode: OpcodePong, Payload: payload}
}

// NewClose builds a close frame carrying code and reason.
func NewClose(code uint16, reason string) *Frame {
	return &Frame{Fin: true, Opcode: OpcodeClose, Payload: ClosePayload(code, reason)}
}

// NewEmptyClose builds a close frame without a status code.
func NewEmptyClose() *Frame {
	return &Frame{Fin: true, Opcode: OpcodeClose}
}

func ClosePayload(code uint16, reason string) []byte {
	b := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(b, code)
	copy(b[2:], reason)
	return b
}

func (f *Frame) IsControl() bool {
	return f.Opcode.IsControl()
}

func (f *Frame) IsValidControl() bool {
	return f.Opcode.IsValidControl()
}

func (f *Frame) IsValidData() bool {
	return f.Opcode.IsValidData()
}

// CloseDetails splits an unmasked close payload into status code and reason.
// hasCode is false for an empty payload. A one byte payload, or a reason that
// is not valid UTF-8, is reported as an error.
func (f *Frame) CloseDetails() (code uint16, reason string, hasCode bool, err error) {
	if f.Opcode != OpcodeClose {
		return 0, "", false, fmt.Errorf("not a close frame: %s", f.Opcode)
	}

	switch len(f.Payload) {
	case 0:
		return 0, "", false, nil
	case 1:
		return 0, "", false, ErrInvalidCloseLength
	}

	code = binary.BigEndian.Uint16(f.Payload)
	if !utf8.Valid(f.Payload[2:]) {
		return code, "", true, ErrInvalidCloseReason
	}

	return code, string(f.Payload[2:]), true, nil
}

var (
	ErrInvalidCloseLength = errors.New("close frame payload must be empty or at least 2 bytes")
	ErrInvalidCloseReason = errors.New("close frame reason must be valid UTF-8")
)

// MaskPayload masks the payload in place with a fresh random key.
// It is a no-op for an already masked frame.
func (f *Frame) MaskPayload() {
	f.MaskPayloadWith(internal.NewMaskKey())
}

func (f *Frame) MaskPayloadWith(key [4]byte) {
	if f.Masked {
		return
	}
	f.MaskKey = key
	internal.Mask(f.Payload, key)
	f.Masked = true
}

// UnmaskPayload reveals the payload in place. It is a no-op for an unmasked frame.
func (f *Frame) UnmaskPayload() {
	if !f.Masked {
		return
	}
	internal.Mask(f.Payload, f.MaskKey)
	f.MaskKey = [4]byte{}
	f.Masked = false
}

// HeaderSize returns the encoded header length for the frame.
func (f *Frame) HeaderSize() int {
	n := 2
	switch l := len(f.Payload); {
	case l > math.MaxUint16:
		n += 8
	case l >= len16Sentinel:
		n += 2
	}
	if f.Masked {
		n += 4
	}
	return n
}

// AppendHeader appends the encoded header of f to dst.
func (f *Frame) AppendHeader(dst []byte) []byte {
	var b0, b1 byte

	if f.Fin {
		b0 |= finBit
	}
	b0 |= (f.Rsv << 4) & rsvBits
	b0 |= byte(f.Opcode) & opcodeBits

	if f.Masked {
		b1 |= maskBit
	}

	length := len(f.Payload)
	switch {
	case length < len16Sentinel:
		dst = append(dst, b0, b1|byte(length))
	case length <= math.MaxUint16:
		dst = append(dst, b0, b1|len16Sentinel)
		dst = binary.BigEndian.AppendUint16(dst, uint16(length))
	default:
		dst = append(dst, b0, b1|len64Sentinel)
		dst = binary.BigEndian.AppendUint32(dst, uint32(uint64(length)>>32))
		dst = binary.BigEndian.AppendUint32(dst, uint32(length))
	}

	if f.Masked {
		dst = append(dst, f.MaskKey[:]...)
	}

	return dst
}

// Encode serializes f. The payload is written as held, so a frame that
// should go out masked must have been masked with MaskPayload first.
func Encode(f *Frame) []byte {
	b := make([]byte, 0, f.HeaderSize()+len(f.Payload))
	b = f.AppendHeader(b)
	return append(b, f.Payload...)
}

// Decode parses a buffer holding exactly one frame. The returned payload
// is a copy and stays masked if the frame was masked.
func Decode(buf []byte) (*Frame, error) {
	f, n, err := Parse(buf)
	if errors.Is(err, ErrIncomplete) {
		return nil, fmt.Errorf("failed to decode frame from %d bytes: [%w]", len(buf), err)
	}
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(buf)-n)
	}

	f.Payload = append([]byte(nil), f.Payload...)
	return f, nil
}
