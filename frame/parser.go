package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Parse extracts one frame from the front of buf.
//
// It returns the frame and the number of bytes it occupied, ErrIncomplete
// when buf holds only a prefix of a frame, or ErrLengthExceedsSafeRange.
// Parse never blocks and never writes to buf; the returned payload aliases
// buf.
func Parse(buf []byte) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}

	b0, b1 := buf[0], buf[1]
	f := &Frame{
		Fin:    b0&finBit != 0,
		Rsv:    (b0 & rsvBits) >> 4,
		Opcode: Opcode(b0 & opcodeBits),
		Masked: b1&maskBit != 0,
	}

	length := uint64(b1 & lengthBits)
	offset := 2

	switch length {
	case len16Sentinel:
		if len(buf) < offset+2 {
			return nil, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case len64Sentinel:
		if len(buf) < offset+8 {
			return nil, 0, ErrIncomplete
		}
		high := binary.BigEndian.Uint32(buf[offset:])
		low := binary.BigEndian.Uint32(buf[offset+4:])
		length = uint64(high)<<32 | uint64(low)
		offset += 8
		if length > math.MaxInt {
			return nil, 0, fmt.Errorf("%w: %d", ErrLengthExceedsSafeRange, length)
		}
	}

	if f.Masked {
		if len(buf) < offset+4 {
			return nil, 0, ErrIncomplete
		}
		copy(f.MaskKey[:], buf[offset:offset+4])
		offset += 4
	}

	if uint64(len(buf)-offset) < length {
		return nil, 0, ErrIncomplete
	}

	end := offset + int(length)
	f.Payload = buf[offset:end:end]

	return f, end, nil
}

const compactThreshold = 4096

// Decoder accumulates transport chunks and yields complete frames.
//
// The buffer is contiguous with a consumed offset advanced past every
// decoded frame; the consumed prefix is dropped once it is large enough
// to be worth a copy. Frames returned by Next own their payload.
type Decoder struct {
	buf []byte
	off int

	maxBufferSize int
}

// NewDecoder returns a decoder that refuses to hold more than
// maxBufferSize unconsumed bytes. Zero or negative disables the bound.
func NewDecoder(maxBufferSize int) *Decoder {
	return &Decoder{maxBufferSize: maxBufferSize}
}

// Write appends p to the receive buffer. It always takes all of p and
// returns ErrBufferOverflow if the unconsumed bytes now exceed the bound.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)

	if d.maxBufferSize > 0 && d.Buffered() > d.maxBufferSize {
		return len(p), fmt.Errorf("%w: %d bytes buffered, limit %d",
			ErrBufferOverflow, d.Buffered(), d.maxBufferSize)
	}

	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed into frames.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next decodes the next frame. It returns ErrIncomplete when more input is needed.
func (d *Decoder) Next() (*Frame, error) {
	f, n, err := Parse(d.buf[d.off:])
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			d.compact()
		}
		return nil, err
	}

	f.Payload = append(make([]byte, 0, len(f.Payload)), f.Payload...)
	d.off += n

	return f, nil
}

// DecodeAll runs Next until the buffer holds no complete frame.
// Frames decoded before an error are returned along with it.
func (d *Decoder) DecodeAll() ([]*Frame, error) {
	var frames []*Frame
	for {
		f, err := d.Next()
		if errors.Is(err, ErrIncomplete) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.off = 0
}

func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}

	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
		return
	}

	if d.off < compactThreshold && d.off < len(d.buf)/2 {
		return
	}

	n := copy(d.buf, d.buf[d.off:])
	d.buf = d.buf[:n]
	d.off = 0
}
