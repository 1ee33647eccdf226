package internal

import "fmt"

type Opcode uint8

const (
	OpcodeContinuationFrame Opcode = 0x0
	OpcodeTextFrame         Opcode = 0x1
	OpcodeBinaryFrame       Opcode = 0x2
	OpcodeConnectionClose   Opcode = 0x8
	OpcodePing              Opcode = 0x9
	OpcodePong              Opcode = 0xA
)

// IsControl reports whether the high bit of the opcode nibble is set.
// Reserved control opcodes (0xB-0xF) are control frames too, they are
// just not valid ones.
func (c Opcode) IsControl() bool {
	return c&0x8 != 0
}

func (c Opcode) IsValidControl() bool {
	return c == OpcodeConnectionClose || c == OpcodePing || c == OpcodePong
}

func (c Opcode) IsValidData() bool {
	return c == OpcodeContinuationFrame || c == OpcodeTextFrame || c == OpcodeBinaryFrame
}

func (c Opcode) String() string {
	switch c {
	case OpcodeContinuationFrame:
		return "continuation"
	case OpcodeTextFrame:
		return "text"
	case OpcodeBinaryFrame:
		return "binary"
	case OpcodeConnectionClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return fmt.Sprintf("reserved(%#x)", uint8(c))
	}
}
