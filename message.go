package websocket

import (
	"github.com/wmdanor/wsengine/internal"
)

type MessageType uint8

const (
	// Non-control
	TextMessage   MessageType = MessageType(internal.OpcodeTextFrame)
	BinaryMessage MessageType = MessageType(internal.OpcodeBinaryFrame)

	// Control
	CloseMessage MessageType = MessageType(internal.OpcodeConnectionClose)
	PingMessage  MessageType = MessageType(internal.OpcodePing)
	PongMessage  MessageType = MessageType(internal.OpcodePong)
)

func (mt MessageType) String() string {
	return internal.Opcode(mt).String()
}
