package websocket

import (
	"os"

	"go.uber.org/zap"
)

// defaultLogger discards everything unless WS_LOG=1.
func defaultLogger() *zap.Logger {
	if os.Getenv("WS_LOG") != "1" {
		return zap.NewNop()
	}

	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func zapCode(code CloseCode) zap.Field {
	return zap.Uint16("code", code.U())
}

func zapReason(reason string) zap.Field {
	return zap.String("reason", reason)
}
