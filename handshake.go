package websocket

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

const (
	headerUpgrade      = "Upgrade"
	headerConn         = "Connection"
	headerSecWsVersion = "Sec-WebSocket-Version"
	headerSecWsKey     = "Sec-WebSocket-Key"
	headerSecWsAccept  = "Sec-WebSocket-Accept"

	headerUpgradeExpected      = "websocket"
	headerConnExpected         = "Upgrade"
	headerSecWsVersionExpected = "13"

	wsGuid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
)

var (
	ErrHandshakeFailure = errors.New("handshake failure")
)

func newSecWsKey() string {
	nonce := [16]byte{}

	_, _ = rand.Read(nonce[:])

	return base64.StdEncoding.EncodeToString(nonce[:])
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client nonce.
func AcceptKey(secWebSocketKey string) string {
	hasher := sha1.New()
	hasher.Write([]byte(secWebSocketKey + wsGuid))

	return base64.StdEncoding.EncodeToString(hasher.Sum(nil))
}

func isValidSecWsKey(key string) bool {
	if len(key) != 24 {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == 16
}

// Checks if header equals expected value (case insensitive)
// If yes - returns `"", true`
// If no - returns `"<actual_value>", false`
func headerEquals(h http.Header, header, expectedValue string) (string, bool) {
	actualValue := h.Get(header)
	if strings.EqualFold(expectedValue, actualValue) {
		return "", true
	} else {
		return actualValue, false
	}
}

// headerHasToken reports whether a comma separated header contains token.
func headerHasToken(h http.Header, header, token string) bool {
	for _, v := range h.Values(header) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
