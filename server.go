package websocket

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Upgrader performs the server side of the opening handshake and hands the
// hijacked connection to a Conn.
type Upgrader struct {
	Config Config
	// Pool, if set, registers every upgraded connection for liveness sweeps.
	Pool *Pool
}

// Upgrade validates the upgrade request, replies 101 Switching Protocols and
// returns the server-role connection. On failure an HTTP error response has
// already been written and the error wraps ErrHandshakeFailure.
func (u *Upgrader) Upgrade(w http.ResponseWriter, req *http.Request) (*Conn, error) {
	cfg := u.Config.withDefaults()
	cfg.IsClient = false
	l := cfg.Logger

	l.Debug("handling opening handshake", zap.String("remote", req.RemoteAddr))

	secWsKey, status, err := checkUpgradeRequest(req)
	if err != nil {
		if status == http.StatusUpgradeRequired {
			w.Header().Set(headerSecWsVersion, headerSecWsVersionExpected)
		}
		http.Error(w, err.Error(), status)
		l.Debug("rejected opening handshake", zap.Int("status", status), zap.Error(err))
		return nil, err
	}

	netConn, rw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		http.Error(w, "websocket: hijacking not supported", http.StatusInternalServerError)
		return nil, fmt.Errorf("failed to hijack net.Conn: [%w]", err)
	}

	// bytes the client sent right after its request headers
	var head []byte
	if n := rw.Reader.Buffered(); n > 0 {
		head, _ = rw.Reader.Peek(n)
		head = append([]byte(nil), head...)
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		headerUpgrade + ": " + headerUpgradeExpected + "\r\n" +
		headerConn + ": " + headerConnExpected + "\r\n" +
		headerSecWsAccept + ": " + AcceptKey(secWsKey) + "\r\n\r\n"

	_, err = netConn.Write([]byte(response))
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("failed to write handshake response: [%w]", err)
	}

	c := NewConn(netConn, head, cfg)
	if u.Pool != nil {
		u.Pool.Add(c)
	}

	l.Debug("new websocket connection opened", zap.Stringer("conn", c.ID()), zap.Int("head", len(head)))

	return c, nil
}

func checkUpgradeRequest(req *http.Request) (key string, status int, err error) {
	if req.Method != http.MethodGet {
		return "", http.StatusMethodNotAllowed,
			fmt.Errorf("%w: method must be GET, actual %q", ErrHandshakeFailure, req.Method)
	}

	actual, ok := headerEquals(req.Header, headerUpgrade, headerUpgradeExpected)
	if !ok {
		return "", http.StatusBadRequest, fmt.Errorf(`%w: %q header must be %q, actual %q`,
			ErrHandshakeFailure, headerUpgrade, headerUpgradeExpected, actual)
	}

	if !headerHasToken(req.Header, headerConn, headerConnExpected) {
		return "", http.StatusBadRequest, fmt.Errorf(`%w: %q header must contain %q, actual %q`,
			ErrHandshakeFailure, headerConn, headerConnExpected, req.Header.Get(headerConn))
	}

	actual, ok = headerEquals(req.Header, headerSecWsVersion, headerSecWsVersionExpected)
	if !ok {
		return "", http.StatusUpgradeRequired, fmt.Errorf(`%w: %q header must be %q, actual %q`,
			ErrHandshakeFailure, headerSecWsVersion, headerSecWsVersionExpected, actual)
	}

	key = req.Header.Get(headerSecWsKey)
	if key == "" {
		return "", http.StatusBadRequest, fmt.Errorf("%w: missing %q header", ErrHandshakeFailure, headerSecWsKey)
	}
	if !isValidSecWsKey(key) {
		return "", http.StatusBadRequest, fmt.Errorf("%w: %q must be 16 base64 encoded bytes", ErrHandshakeFailure, headerSecWsKey)
	}

	return key, 0, nil
}
