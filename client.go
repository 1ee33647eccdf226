package websocket

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Dialer performs the client side of the opening handshake.
type Dialer struct {
	Config Config
	// Header is sent with the upgrade request in addition to the handshake headers.
	Header http.Header
}

// Dial connects to a ws:// url and returns a client-role connection.
// The connection is not served yet; the caller runs Serve.
func (d *Dialer) Dial(ctx context.Context, urlStr string) (c *Conn, err error) {
	cfg := d.Config.withDefaults()
	cfg.IsClient = true
	l := cfg.Logger

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse url: [%w]", ErrHandshakeFailure, err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	default:
		return nil, fmt.Errorf("%w: url schema must be ws, actual %q", ErrHandshakeFailure, u.Scheme)
	}

	dialAddr := u.Host
	if u.Port() == "" {
		dialAddr = net.JoinHostPort(u.Hostname(), "80")
	}

	l.Debug("dialing websocket server", zap.String("addr", dialAddr))

	var nd net.Dialer
	netConn, err := nd.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial remote address %q: [%w]", dialAddr, err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, netConn.Close())
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       u.Host,
		Header:     make(http.Header),
	}

	for hk, hv := range d.Header {
		req.Header[hk] = append([]string(nil), hv...)
	}

	req.Header[headerUpgrade] = []string{headerUpgradeExpected}
	req.Header[headerConn] = []string{headerConnExpected}
	req.Header[headerSecWsVersion] = []string{headerSecWsVersionExpected}

	secWsKey := newSecWsKey()
	expectedSecWsAccept := AcceptKey(secWsKey)

	req.Header[headerSecWsKey] = []string{secWsKey}

	err = req.Write(netConn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to write request: [%w]", ErrHandshakeFailure, err)
	}

	bufReader := bufio.NewReaderSize(netConn, 4096)

	res, err := http.ReadResponse(bufReader, req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: [%w]", ErrHandshakeFailure, err)
	}
	res.Body = io.NopCloser(bytes.NewReader([]byte{}))

	if res.StatusCode != http.StatusSwitchingProtocols {
		return nil, fmt.Errorf(`%w: status code must be %d, actual %d`,
			ErrHandshakeFailure, http.StatusSwitchingProtocols, res.StatusCode)
	}

	actual, ok := headerEquals(res.Header, headerUpgrade, headerUpgradeExpected)
	if !ok {
		return nil, fmt.Errorf(`%w: %q header must be %q, actual %q`,
			ErrHandshakeFailure, headerUpgrade, headerUpgradeExpected, actual)
	}

	if !headerHasToken(res.Header, headerConn, headerConnExpected) {
		return nil, fmt.Errorf(`%w: %q header must contain %q, actual %q`,
			ErrHandshakeFailure, headerConn, headerConnExpected, res.Header.Get(headerConn))
	}

	secWsAccept := res.Header.Get(headerSecWsAccept)
	if len(secWsAccept) == 0 {
		return nil, fmt.Errorf("%w: missing %q header", ErrHandshakeFailure, headerSecWsAccept)
	} else if secWsAccept != expectedSecWsAccept {
		return nil, fmt.Errorf("%w: %q header does not equal expected value", ErrHandshakeFailure, headerSecWsAccept)
	}

	_ = netConn.SetDeadline(time.Time{})

	// frames the server sent along with its response
	var head []byte
	if n := bufReader.Buffered(); n > 0 {
		head, _ = bufReader.Peek(n)
		head = append([]byte(nil), head...)
	}

	c = NewConn(netConn, head, cfg)

	l.Debug("websocket connection established", zap.Stringer("conn", c.ID()))

	return c, nil
}
