package outnet

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPGet fetches a single document with a minimal HTTP/1.1 GET over a
// connection opened the same way as the engine's stream transports, DSCP
// and source binding included. Used for auxiliary downloads such as trust
// anchors. The returned reader streams the body and must be closed.
func (o *OutsideNetwork) HTTPGet(addr netip.AddrPort, host, path string, useTLS bool, timeout time.Duration) (io.ReadCloser, error) {
	if timeout == 0 {
		timeout = tcpAuthQueryTimeout
	}
	dialer := net.Dialer{
		Timeout: timeout,
		Control: tcpControl(o.opt.TCPMSS, o.opt.DSCP, family(addr) == 6),
	}
	conn, err := dialer.Dial("tcp", addr.String())
	if err != nil {
		return nil, errors.Wrap(err, "http connect")
	}
	if useTLS {
		cfg := o.opt.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		cfg = cfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tc := tls.Client(conn, cfg)
		tc.SetDeadline(time.Now().Add(timeout))
		if err := tc.Handshake(); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "http tls handshake")
		}
		conn = tc
	}
	conn.SetDeadline(time.Now().Add(timeout))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: outnet/%s\r\n\r\n", path, host, version)
	if _, err := io.WriteString(conn, req); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "http request")
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "http status")
	}
	parts := strings.SplitN(strings.TrimSpace(status), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") || parts[1] != "200" {
		conn.Close()
		return nil, errors.Errorf("http error: %s", strings.TrimSpace(status))
	}
	length := int64(-1)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "http header")
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(k, "Content-Length") {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				length = n
			}
		}
	}

	var body io.Reader = br
	if length >= 0 {
		body = io.LimitReader(br, length)
	}
	return &httpBody{Reader: body, conn: conn}, nil
}

type httpBody struct {
	io.Reader
	conn net.Conn
}

func (b *httpBody) Close() error { return b.conn.Close() }
