// Package transport provides the TCP/TLS dialing and socket-readiness
// polling that the engine consumes as an external collaborator (spec.md
// section 1: "Transport trait/interface that yields readable/writable
// non-blocking sockets and a multiplexed readiness poller").
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"
)

// Transport dials outbound connections for the two URI schemes the engine
// understands: tcp:// and ssl://.
type Transport interface {
	// Dial connects to addr (host:port, scheme prefix already stripped).
	// useTLS selects a TLS handshake using tlsConfig (nil for no TLS).
	Dial(ctx context.Context, addr string, useTLS bool, tlsConfig *tls.Config) (net.Conn, error)
}

// netTransport is the default Transport, dialing real TCP/TLS sockets.
type netTransport struct {
	dialer net.Dialer
}

// New returns the default Transport, backed by net.Dialer and tls.Dialer.
func New() Transport {
	return &netTransport{}
}

func (t *netTransport) Dial(ctx context.Context, addr string, useTLS bool, tlsConfig *tls.Config) (net.Conn, error) {
	if useTLS {
		cfg := tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		d := &tls.Dialer{NetDialer: &t.dialer, Config: cfg}
		return d.DialContext(ctx, "tcp", addr)
	}
	return t.dialer.DialContext(ctx, "tcp", addr)
}

// SplitServerURI strips the tcp:// or ssl:// scheme prefix from uri and
// reports whether TLS is required, per spec.md section 6's URI schemes.
func SplitServerURI(uri string) (addr string, useTLS bool) {
	switch {
	case strings.HasPrefix(uri, "ssl://"):
		return strings.TrimPrefix(uri, "ssl://"), true
	case strings.HasPrefix(uri, "tcp://"):
		return strings.TrimPrefix(uri, "tcp://"), false
	default:
		return uri, false
	}
}

// DialAsync starts a dial in its own goroutine and delivers the result on
// the returned channel exactly once. The Sender uses this to realize
// "initiate async TCP connect" (spec.md section 4.3) without blocking the
// single Sender goroutine on a slow or refused connection.
func DialAsync(t Transport, ctx context.Context, addr string, useTLS bool, tlsConfig *tls.Config) <-chan DialResult {
	result := make(chan DialResult, 1)
	go func() {
		conn, err := t.Dial(ctx, addr, useTLS, tlsConfig)
		result <- DialResult{Conn: conn, Err: err}
	}()
	return result
}

// DialResult is the outcome of an asynchronous dial.
type DialResult struct {
	Conn net.Conn
	Err  error
}

// ReadinessPoller is the multiplexed readiness poll the Receiver calls on
// every wakeup (spec.md section 4.4, step 1). A connection is "ready" when
// a read would return data (or EOF/error) without blocking.
type ReadinessPoller interface {
	// Register adds conn to the poll set, tagged with an opaque key the
	// caller uses to look up which client it belongs to.
	Register(key any, conn net.Conn)

	// Unregister removes conn from the poll set.
	Unregister(key any)

	// Reader returns the buffered reader wrapping the connection registered
	// under key, so the caller can frame a packet off exactly the bytes
	// Wait peeked without re-reading them. Returns nil if key is not
	// registered.
	Reader(key any) *bufio.Reader

	// Wait blocks up to timeout and returns the key of one ready
	// connection, or ok=false if none became ready in time.
	Wait(timeout time.Duration) (key any, ok bool)
}
