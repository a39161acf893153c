// Package stream provides the Stream abstraction used by the session
// engine: a reliable, ordered, bidirectional byte channel that may be
// plain TCP or TLS-wrapped, treated identically by the caller.
package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// defaultReadBufferSize is the chunk size used when reading from a Stream.
const defaultReadBufferSize = 4096

// Stream is a reliable, ordered, bidirectional byte channel. Both plain
// TCP and TLS connections satisfy it identically; the session engine
// never type-switches on the concrete kind.
type Stream interface {
	// Read delivers up to len(p) bytes, following io.Reader semantics.
	Read(p []byte) (int, error)
	// Write writes b in full or returns an error, following io.Writer semantics.
	Write(b []byte) (int, error)
	// Close may be called more than once; calls after the first have no
	// further effect but may return an error.
	Close() error
	// SetNoDelay disables (true) or enables (false) Nagle's algorithm.
	SetNoDelay(nodelay bool) error
	// RemoteAddr returns the address of the remote end of the stream.
	RemoteAddr() net.Addr
}

// tcpStream wraps a *net.TCPConn.
type tcpStream struct {
	*net.TCPConn
}

func (s *tcpStream) SetNoDelay(nodelay bool) error { return s.TCPConn.SetNoDelay(nodelay) }

// tlsStream wraps a *tls.Conn, delegating SetNoDelay to the underlying
// net.Conn since tls.Conn itself has no notion of Nagle's algorithm.
type tlsStream struct {
	*tls.Conn
	underlying net.Conn
}

func (s *tlsStream) SetNoDelay(nodelay bool) error {
	if tc, ok := s.underlying.(*net.TCPConn); ok {
		return tc.SetNoDelay(nodelay)
	}
	return nil
}

// WrapInbound adapts an already-accepted net.Conn (plain or already
// TLS-terminated by the Listener) into a Stream.
func WrapInbound(conn net.Conn) Stream {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		return &tlsStream{Conn: tlsConn, underlying: underlyingOf(tlsConn)}
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return &tcpStream{TCPConn: tcpConn}
	}
	return &genericStream{Conn: conn}
}

// genericStream is the fallback for connections that are neither
// *net.TCPConn nor *tls.Conn (e.g. in tests using net.Pipe).
type genericStream struct {
	net.Conn
}

func (s *genericStream) SetNoDelay(bool) error { return nil }

// Dial opens the outbound Stream for P2S: plain TCP if tlsConfig is
// nil, or a TLS tunnel to (host, port) otherwise. It is the Stream-side
// equivalent of the session engine's dial operation; callers run it in a
// goroutine and funnel completion back into the session engine.
func Dial(ctx context.Context, host string, port uint16, tlsConfig *tls.Config) (Stream, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	var d net.Dialer

	if tlsConfig == nil {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			return &genericStream{Conn: conn}, nil
		}
		return &tcpStream{TCPConn: tcpConn}, nil
	}

	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(rawConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return &tlsStream{Conn: tlsConn, underlying: rawConn}, nil
}

// underlyingOf reports the raw net.Conn beneath a *tls.Conn so
// SetNoDelay can reach the real socket. tls.Conn exposes it via
// NetConn() since Go 1.20.
func underlyingOf(c *tls.Conn) net.Conn {
	return c.NetConn()
}
