// Package listener binds an address, optionally terminates TLS inbound,
// and constructs a session.Session for every accepted connection. It
// owns the set of live Sessions and is their sole Remover.
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aixiwang/maproxy/internal/session"
	"github.com/aixiwang/maproxy/internal/stream"
)

// Config describes one listener: its bind address, fixed upstream
// target, and optional inbound/outbound TLS.
type Config struct {
	// Address is host:port to bind, e.g. "0.0.0.0:8443".
	Address string

	TargetHost string
	TargetPort uint16

	// InboundTLS terminates TLS on accept when non-nil.
	InboundTLS *tls.Config
	// OutboundTLS opens a TLS tunnel to the target when non-nil.
	OutboundTLS *tls.Config

	// DialTimeout bounds the outbound dial; zero means no timeout.
	DialTimeout time.Duration
}

// Listener binds Config.Address, accepts connections, and constructs a
// Session per accept.
type Listener struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	netLn    net.Listener
	sessions map[uint64]*session.Session
	nextID   uint64
	stopped  bool

	wg sync.WaitGroup
}

// New creates a Listener that is not yet bound; call Start to begin accepting.
func New(cfg Config, logger zerolog.Logger) *Listener {
	return &Listener{
		cfg:      cfg,
		logger:   logger.With().Str("listener", cfg.Address).Logger(),
		sessions: make(map[uint64]*session.Session),
	}
}

// Start binds the configured address and begins accepting connections
// in the background. Returns once the bind succeeds.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", l.cfg.Address, err)
	}

	l.mu.Lock()
	l.netLn = ln
	l.mu.Unlock()

	l.logger.Info().Msg("listener started")

	l.wg.Add(1)
	go l.acceptLoop(ln)
	return nil
}

// acceptLoop hands each freshly accepted connection, its peer address,
// and the configured upstream target to a new Session; everything past
// that handoff is the session engine's job.
func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return
			}
			l.logger.Error().Err(err).Msg("accept error")
			continue
		}

		l.wg.Add(1)
		go l.handleAccept(conn)
	}
}

func (l *Listener) handleAccept(conn net.Conn) {
	defer l.wg.Done()

	peerAddr := conn.RemoteAddr()

	var inbound stream.Stream
	if l.cfg.InboundTLS != nil {
		tlsConn := tls.Server(conn, l.cfg.InboundTLS)
		if err := tlsConn.Handshake(); err != nil {
			l.logger.Warn().Err(err).Str("remote_addr", fmt.Sprint(peerAddr)).Msg("inbound TLS handshake failed")
			conn.Close()
			return
		}
		inbound = stream.WrapInbound(tlsConn)
	} else {
		inbound = stream.WrapInbound(conn)
	}

	target := session.Target{
		Host: l.cfg.TargetHost,
		Port: l.cfg.TargetPort,
		TLS:  l.cfg.OutboundTLS,
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		inbound.Close()
		return
	}
	l.nextID++
	id := l.nextID
	l.mu.Unlock()

	s := session.New(id, inbound, peerAddr, target, l, l.cfg.DialTimeout, l.logger)

	// Register before starting I/O: Start can reach RemoveSession as
	// early as an instant dial failure, and that must never race ahead
	// of this session's own insertion into the map.
	l.mu.Lock()
	l.sessions[id] = s
	count := len(l.sessions)
	l.mu.Unlock()

	s.Start()

	l.logger.Debug().
		Uint64("session_id", id).
		Str("remote_addr", fmt.Sprint(peerAddr)).
		Int("live_sessions", count).
		Msg("session accepted")
}

// RemoveSession implements session.Remover.
func (l *Listener) RemoveSession(s *session.Session) {
	l.mu.Lock()
	delete(l.sessions, s.ID())
	count := len(l.sessions)
	l.mu.Unlock()

	l.logger.Debug().Uint64("session_id", s.ID()).Int("live_sessions", count).Msg("session removed")
}

// LiveSessionCount reports the number of sessions this listener has
// not yet removed.
func (l *Listener) LiveSessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// ForceCloseSessions ungracefully closes every session still live on
// this listener, for immediate (non-graceful) shutdown. Each closed
// session reaches RemoveSession on its own once both its endpoints
// report closed.
func (l *Listener) ForceCloseSessions() {
	l.mu.Lock()
	sessions := make([]*session.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	for _, s := range sessions {
		s.ForceClose()
	}
}

// Address returns the configured bind address.
func (l *Listener) Address() string { return l.cfg.Address }

// Stop stops accepting new connections. It does not close existing
// sessions; the Manager owns the graceful-drain decision.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	ln := l.netLn
	l.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			return err
		}
	}
	l.wg.Wait()
	l.logger.Info().Msg("listener stopped")
	return nil
}
