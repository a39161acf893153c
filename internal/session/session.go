// Package session implements the per-connection session engine: the
// asymmetric state machine coordinating one client↔proxy (C2P) and one
// proxy↔upstream (P2S) Stream.
//
// Each Session is modeled as an actor: a single mutex guards all
// endpoint state, and every blocking I/O operation (dial, read, write,
// close) runs on its own goroutine whose sole job is to perform the
// operation and then call back into the Session's completion methods.
// Those methods take the mutex for every check or update of endpoint
// state and release it around blocking calls, so completion methods of
// one Session can be in progress at the same time; the mutex keeps each
// state check and update atomic, and the "reading"/"writing" flags keep
// at most one read and one write in flight per endpoint.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aixiwang/maproxy/internal/stream"
)

// defaultReadBufferSize is the chunk size used when reading from an
// endpoint's Stream (the same value as internal/stream's
// defaultReadBufferSize).
const defaultReadBufferSize = 4096

// connState is the lifecycle of one endpoint of a Session.
type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "CONNECTING"
	case stateConnected:
		return "CONNECTED"
	default:
		return "CLOSED"
	}
}

// side identifies which endpoint of a Session a method call concerns.
// The read/write rules are symmetric across sides, so they are written
// once here and parameterized on side.
type side int

const (
	sideC2P side = iota
	sideP2S
)

func (s side) other() side {
	if s == sideC2P {
		return sideP2S
	}
	return sideC2P
}

func (s side) String() string {
	if s == sideC2P {
		return "c2p"
	}
	return "p2s"
}

// writeItem is either a byte chunk or the close-sentinel. A tagged
// struct is used instead of a nilable []byte so the zero value of
// chunk can never be mistaken for "close".
type writeItem struct {
	chunk         []byte
	closeSentinel bool
}

// endpoint holds the mutable state of one side of a Session. All
// fields are read/written only while the owning Session's mutex is held.
type endpoint struct {
	stream  stream.Stream
	state   connState
	writing bool
	reading bool
	queue   []writeItem
}

// Target is the fixed upstream a Session dials, resolved once per
// Session at construction time from the Listener's static
// configuration, not resolved per-connection.
type Target struct {
	Host string
	Port uint16
	// TLS is the outbound TLS config to use when dialling the target,
	// or nil for a plain TCP P2S connection.
	TLS *tls.Config
}

// Remover is the Session's parent Listener collaborator: the only
// operation the core engine needs from it is "drop your reference to
// this session", invoked exactly once per session.
type Remover interface {
	RemoveSession(s *Session)
}

// Session owns exactly one C2P and one P2S endpoint and implements the
// state machine and data-flow rules for relaying bytes between them.
type Session struct {
	mu sync.Mutex

	id       uint64
	listener Remover
	target   Target
	peerAddr net.Addr

	c2p endpoint
	p2s endpoint

	removed bool

	dialTimeout time.Duration
	logger      zerolog.Logger
}

// invariantError is panicked (never returned) when a completion
// callback observes state its precondition forbids — a programming
// error: the engine's internal bookkeeping is broken.
type invariantError string

func (e invariantError) Error() string { return "session: invariant violation: " + string(e) }

// New constructs a Session for a freshly accepted inbound Stream, but
// does not start any I/O:
//  1. C2P starts CONNECTED; P2S starts CONNECTING.
//  2. Nagle disabled on the inbound stream.
//
// Call Start once the Session is registered with its Remover to begin
// the outbound dial and the inbound read loop.
func New(id uint64, inbound stream.Stream, peerAddr net.Addr, target Target, listener Remover, dialTimeout time.Duration, logger zerolog.Logger) *Session {
	s := &Session{
		id:          id,
		listener:    listener,
		target:      target,
		peerAddr:    peerAddr,
		dialTimeout: dialTimeout,
		logger:      logger.With().Uint64("session_id", id).Logger(),
	}
	s.c2p.stream = inbound
	s.c2p.state = stateConnected
	s.p2s.state = stateConnecting

	if err := inbound.SetNoDelay(true); err != nil {
		s.logger.Debug().Err(err).Msg("set nodelay on inbound stream failed")
	}

	s.logger.Debug().
		Str("remote_addr", fmt.Sprint(peerAddr)).
		Str("target", fmt.Sprintf("%s:%d", target.Host, target.Port)).
		Msg("session constructed")

	return s
}

// Start begins the session's I/O: the outbound dial and the inbound
// read loop. Callers must register the Session with its Remover before
// calling Start, since onDialFailed/onClose can reach RemoveSession as
// soon as I/O begins, and a session dialing into an empty map would
// never be reclaimed.
func (s *Session) Start() {
	go s.dial()
	s.startRead(sideC2P)
}

// dial performs the outbound connect off the Session's goroutine and
// reports completion through the same locked paths a callback would.
func (s *Session) dial() {
	ctx := context.Background()
	var cancel context.CancelFunc
	if s.dialTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.dialTimeout)
		defer cancel()
	}

	outbound, err := stream.Dial(ctx, s.target.Host, s.target.Port, s.target.TLS)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upstream dial failed")
		s.onDialFailed()
		return
	}
	if err := outbound.SetNoDelay(true); err != nil {
		s.logger.Debug().Err(err).Msg("set nodelay on outbound stream failed")
	}

	s.mu.Lock()
	s.p2s.stream = outbound
	s.mu.Unlock()

	s.onConnectDone()
}

// onDialFailed handles a failed outbound connect: P2S
// transitions directly to CLOSED without ever having been CONNECTED,
// then C2P is gracefully closed so any already-queued outbound bytes
// are dropped (destination gone) and the client observes a clean close.
func (s *Session) onDialFailed() {
	s.mu.Lock()
	if s.p2s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.p2s.state = stateClosed
	s.p2s.queue = nil
	c2pAlreadyClosed := s.c2p.state == stateClosed
	s.mu.Unlock()

	if c2pAlreadyClosed {
		s.removeOnce()
		return
	}
	s.startClose(sideC2P, true)
}

// --- Read rule ---------------------------------------------------

func (s *Session) endpointFor(sd side) *endpoint {
	if sd == sideC2P {
		return &s.c2p
	}
	return &s.p2s
}

// startRead begins a continuous read loop on sd. Precondition:
// reading == false on that endpoint, so at most one read is ever in flight.
func (s *Session) startRead(sd side) {
	s.mu.Lock()
	e := s.endpointFor(sd)
	if e.state == stateClosed {
		s.mu.Unlock()
		return
	}
	if e.reading {
		panic(invariantError(fmt.Sprintf("%s: startRead called while reading=true", sd)))
	}
	e.reading = true
	st := e.stream
	s.mu.Unlock()

	go s.readLoop(sd, st)
}

// readLoop is the single reader goroutine for one endpoint: it
// delivers every chunk as it arrives until the stream closes, then
// fires the close path exactly once.
func (s *Session) readLoop(sd side, st stream.Stream) {
	buf := make([]byte, defaultReadBufferSize)
	for {
		n, err := st.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.onDoneRead(sd, chunk)
		}
		if err != nil {
			s.mu.Lock()
			e := s.endpointFor(sd)
			e.reading = false
			s.mu.Unlock()
			s.onClose(sd)
			return
		}
	}
}

// onDoneRead delivers a chunk read from sd to the opposite endpoint's
// write path, preserving arrival order.
func (s *Session) onDoneRead(sd side, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.startWrite(sd.other(), writeItem{chunk: chunk})
}

// --- Write rule --------------------------------------------------

// startWrite implements p2s_start_write / c2p_start_write, parameterized
// on which endpoint the item is destined for.
func (s *Session) startWrite(sd side, item writeItem) {
	s.mu.Lock()
	e := s.endpointFor(sd)

	switch e.state {
	case stateConnecting:
		// Ordering preserved; drained on connect.
		e.queue = append(e.queue, item)
		s.mu.Unlock()
		return
	case stateClosed:
		// Destination gone; dropping is fine.
		s.mu.Unlock()
		return
	}

	if !e.writing {
		if len(e.queue) != 0 {
			panic(invariantError(fmt.Sprintf("%s: writing=false with non-empty queue", sd)))
		}
		s.mu.Unlock()
		s.lowLevelWrite(sd, item)
		return
	}
	e.queue = append(e.queue, item)
	s.mu.Unlock()
}

// lowLevelWrite issues the actual write (or close) for item on sd.
// Must be called without s.mu held; it acquires it only to flip state.
func (s *Session) lowLevelWrite(sd side, item writeItem) {
	if item.closeSentinel {
		s.mu.Lock()
		e := s.endpointFor(sd)
		if e.state == stateClosed {
			s.mu.Unlock()
			return
		}
		e.state = stateClosed
		e.writing = false
		st := e.stream
		s.mu.Unlock()

		s.logger.Debug().Str("side", sd.String()).Msg("graceful close: sentinel reached, closing stream")
		if err := st.Close(); err != nil {
			s.logger.Debug().Err(err).Str("side", sd.String()).Msg("stream close error")
		}
		// Closing the stream unblocks that endpoint's pending Read with
		// an error; readLoop's own error path calls onClose(sd) exactly
		// once, whether the close was peer- or self-initiated.
		return
	}

	s.mu.Lock()
	e := s.endpointFor(sd)
	if e.state == stateClosed {
		s.mu.Unlock()
		return
	}
	e.writing = true
	st := e.stream
	s.mu.Unlock()

	go func() {
		_, err := st.Write(item.chunk)
		if err != nil {
			s.mu.Lock()
			e := s.endpointFor(sd)
			e.writing = false
			s.mu.Unlock()
			s.logger.Debug().Err(err).Str("side", sd.String()).Msg("write failed; awaiting close notification")
			return
		}
		s.onDoneWrite(sd)
	}()
}

// onDoneWrite implements on_p2s_done_write / on_c2p_done_write.
func (s *Session) onDoneWrite(sd side) {
	s.mu.Lock()
	e := s.endpointFor(sd)
	if !e.writing {
		s.mu.Unlock()
		panic(invariantError(fmt.Sprintf("%s: onDoneWrite fired while writing=false", sd)))
	}
	if len(e.queue) == 0 {
		e.writing = false
		s.mu.Unlock()
		return
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	s.mu.Unlock()

	s.lowLevelWrite(sd, next)
}

// --- Connect completion -------------------------------------------

// onConnectDone implements on_p2s_done_connect. Only P2S ever
// transitions out of CONNECTING via dial, so this is not parameterized
// on side.
func (s *Session) onConnectDone() {
	s.mu.Lock()
	if s.p2s.state == stateClosed {
		// The session was force-closed while the dial was still in
		// flight; the outbound connection arrived too late to be used.
		st := s.p2s.stream
		s.mu.Unlock()
		if st != nil {
			st.Close()
		}
		return
	}
	if s.p2s.state != stateConnecting {
		panic(invariantError("onConnectDone fired while p2s.state != CONNECTING"))
	}
	s.p2s.state = stateConnected
	if s.p2s.writing {
		panic(invariantError("onConnectDone fired with p2s.writing=true"))
	}

	var first *writeItem
	if len(s.p2s.queue) > 0 {
		item := s.p2s.queue[0]
		s.p2s.queue = s.p2s.queue[1:]
		first = &item
		// Mark writing=true before releasing the lock, in the same
		// critical section that popped the head: a startWrite racing in
		// from the still-running C2P readLoop must see writing=true and
		// append to the queue, not find writing=false with a queue that
		// is (or was just) non-empty and panic, or issue a second
		// concurrent lowLevelWrite.
		s.p2s.writing = true
	}
	s.mu.Unlock()

	s.startRead(sideP2S)

	// Issue the low-level write directly for the popped head: startWrite
	// itself must not be used here, since it would see writing=true (set
	// above) and simply enqueue this item behind itself.
	if first != nil {
		s.lowLevelWrite(sideP2S, *first)
	}
}

// --- Close protocol ------------------------------------------------

// startClose implements c2p_start_close / p2s_start_close.
func (s *Session) startClose(sd side, graceful bool) {
	s.mu.Lock()
	e := s.endpointFor(sd)
	if e.state == stateClosed {
		s.mu.Unlock()
		return
	}
	if graceful {
		s.mu.Unlock()
		s.startWrite(sd, writeItem{closeSentinel: true})
		return
	}

	// Ungraceful: drop whatever is queued and close the stream now,
	// used by ForceClose for immediate shutdown.
	e.state = stateClosed
	e.queue = nil
	st := e.stream
	otherClosed := s.endpointFor(sd.other()).state == stateClosed
	s.mu.Unlock()

	if st != nil {
		st.Close()
	}
	if otherClosed {
		s.removeOnce()
	}
}

// ForceClose immediately and ungracefully closes both endpoints,
// without waiting for any queued writes to drain. Used by immediate
// (non-graceful) shutdown to reclaim a session's streams and goroutines
// rather than leaving them running past manager.Stop(0)'s return.
func (s *Session) ForceClose() {
	s.startClose(sideC2P, false)
	s.startClose(sideP2S, false)
}

// onClose implements on_c2p_close / on_p2s_close: the peer-closed
// notification handler.
func (s *Session) onClose(sd side) {
	s.mu.Lock()
	e := s.endpointFor(sd)
	alreadyClosed := e.state == stateClosed
	e.state = stateClosed
	st := e.stream
	other := s.endpointFor(sd.other())
	otherClosed := other.state == stateClosed
	s.mu.Unlock()

	if alreadyClosed {
		// Already driven to CLOSED via the graceful-write path, which
		// already closed this endpoint's stream itself; avoid
		// double-propagating the close to the peer endpoint.
		if otherClosed {
			s.removeOnce()
		}
		return
	}

	// The read error means the peer side (or the socket itself) is gone,
	// but nothing has called Close() on this endpoint's stream yet: a
	// peer FIN alone does not release the local fd. Close is idempotent,
	// so doing it here is safe even if the write path closes it too.
	if err := st.Close(); err != nil {
		s.logger.Debug().Err(err).Str("side", sd.String()).Msg("stream close error")
	}

	s.logger.Debug().Str("side", sd.String()).Msg("peer closed")

	if otherClosed {
		s.removeOnce()
		return
	}
	s.startClose(sd.other(), true)
}

// removeOnce runs once both endpoints have reached CLOSED:
// remove the session from its Listener exactly once.
func (s *Session) removeOnce() {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	s.removed = true
	s.mu.Unlock()

	s.logger.Debug().Msg("session removed")
	if s.listener != nil {
		s.listener.RemoveSession(s)
	}
}

// ID returns the session's identifier, stable for its lifetime.
func (s *Session) ID() uint64 { return s.id }

// PeerAddr returns the remote address of the inbound (C2P) connection.
func (s *Session) PeerAddr() net.Addr { return s.peerAddr }
