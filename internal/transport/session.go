// Package transport owns the single TCP session to a Meshtastic radio: the
// framed stream codec (stream_conn.go) and the session lifecycle (connect,
// reconnect, stale-frame watchdog) built on top of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ErrDisconnected is returned by Send when no session is currently up.
var ErrDisconnected = errors.New("transport: not connected")

// State is the connection lifecycle of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateUserDisconnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUserDisconnected:
		return "user-disconnected"
	default:
		return "unknown"
	}
}

// Frame is one decoded-from-the-wire inbound message, delivered to the
// dispatcher as opaque bytes. Decoding into a FromRadio happens one layer up,
// in internal/dispatch, which keeps the codec a pure library with no
// transport dependency.
type Frame struct {
	Raw []byte
}

// Session owns exactly one TCP connection to a radio.
// Connect, Send, and the stale watchdog are the only contract the rest of
// the core relies on; reconnection after an involuntary loss is automatic
// unless Disconnect was called by the user.
type Session struct {
	logger *log.Logger

	mu           sync.Mutex
	state        State
	conn         *StreamConn
	netConn      net.Conn
	host         string
	port         int
	staleTimeout time.Duration

	userDisconnected bool

	frames    chan Frame
	errCh     chan error
	connected chan struct{}
	closed    chan struct{}
	closeMu   sync.Once

	lastFrameAt time.Time
}

// NewSession creates a Session targeting host:port. staleTimeout is the
// frame-level keepalive window: if no inbound frame arrives within it, the
// session is torn down and, unless user-disconnected, reconnected.
func NewSession(host string, port int, staleTimeout time.Duration) *Session {
	return &Session{
		logger:       log.With("component", "transport"),
		host:         host,
		port:         port,
		staleTimeout: staleTimeout,
		frames:       make(chan Frame, 64),
		errCh:        make(chan error, 4),
		connected:    make(chan struct{}, 1),
	}
}

// Frames returns the channel of inbound raw frames. The manager's dispatcher
// loop is the sole consumer.
func (s *Session) Frames() <-chan Frame { return s.frames }

// Errors returns the channel of transport-level errors (connect/send
// failures, unexpected disconnects).
func (s *Session) Errors() <-chan error { return s.errCh }

// Connected receives a value every time the session establishes a TCP
// connection: the initial Connect and every automatic reconnect after an
// involuntary loss. Buffered by one, so a slow consumer sees only that a
// (re)connect happened, not how many happened while it wasn't looking; the
// caller is expected to redrive its own connection-scoped setup (the init
// handshake) each time this fires.
func (s *Session) Connected() <-chan struct{} { return s.connected }

// SetStaleTimeout updates the watchdog window. Takes effect on the next
// connection.
func (s *Session) SetStaleTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleTimeout = d
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect dials the radio and starts the reader + watchdog goroutines. It
// returns once the TCP connection is established (not once the Meshtastic
// init handshake completes — that is the dispatcher's concern).
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.userDisconnected = false
	s.mu.Unlock()

	return s.dial(ctx)
}

func (s *Session) dial(ctx context.Context) error {
	s.setState(StateConnecting)
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	d := net.Dialer{}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("dialing radio at %s: %w", addr, err)
	}

	conn, err := NewClientStreamConn(netConn)
	if err != nil {
		netConn.Close()
		s.setState(StateDisconnected)
		return fmt.Errorf("wrapping stream conn: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.netConn = netConn
	s.lastFrameAt = time.Now()
	s.mu.Unlock()

	s.setState(StateConnected)
	s.logger.Info("connected", "addr", addr)

	select {
	case s.connected <- struct{}{}:
	default:
	}

	go s.readLoop(ctx)
	go s.watchdog(ctx)

	return nil
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		raw, err := conn.RawPayload()
		if err != nil {
			s.logger.Error("transport read failed", "err", err)
			s.handleLoss(ctx, err)
			return
		}

		s.mu.Lock()
		s.lastFrameAt = time.Now()
		s.mu.Unlock()

		select {
		case s.frames <- Frame{Raw: raw}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) watchdog(ctx context.Context) {
	s.mu.Lock()
	timeout := s.staleTimeout
	s.mu.Unlock()
	if timeout <= 0 {
		return
	}

	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastFrameAt) > s.staleTimeout
			s.mu.Unlock()
			if stale {
				s.logger.Warn("stale connection, disconnecting", "timeout", s.staleTimeout)
				s.handleLoss(ctx, errors.New("stale connection watchdog triggered"))
				return
			}
		}
	}
}

// handleLoss tears down the current connection and, unless the user
// explicitly disconnected, reconnects with a short backoff.
func (s *Session) handleLoss(ctx context.Context, cause error) {
	s.mu.Lock()
	wasUser := s.userDisconnected
	if s.netConn != nil {
		s.netConn.Close()
	}
	s.conn = nil
	s.netConn = nil
	s.mu.Unlock()

	select {
	case s.errCh <- cause:
	default:
	}

	if wasUser {
		s.setState(StateUserDisconnected)
		return
	}
	s.setState(StateDisconnected)

	if ctx.Err() != nil {
		return
	}

	go s.reconnectLoop(ctx)
}

func (s *Session) reconnectLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		s.mu.Lock()
		userDisconnected := s.userDisconnected
		s.mu.Unlock()
		if userDisconnected {
			return
		}

		if err := s.dial(ctx); err != nil {
			s.logger.Error("reconnect failed", "err", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return
	}
}

// Send transmits one already-encoded outbound frame (a marshalled ToRadio).
// It blocks until the bytes are accepted by the OS, so callers that must not
// stall should send from their own goroutine.
func (s *Session) Send(raw []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := writeStreamHeader(conn.rw, len(raw)); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := conn.rw.Write(raw); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// Disconnect closes the current connection and suppresses automatic
// reconnection. Idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.userDisconnected = true
	conn := s.conn
	netConn := s.netConn
	s.conn = nil
	s.netConn = nil
	s.mu.Unlock()

	s.setState(StateUserDisconnected)

	if conn == nil && netConn == nil {
		return nil
	}
	if netConn != nil {
		return netConn.Close()
	}
	return nil
}
