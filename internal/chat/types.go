package chat

import (
	"net"
	"sync/atomic"

	"github.com/google/uuid"
)

// SessionState tracks one connection through its lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the server-side state for one client connection, from accept to
// close. Username is set by the registry when the session is accepted; the
// Out channel is the session's single-writer send path, drained by exactly
// one writer goroutine.
type Session struct {
	ID       string
	Conn     net.Conn
	Username string
	Out      chan Message

	state atomic.Int32
}

// NewSession wraps an accepted connection. The send buffer must be large
// enough to absorb a full history replay without stalling the registry.
func NewSession(conn net.Conn, buffer int) *Session {
	s := &Session{
		ID:   uuid.NewString(),
		Conn: conn,
		Out:  make(chan Message, buffer),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// enqueue queues msg on the session's send path without blocking. It reports
// whether the message was accepted.
func (s *Session) enqueue(msg Message) bool {
	select {
	case s.Out <- msg:
		return true
	default:
		return false
	}
}

type EventType int

const (
	EventRegister EventType = iota
	EventUnregister
	EventOnline
	EventBroadcast
	EventPrivate
	EventTyping
	EventShutdown
)

type Event struct {
	Type      EventType
	Session   *Session
	Username  string
	To        string
	Text      string
	ReplyChan chan error // used by register and online to ack success/failure
}

var (
	ErrHandshakeTimeout     = errorString("handshake timeout")
	ErrMalformedCredentials = errorString("malformed credentials")
	ErrDuplicateLogin       = errorString("user already logged in")
	ErrDuplicateUsername    = errorString("username already exists")
	ErrInvalidCredentials   = errorString("invalid username or password")
	ErrMalformedFrame       = errorString("malformed frame")
	ErrRecipientNotFound    = errorString("recipient not found")
)

type errorString string

func (e errorString) Error() string { return string(e) }
