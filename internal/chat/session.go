package chat

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// handleSession owns one connection's full lifecycle: handshake, dispatch
// loop, and teardown. It is the only goroutine that reads from the
// connection; the paired writer goroutine is the only one that writes.
func (s *Server) handleSession(sess *Session) {
	logger := s.logger.With("conn_id", sess.ID, "addr", sess.Conn.RemoteAddr().String())

	writerDone := StartOutboundWriter(sess.Conn, sess.Out)
	reader := bufio.NewReader(sess.Conn)

	if err := s.authenticate(sess, reader); err != nil {
		logger.Info("authentication failed", "error", err)
		AuthAttemptsTotal.WithLabelValues("failure").Inc()
		sess.setState(StateClosed)
		// Never registered, so this goroutine still owns the send path.
		close(sess.Out)
		<-writerDone
		_ = sess.Conn.Close()
		return
	}
	AuthAttemptsTotal.WithLabelValues("success").Inc()

	logger = logger.With("username", sess.Username)
	logger.Info("user authenticated")

	s.dispatchLoop(sess, reader, logger)

	// Exactly one unregister per session; the registry dedupes stale ones
	// and closes the send path, which lets the writer drain and exit.
	s.reg.Events() <- Event{Type: EventUnregister, Session: sess}
	sess.setState(StateClosed)
	<-writerDone
	_ = sess.Conn.Close()
}

// authenticate drives the handshake: send the auth request, wait for one
// reply under the deadline, validate it, and hand the session to the
// registry. Any failure is terminal for the connection attempt.
func (s *Server) authenticate(sess *Session, reader *bufio.Reader) error {
	sess.enqueue(ServerMessage(KindAuthRequest, "Please authenticate"))
	sess.setState(StateAwaitingAuth)

	if err := sess.Conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout)); err != nil {
		return err
	}
	msg, err := ReadFrame(reader)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrHandshakeTimeout
		}
		return err
	}
	if err := sess.Conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	var username, resultText string
	switch msg.Kind {
	case KindLogin:
		username, err = s.checkLogin(msg.Body)
		resultText = "Login successful"
	case KindRegister:
		username, err = s.checkRegister(msg.Body)
		resultText = "Registration successful"
	default:
		err = ErrMalformedCredentials
	}
	if err == nil {
		reply := make(chan error, 1)
		s.reg.Events() <- Event{
			Type:      EventRegister,
			Session:   sess,
			Username:  username,
			Text:      resultText,
			ReplyChan: reply,
		}
		err = <-reply
	}
	if err != nil {
		sess.enqueue(ServerMessage(KindAuthFailure, failureReason(err)))
		return err
	}

	sess.setState(StateAuthenticated)
	return nil
}

// checkLogin validates "user:pass" against the credential store. The
// online check runs first so a user already logged in is reported as such
// rather than as a bad password; the registration event re-checks atomically.
func (s *Server) checkLogin(body string) (string, error) {
	username, secret, err := splitCredentials(body)
	if err != nil {
		return "", err
	}

	reply := make(chan error, 1)
	s.reg.Events() <- Event{Type: EventOnline, Username: username, ReplyChan: reply}
	if err := <-reply; err != nil {
		return "", err
	}

	if !s.creds.Authenticate(username, secret) {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

// checkRegister creates the account and logs the new user in.
func (s *Server) checkRegister(body string) (string, error) {
	username, secret, err := splitCredentials(body)
	if err != nil {
		return "", err
	}
	if err := s.creds.Register(username, secret); err != nil {
		return "", err
	}
	return username, nil
}

func splitCredentials(body string) (username, secret string, err error) {
	parts := strings.Split(body, ":")
	if len(parts) != 2 {
		return "", "", ErrMalformedCredentials
	}
	username = strings.TrimSpace(parts[0])
	secret = parts[1]
	if username == "" || len(username) > 16 || secret == "" {
		return "", "", ErrMalformedCredentials
	}
	return username, secret, nil
}

// failureReason maps a handshake error to the client-facing reason text.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedCredentials):
		return "Invalid credentials format"
	case errors.Is(err, ErrDuplicateLogin):
		return "User already logged in"
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid username or password"
	case errors.Is(err, ErrDuplicateUsername):
		return "Username already exists"
	case errors.Is(err, ErrHandshakeTimeout):
		return "Authentication timed out"
	default:
		return "Authentication failed"
	}
}

// dispatchLoop reads inbound frames and routes them until the client
// disconnects, the connection fails, or a frame cannot be decoded. Unknown
// kinds are logged and ignored so a confused client never kills its session.
func (s *Server) dispatchLoop(sess *Session, reader *bufio.Reader, logger *slog.Logger) {
	for {
		msg, err := ReadFrame(reader)
		if err != nil {
			switch {
			case errors.Is(err, ErrMalformedFrame):
				logger.Warn("malformed frame, closing session", "error", err)
			case errors.Is(err, io.EOF):
				logger.Info("client closed connection")
			default:
				logger.Info("connection failed", "error", err)
			}
			return
		}

		switch msg.Kind {
		case KindChat:
			s.reg.Events() <- Event{Type: EventBroadcast, Session: sess, Text: msg.Body}
		case KindPrivateMessage:
			to, text, ok := strings.Cut(msg.Body, ":")
			if !ok || strings.TrimSpace(to) == "" {
				sess.enqueue(ServerMessage(KindError, "Invalid private message format"))
				continue
			}
			s.reg.Events() <- Event{Type: EventPrivate, Session: sess, To: to, Text: text}
		case KindTyping:
			s.reg.Events() <- Event{Type: EventTyping, Session: sess, Text: msg.Body}
		case KindDisconnect:
			logger.Info("client requested disconnect")
			return
		default:
			logger.Warn("ignoring unexpected message", "kind", string(msg.Kind))
		}
	}
}
