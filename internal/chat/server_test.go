package chat

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func TestServer_LoginAndChatEcho(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestClient(t, srv)
	alice.login("alice", "password")

	list := alice.waitFor(KindUserList)
	if list.Body != "alice" {
		t.Fatalf("unexpected roster: %q", list.Body)
	}

	alice.send(Message{Kind: KindChat, Body: "hello"})
	echo := alice.waitFor(KindChat)
	if echo.Sender != "alice" || echo.Body != "hello" {
		t.Fatalf("unexpected echo: %+v", echo)
	}
	if echo.Timestamp == "" {
		t.Fatal("server did not stamp the message")
	}
}

func TestServer_RejectsInvalidPassword(t *testing.T) {
	srv := startTestServer(t, nil)

	c := dialTestClient(t, srv)
	c.waitFor(KindAuthRequest)
	c.send(Message{Kind: KindLogin, Body: "alice:wrong"})

	failure := c.waitFor(KindAuthFailure)
	if failure.Body != "Invalid username or password" {
		t.Fatalf("unexpected failure reason: %q", failure.Body)
	}
	c.expectClosed()
}

func TestServer_RejectsMalformedCredentials(t *testing.T) {
	srv := startTestServer(t, nil)

	c := dialTestClient(t, srv)
	c.waitFor(KindAuthRequest)
	c.send(Message{Kind: KindLogin, Body: "alice"})

	failure := c.waitFor(KindAuthFailure)
	if failure.Body != "Invalid credentials format" {
		t.Fatalf("unexpected failure reason: %q", failure.Body)
	}
	c.expectClosed()
}

func TestServer_RegisterNewUserThenDuplicate(t *testing.T) {
	srv := startTestServer(t, nil)

	dave := dialTestClient(t, srv)
	dave.waitFor(KindAuthRequest)
	dave.send(Message{Kind: KindRegister, Body: "dave:secret"})
	success := dave.waitFor(KindAuthSuccess)
	if success.Body != "Registration successful" {
		t.Fatalf("unexpected success body: %q", success.Body)
	}

	imposter := dialTestClient(t, srv)
	imposter.waitFor(KindAuthRequest)
	imposter.send(Message{Kind: KindRegister, Body: "dave:other"})
	failure := imposter.waitFor(KindAuthFailure)
	if failure.Body != "Username already exists" {
		t.Fatalf("unexpected failure reason: %q", failure.Body)
	}
	imposter.expectClosed()
}

func TestServer_DuplicateLoginRejected(t *testing.T) {
	srv := startTestServer(t, nil)

	first := dialTestClient(t, srv)
	first.login("alice", "password")

	second := dialTestClient(t, srv)
	second.waitFor(KindAuthRequest)
	second.send(Message{Kind: KindLogin, Body: "alice:password"})
	failure := second.waitFor(KindAuthFailure)
	if failure.Body != "User already logged in" {
		t.Fatalf("unexpected failure reason: %q", failure.Body)
	}
	second.expectClosed()
}

func TestServer_HandshakeTimeoutClosesConnection(t *testing.T) {
	srv := startTestServer(t, func(cfg *Config) {
		cfg.AuthTimeout = 150 * time.Millisecond
	})

	idle := dialTestClient(t, srv)
	idle.waitFor(KindAuthRequest)
	// Send nothing; the server must close the connection on its own.
	idle.expectClosed()

	// The timed-out connection never joined, so the roster holds only the
	// user who authenticates afterwards.
	alice := dialTestClient(t, srv)
	alice.login("alice", "password")
	list := alice.waitFor(KindUserList)
	if list.Body != "alice" {
		t.Fatalf("timed-out connection leaked into roster: %q", list.Body)
	}
}

func TestServer_PrivateMessageEndToEnd(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestClient(t, srv)
	alice.login("alice", "password")
	bob := dialTestClient(t, srv)
	bob.login("bob", "password")

	alice.send(Message{Kind: KindPrivateMessage, Body: "bob:hello"})

	got := bob.waitFor(KindPrivateMessage)
	if got.Sender != "alice" || got.Body != "hello" {
		t.Fatalf("unexpected private message: %+v", got)
	}
	confirm := alice.waitFor(KindPrivateMessage)
	if confirm.Sender != "You" {
		t.Fatalf("unexpected confirmation: %+v", confirm)
	}
}

func TestServer_DisconnectNotifiesOthers(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestClient(t, srv)
	alice.login("alice", "password")
	bob := dialTestClient(t, srv)
	bob.login("bob", "password")
	alice.waitFor(KindUserJoined)

	bob.send(Message{Kind: KindDisconnect})

	left := alice.waitFor(KindUserLeft)
	if left.Body != "bob has left the chat" {
		t.Fatalf("unexpected leave banner: %q", left.Body)
	}
	list := alice.waitFor(KindUserList)
	if list.Body != "alice" {
		t.Fatalf("unexpected roster after leave: %q", list.Body)
	}
}

func TestServer_AbruptCloseIsIsolated(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestClient(t, srv)
	alice.login("alice", "password")
	bob := dialTestClient(t, srv)
	bob.login("bob", "password")
	charlie := dialTestClient(t, srv)
	charlie.login("charlie", "password")
	alice.waitFor(KindUserJoined)
	alice.waitFor(KindUserJoined)

	// Kill bob without a handshake; the others must each see exactly one
	// leave pair and keep working.
	_ = bob.conn.Close()

	for _, c := range []*testClient{alice, charlie} {
		left := c.waitFor(KindUserLeft)
		if left.Body != "bob has left the chat" {
			t.Fatalf("unexpected leave banner: %q", left.Body)
		}
		list := c.waitFor(KindUserList)
		if list.Body != "alice,charlie" {
			t.Fatalf("unexpected roster after abrupt close: %q", list.Body)
		}
	}

	alice.send(Message{Kind: KindChat, Body: "still here"})
	msg := charlie.waitFor(KindChat)
	if msg.Sender != "alice" || msg.Body != "still here" {
		t.Fatalf("broadcast broken after abrupt close: %+v", msg)
	}
}

func TestServer_HistoryReplayedToLateJoiner(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestClient(t, srv)
	alice.login("alice", "password")
	alice.send(Message{Kind: KindChat, Body: "first"})
	alice.waitFor(KindChat)

	bob := dialTestClient(t, srv)
	bob.login("bob", "password")
	replayed := bob.waitFor(KindChat)
	if replayed.Sender != "alice" || replayed.Body != "first" {
		t.Fatalf("unexpected replay: %+v", replayed)
	}
}

func startTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Addr:          "127.0.0.1:0",
		ShutdownGrace: 1 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, SeededCredentialStore(), logger)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(msg Message) {
	c.t.Helper()
	frame, err := EncodeFrame(msg)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// waitFor reads frames until one of the wanted kind arrives, ignoring
// everything else in between.
func (c *testClient) waitFor(kind Kind) Message {
	c.t.Helper()
	for {
		msg, err := ReadFrame(c.reader)
		if err != nil {
			c.t.Fatalf("waiting for kind %q: %v", kind, err)
		}
		if msg.Kind == kind {
			return msg
		}
	}
}

// login completes the handshake and consumes the auth acknowledgement.
func (c *testClient) login(username, password string) {
	c.t.Helper()
	c.waitFor(KindAuthRequest)
	c.send(Message{Kind: KindLogin, Body: username + ":" + password})
	success := c.waitFor(KindAuthSuccess)
	if success.Body != "Login successful" {
		c.t.Fatalf("unexpected auth ack: %+v", success)
	}
}

// expectClosed asserts the server ends the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	for {
		_, err := ReadFrame(c.reader)
		if err == nil {
			continue
		}
		if err == io.EOF || strings.Contains(err.Error(), "reset") || strings.Contains(err.Error(), "closed") {
			return
		}
		c.t.Fatalf("unexpected read error while waiting for close: %v", err)
	}
}
