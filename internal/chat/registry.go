package chat

import (
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Registry owns the username → session map and the chat history. All joins,
// leaves, and message routing run as events on one goroutine, so registration
// is atomic, roster snapshots are never taken mid-mutation, and every client
// notified of a join sees the matching roster update next.
type Registry struct {
	events     chan Event
	stopCh     chan struct{}
	doneCh     chan struct{}
	historyCap int
	logger     *slog.Logger
}

func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events:     make(chan Event, cfg.EventBuffer),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		historyCap: cfg.HistorySize,
		logger:     logger,
	}
}

func (r *Registry) Events() chan<- Event {
	return r.events
}

// Stop signals the Run loop to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: the session map and the history buffer are
	// only accessed in this goroutine.
	sessions := make(map[string]*Session)
	history := NewHistoryBuffer(r.historyCap)

	for {
		select {
		case ev := <-r.events:
			start := time.Now()
			eventType := ""

			switch ev.Type {
			case EventRegister:
				eventType = "register"
				r.handleRegister(sessions, history, ev)
				ConnectedClients.Set(float64(len(sessions)))
			case EventUnregister:
				eventType = "unregister"
				r.handleUnregister(sessions, ev)
				ConnectedClients.Set(float64(len(sessions)))
			case EventOnline:
				eventType = "online"
				r.handleOnline(sessions, ev)
			case EventBroadcast:
				eventType = "broadcast"
				r.handleBroadcast(sessions, history, ev)
			case EventPrivate:
				eventType = "private"
				r.handlePrivate(sessions, ev)
			case EventTyping:
				eventType = "typing"
				r.handleTyping(sessions, ev)
			case EventShutdown:
				eventType = "shutdown"
				r.handleShutdown(sessions, ev)
			}

			MessagesTotal.WithLabelValues(eventType).Inc()
			EventProcessingDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			return
		}
	}
}

// handleRegister admits an authenticated session under its username. The
// check-absent-then-insert and the join announcements run inside one event,
// so two concurrent logins for the same name can never both succeed and no
// other event can interleave between the UserJoined and the roster push.
func (r *Registry) handleRegister(sessions map[string]*Session, history *HistoryBuffer, ev Event) {
	defer func() {
		if ev.ReplyChan != nil {
			close(ev.ReplyChan)
		}
	}()

	username := strings.TrimSpace(ev.Username)
	if username == "" {
		if ev.ReplyChan != nil {
			ev.ReplyChan <- ErrMalformedCredentials
		}
		return
	}
	if _, exists := sessions[username]; exists {
		if ev.ReplyChan != nil {
			ev.ReplyChan <- ErrDuplicateLogin
		}
		return
	}

	ev.Session.Username = username
	sessions[username] = ev.Session

	r.logger.Info("user joined", "username", username)

	r.deliver(ev.Session, ServerMessage(KindAuthSuccess, ev.Text))
	joined := ServerMessage(KindUserJoined, username+" has joined the chat")
	for name, s := range sessions {
		if name == username {
			continue
		}
		r.deliver(s, joined)
	}
	r.pushUserList(sessions)
	for _, msg := range history.Snapshot() {
		r.deliver(ev.Session, msg)
	}

	if ev.ReplyChan != nil {
		ev.ReplyChan <- nil
	}
}

// handleUnregister removes a session and announces the departure. It is
// idempotent: only the event that actually removes the entry broadcasts, and
// the identity check keeps a stale event from evicting a newer login that
// reused the name.
func (r *Registry) handleUnregister(sessions map[string]*Session, ev Event) {
	if ev.Session == nil || ev.Session.Username == "" {
		return
	}
	username := ev.Session.Username
	current, ok := sessions[username]
	if !ok || current != ev.Session {
		return
	}
	delete(sessions, username)

	r.logger.Info("user left", "username", username)

	// Closing Out stops the writer goroutine gracefully.
	close(ev.Session.Out)
	left := ServerMessage(KindUserLeft, username+" has left the chat")
	for _, s := range sessions {
		r.deliver(s, left)
	}
	r.pushUserList(sessions)
}

func (r *Registry) handleOnline(sessions map[string]*Session, ev Event) {
	if ev.ReplyChan == nil {
		return
	}
	defer close(ev.ReplyChan)
	if _, online := sessions[strings.TrimSpace(ev.Username)]; online {
		ev.ReplyChan <- ErrDuplicateLogin
		return
	}
	ev.ReplyChan <- nil
}

// handleBroadcast relabels a public chat message with the authenticated
// sender and the server clock, retains it, and fans it out to every session,
// the sender included.
func (r *Registry) handleBroadcast(sessions map[string]*Session, history *HistoryBuffer, ev Event) {
	if ev.Session == nil || ev.Session.Username == "" {
		return
	}
	body := strings.TrimRight(ev.Text, "\r\n")
	if body == "" {
		return
	}

	msg := Message{Kind: KindChat, Sender: ev.Session.Username, Body: body, Timestamp: Now()}
	history.Append(msg)
	for _, s := range sessions {
		r.deliver(s, msg)
	}
}

// handlePrivate routes a direct message to one recipient and confirms to the
// sender. An unknown recipient is reported back, never silently dropped.
func (r *Registry) handlePrivate(sessions map[string]*Session, ev Event) {
	sender := ev.Session
	if sender == nil || sender.Username == "" {
		return
	}

	to := strings.TrimSpace(ev.To)
	recipient, ok := sessions[to]
	if !ok {
		r.logger.Info("private message to unknown user", "from", sender.Username, "to", to, "error", ErrRecipientNotFound)
		r.deliver(sender, ServerMessage(KindError, "User "+to+" not found"))
		return
	}

	now := Now()
	r.deliver(recipient, Message{Kind: KindPrivateMessage, Sender: sender.Username, Body: ev.Text, Timestamp: now})
	r.deliver(sender, Message{Kind: KindPrivateMessage, Sender: "You", Body: "→ " + to + ": " + ev.Text, Timestamp: now})
}

// handleTyping relays a typing indicator to every session, the originator
// included. No state is retained; decay is the display layer's problem.
func (r *Registry) handleTyping(sessions map[string]*Session, ev Event) {
	if ev.Session == nil || ev.Session.Username == "" {
		return
	}
	msg := Message{Kind: KindTyping, Sender: ev.Session.Username, Body: ev.Text, Timestamp: Now()}
	for _, s := range sessions {
		r.deliver(s, msg)
	}
}

// handleShutdown announces the stop and closes every registered connection.
// Each session then runs its normal leave path from its own reader loop;
// delivery failures here are swallowed.
func (r *Registry) handleShutdown(sessions map[string]*Session, ev Event) {
	announcement := ServerMessage(KindServerAnnouncement, "Server is shutting down")
	for _, s := range sessions {
		r.deliver(s, announcement)
		if s.Conn != nil {
			_ = s.Conn.Close()
		}
	}
	if ev.ReplyChan != nil {
		close(ev.ReplyChan)
	}
}

// pushUserList sends the current roster to every session, so a client that
// saw a join or leave always receives a list reflecting it next.
func (r *Registry) pushUserList(sessions map[string]*Session) {
	names := make([]string, 0, len(sessions))
	for name := range sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	list := ServerMessage(KindUserList, strings.Join(names, ","))
	for _, s := range sessions {
		r.deliver(s, list)
	}
}

// deliver queues msg for one session. A recipient whose queue is full has
// stopped draining; its connection is closed so its own reader loop runs the
// disconnect path, and delivery to everyone else continues.
func (r *Registry) deliver(sess *Session, msg Message) {
	if sess.enqueue(msg) {
		return
	}
	r.logger.Warn("dropping slow session", "username", sess.Username)
	if sess.Conn != nil {
		_ = sess.Conn.Close()
	}
}
