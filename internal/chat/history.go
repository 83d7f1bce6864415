package chat

// HistoryBuffer keeps the most recent public chat messages in arrival order.
// It is owned by the registry goroutine and is not safe for concurrent use.
type HistoryBuffer struct {
	capacity int
	msgs     []Message
}

func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &HistoryBuffer{
		capacity: capacity,
		msgs:     make([]Message, 0, capacity),
	}
}

// Append retains msg, evicting the oldest entry once capacity is exceeded.
func (h *HistoryBuffer) Append(msg Message) {
	if len(h.msgs) == h.capacity {
		copy(h.msgs, h.msgs[1:])
		h.msgs = h.msgs[:h.capacity-1]
	}
	h.msgs = append(h.msgs, msg)
}

// Snapshot returns a copy of the buffer, oldest first. Callers may hold the
// copy as long as they like without blocking further appends.
func (h *HistoryBuffer) Snapshot() []Message {
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of retained messages.
func (h *HistoryBuffer) Len() int {
	return len(h.msgs)
}
