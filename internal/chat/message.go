package chat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Kind discriminates the message types exchanged on the wire.
type Kind string

const (
	KindAuthRequest        Kind = "auth_request"
	KindLogin              Kind = "login"
	KindRegister           Kind = "register"
	KindAuthSuccess        Kind = "auth_success"
	KindAuthFailure        Kind = "auth_failure"
	KindChat               Kind = "chat"
	KindPrivateMessage     Kind = "private_message"
	KindUserJoined         Kind = "user_joined"
	KindUserLeft           Kind = "user_left"
	KindUserList           Kind = "user_list"
	KindTyping             Kind = "typing"
	KindDisconnect         Kind = "disconnect"
	KindError              Kind = "error"
	KindServerAnnouncement Kind = "server_announcement"
)

const (
	// ServerName labels every server-originated message.
	ServerName = "SERVER"
	// TimestampLayout is the wire format for message timestamps.
	TimestampLayout = "2006-01-02 15:04:05"
)

// Message is one framed exchange between client and server. Body is opaque
// text; sub-field conventions like "user:pass" or "recipient:content" belong
// to the routing layer, not to the codec.
type Message struct {
	Kind      Kind   `json:"kind"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// Now returns the current time in the wire timestamp format.
func Now() string {
	return time.Now().Format(TimestampLayout)
}

// ServerMessage builds a server-originated message stamped with the current time.
func ServerMessage(kind Kind, body string) Message {
	return Message{Kind: kind, Sender: ServerName, Body: body, Timestamp: Now()}
}

// EncodeFrame renders msg as one newline-terminated JSON frame. json.Marshal
// escapes any newline in the payload, so each frame is exactly one line and
// independently decodable; the codec carries no state between frames.
func EncodeFrame(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeFrame parses one frame produced by EncodeFrame.
func DecodeFrame(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, ErrMalformedFrame
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Kind == "" {
		return Message{}, fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	}
	return msg, nil
}

// ReadFrame reads the next newline-delimited frame from r and decodes it.
func ReadFrame(r *bufio.Reader) (Message, error) {
	line, err := r.ReadBytes('\n')
	if err == nil {
		return DecodeFrame(line)
	}
	if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
		// last frame without trailing newline
		return DecodeFrame(line)
	}
	if err == io.EOF {
		return Message{}, io.EOF
	}
	return Message{}, fmt.Errorf("read frame: %w", err)
}
