// Package event defines the typed envelope shared by the websocket protocol
// and the cross-instance bus. Every payload that crosses a process boundary
// is encoded and decoded here; nothing else touches the wire shape.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server-emitted event discriminants.
const (
	TypeChatMessage = "chat.message"
	TypeChatJoined  = "chat.joined"
	TypeChatLeft    = "chat.left"
	TypeChatSent    = "chat.sent"
	TypeChatError   = "chat.error"
	TypeUserStatus  = "user.status"
	TypePing        = "system.ping"
	TypePong        = "system.pong"
)

// Client action discriminants.
const (
	ActionJoin      = "join"
	ActionLeave     = "leave"
	ActionSend      = "send"
	ActionPing      = "ping"
	ActionHeartbeat = "heartbeat"
	ActionPong      = "pong"
)

// Message is a persisted chat message as echoed to clients.
type Message struct {
	MessageID      int64  `json:"message_id"`
	ChatID         int64  `json:"chat_id"`
	UserID         int64  `json:"user_id"`
	SenderUsername string `json:"sender_username"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
}

// Event is the envelope for everything the gateway emits, locally or over
// the bus. Origin carries the publishing instance id on the bus and is
// stripped before frames reach clients.
type Event struct {
	Type   string `json:"type"`
	Origin string `json:"origin,omitempty"`

	ChatID    int64    `json:"chatId,omitempty"`
	Message   *Message `json:"message,omitempty"`
	MessageID int64    `json:"messageId,omitempty"`
	Error     string   `json:"error,omitempty"`

	UserID          int64  `json:"userId,omitempty"`
	Status          string `json:"status,omitempty"`
	LastSeen        string `json:"lastSeen,omitempty"`
	ConnectionCount int64  `json:"connectionCount"`

	PingID    string `json:"pingId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Encode serializes an event for the bus or a client frame.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return data, nil
}

// Decode parses a bus payload back into an Event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return ev, nil
}

// ChatMessage builds the fan-out event for a freshly persisted message.
func ChatMessage(msg *Message) Event {
	return Event{Type: TypeChatMessage, ChatID: msg.ChatID, UserID: msg.UserID, Message: msg}
}

// UserStatus builds the presence-change event for a user.
func UserStatus(userID int64, status, lastSeen string, connections int64) Event {
	return Event{
		Type:            TypeUserStatus,
		UserID:          userID,
		Status:          status,
		LastSeen:        lastSeen,
		ConnectionCount: connections,
	}
}

// ChatError builds the recoverable error reply for a connection.
func ChatError(chatID int64, reason string) Event {
	return Event{Type: TypeChatError, ChatID: chatID, Error: reason}
}

// Pong builds the heartbeat reply echoing the client's correlation id.
func Pong(pingID string) Event {
	return Event{Type: TypePong, PingID: pingID, Timestamp: time.Now().UnixMilli()}
}

// Frame is an inbound client frame. Clients may name the discriminant either
// "type" or "action"; decoding accepts both.
type Frame struct {
	Action  string `json:"-"`
	ChatID  int64  `json:"chatId"`
	Content string `json:"content"`
	PingID  string `json:"pingId"`
}

type rawFrame struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	ChatID  int64  `json:"chatId"`
	Content string `json:"content"`
	PingID  string `json:"pingId"`
}

// DecodeFrame parses an inbound client frame.
func DecodeFrame(data []byte) (Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	action := raw.Type
	if action == "" {
		action = raw.Action
	}
	if action == "" {
		return Frame{}, fmt.Errorf("decode frame: missing action")
	}
	return Frame{Action: action, ChatID: raw.ChatID, Content: raw.Content, PingID: raw.PingID}, nil
}
