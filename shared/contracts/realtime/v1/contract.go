// Package v1 defines the marketchat realtime protocol v1 contract.
//
// The package is shared between the server, the smoke tool and test clients so the
// wire format has a single source of truth. Keep it dependency-light.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "marketchat.realtime.v1"

// Client -> server.
const (
	// TypeJoinChat marks the chat as open in the foreground and subscribes to its room channel.
	TypeJoinChat = "join_chat"
	// TypeLeaveChat clears the foreground mark for the chat.
	TypeLeaveChat = "leave_chat"
	// TypeTyping starts or stops a typing indicator.
	TypeTyping = "typing"
)

// Server -> client.
const (
	// TypeHelloAck is sent once the session is registered.
	TypeHelloAck = "hello_ack"
	// TypeOnlineUsers carries the full online roster.
	TypeOnlineUsers = "online_users"
	// TypeUserTyping relays another participant's typing state.
	TypeUserTyping = "user_typing"
	// TypeNewMessage delivers a persisted message (room broadcast or targeted push).
	TypeNewMessage = "new_message"
	// TypeMessagesSeen reports messages whose seen timestamp was just set.
	TypeMessagesSeen = "messages_seen"
	// TypeError reports a rejected inbound frame.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the structure of an inbound envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsInbound(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// IsInbound reports whether typ may be sent by a client.
func IsInbound(typ string) bool {
	switch typ {
	case TypeJoinChat, TypeLeaveChat, TypeTyping:
		return true
	default:
		return false
	}
}

// New marshals payload and wraps it in a v1 envelope.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}
