package v1

import "time"

// HelloAckPayload confirms the session and the identity it was bound to.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ChatRefPayload is used by join_chat and leave_chat.
type ChatRefPayload struct {
	ChatID string `json:"chat_id"`
}

// TypingPayload is sent by a client that starts or stops typing.
type TypingPayload struct {
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// UserTypingPayload is relayed to the other participants of a chat.
type UserTypingPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// OnlineUsersPayload is the full online roster.
type OnlineUsersPayload struct {
	UserIDs []string `json:"user_ids"`
}

// MessagePayload is the persisted message record as delivered to clients.
type MessagePayload struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id"`
	SenderID  string     `json:"sender_id"`
	Text      string     `json:"text,omitempty"`
	ImageRef  string     `json:"image_ref,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SeenAt    *time.Time `json:"seen_at,omitempty"`
}

// MessagesSeenPayload lists the messages a reader has just seen.
type MessagesSeenPayload struct {
	ChatID     string   `json:"chat_id"`
	SeenBy     string   `json:"seen_by"`
	MessageIDs []string `json:"message_ids"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
