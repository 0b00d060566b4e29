// Package chat owns the durable side of marketchat: chats between two users (optionally about a
// product), their messages, and the service that persists a message before handing it to the
// realtime layer for delivery.
package chat

import (
	"strconv"
	"time"
)

// Chat is a conversation between exactly two users, optionally scoped to a product.
// UserA is always the smaller identity (see OrderPair) so the unordered pair is unique.
type Chat struct {
	ID            string     `json:"id"`
	UserA         string     `json:"user_a"`
	UserB         string     `json:"user_b"`
	ProductID     string     `json:"product_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Participants returns both participant identities.
func (c Chat) Participants() Participants {
	return Participants{UserA: c.UserA, UserB: c.UserB}
}

// Participants is the ordered participant pair of a chat.
type Participants struct {
	UserA string
	UserB string
}

// Has reports whether userID is one of the two participants.
func (p Participants) Has(userID string) bool {
	return userID != "" && (p.UserA == userID || p.UserB == userID)
}

// Other returns the participant that is not userID.
func (p Participants) Other(userID string) string {
	if p.UserA == userID {
		return p.UserB
	}
	return p.UserA
}

// Slice returns both identities, smallest first.
func (p Participants) Slice() []string {
	return []string{p.UserA, p.UserB}
}

// Message is one chat message. Text holds ciphertext inside a Store and plaintext everywhere else.
// SeenAt moves from nil to a value exactly once.
type Message struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id"`
	SenderID  string     `json:"sender_id"`
	Text      string     `json:"text,omitempty"`
	ImageRef  string     `json:"image_ref,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SeenAt    *time.Time `json:"seen_at,omitempty"`
}

// OrderPair returns a and b smallest-first. Numeric identities compare numerically so that
// "9" sorts before "10"; anything else compares lexicographically.
func OrderPair(a, b string) (string, string) {
	if lessID(b, a) {
		return b, a
	}
	return a, b
}

func lessID(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
