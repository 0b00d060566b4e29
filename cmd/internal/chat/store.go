package chat

//go:generate mockgen -source=store.go -destination=mocks/store_mock.go -package=mocks

import (
	"context"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store persists chats and messages. Message text is opaque to a Store: the Service seals it
// before InsertMessage and opens it after reads.
//
// Requirements:
//   - at most one chat per (UserA, UserB, ProductID); CreateChat reports ErrConflict otherwise
//   - message ids are ULIDs, so ordering by id is ordering by creation
//   - MarkSeen only touches messages whose SeenAt is nil
type Store interface {
	FindChatByParticipants(ctx context.Context, userA, userB, productID string) (Chat, error)
	CreateChat(ctx context.Context, in CreateChatInput) (Chat, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	ListParticipants(ctx context.Context, chatID string) (Participants, error)
	ListChatsForUser(ctx context.Context, userID string) ([]Chat, error)
	DeleteChat(ctx context.Context, chatID string) error

	InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error)
	MarkSeen(ctx context.Context, chatID, readerID string, now time.Time) ([]Message, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)

	Close() error
}

// CreateChatInput describes a new chat. The pair is reordered smallest-first by the store.
type CreateChatInput struct {
	UserA     string
	UserB     string
	ProductID string
	Now       time.Time
}

// InsertMessageInput describes a message append. Text is already sealed.
type InsertMessageInput struct {
	ChatID   string
	SenderID string
	Text     string
	ImageRef string
	Now      time.Time
}

// ListMessagesInput selects messages strictly after AfterID (empty = from the start).
type ListMessagesInput struct {
	ChatID  string
	AfterID string
	Limit   int
}

// ListMessagesResult is one page of messages ordered by id ascending.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
