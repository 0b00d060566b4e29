package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"marketchat/cmd/internal/ids"
)

// InMemoryStore is a dev/test Store. It keeps every chat and message in process memory.
type InMemoryStore struct {
	mu    sync.Mutex
	chats map[string]Chat
	pairs map[pairKey]string   // (a, b, product) -> chat id
	msgs  map[string][]Message // chat id -> messages ordered by id
}

type pairKey struct {
	a, b, product string
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats: make(map[string]Chat),
		pairs: make(map[pairKey]string),
		msgs:  make(map[string][]Message),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// FindChatByParticipants looks up the chat for an unordered pair and product.
func (s *InMemoryStore) FindChatByParticipants(ctx context.Context, userA, userB, productID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	a, b := OrderPair(strings.TrimSpace(userA), strings.TrimSpace(userB))

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pairs[pairKey{a: a, b: b, product: productID}]
	if !ok {
		return Chat{}, opErr("chat.FindChatByParticipants", ErrNotFound, "")
	}
	return s.chats[id], nil
}

// CreateChat inserts a chat or reports ErrConflict when the pair/product already has one.
func (s *InMemoryStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	a, b := OrderPair(strings.TrimSpace(in.UserA), strings.TrimSpace(in.UserB))
	if a == "" || b == "" || a == b {
		return Chat{}, opErr("chat.CreateChat", ErrInvalidInput, "two distinct users required")
	}

	key := pairKey{a: a, b: b, product: in.ProductID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pairs[key]; ok {
		return Chat{}, opErr("chat.CreateChat", ErrConflict, "chat exists")
	}

	c := Chat{
		ID:        ids.NewChatID(),
		UserA:     a,
		UserB:     b,
		ProductID: in.ProductID,
		CreatedAt: nowOr(in.Now),
	}
	s.chats[c.ID] = c
	s.pairs[key] = c.ID
	return c, nil
}

// GetChat returns a chat by id.
func (s *InMemoryStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, opErr("chat.GetChat", ErrNotFound, chatID)
	}
	return c, nil
}

// ListParticipants returns the two users of a chat.
func (s *InMemoryStore) ListParticipants(ctx context.Context, chatID string) (Participants, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return Participants{}, err
	}
	return c.Participants(), nil
}

// ListChatsForUser returns every chat userID takes part in, most recently active first.
func (s *InMemoryStore) ListChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Chat, 0, 8)
	for _, c := range s.chats {
		if c.Participants().Has(userID) {
			out = append(out, c)
		}
	}
	s.mu.Unlock()

	sortChatsByActivity(out)
	return out, nil
}

// DeleteChat removes a chat and all of its messages.
func (s *InMemoryStore) DeleteChat(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return opErr("chat.DeleteChat", ErrNotFound, chatID)
	}
	delete(s.pairs, pairKey{a: c.UserA, b: c.UserB, product: c.ProductID})
	delete(s.chats, chatID)
	delete(s.msgs, chatID)
	return nil
}

// InsertMessage appends a message and bumps the chat's last_message_at.
func (s *InMemoryStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if in.ChatID == "" || in.SenderID == "" {
		return Message{}, opErr("chat.InsertMessage", ErrInvalidInput, "chat_id and sender_id required")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	now := nowOr(in.Now)

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[in.ChatID]
	if !ok {
		return Message{}, opErr("chat.InsertMessage", ErrNotFound, in.ChatID)
	}

	m := Message{
		ID:        id,
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Text:      in.Text,
		ImageRef:  in.ImageRef,
		CreatedAt: now,
	}

	list := append(s.msgs[in.ChatID], m)
	// Callers may pass Now out of order; keep the slice ordered by id.
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	s.msgs[in.ChatID] = list

	c.LastMessageAt = &now
	s.chats[in.ChatID] = c
	return m, nil
}

// MarkSeen sets SeenAt on every unseen message in chatID that readerID did not send.
func (s *InMemoryStore) MarkSeen(ctx context.Context, chatID, readerID string, now time.Time) ([]Message, error) {
	if chatID == "" || readerID == "" {
		return nil, opErr("chat.MarkSeen", ErrInvalidInput, "chat_id and reader_id required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seenAt := nowOr(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, opErr("chat.MarkSeen", ErrNotFound, chatID)
	}

	var updated []Message
	list := s.msgs[chatID]
	for i := range list {
		if list[i].SenderID == readerID || list[i].SeenAt != nil {
			continue
		}
		ts := seenAt
		list[i].SeenAt = &ts
		updated = append(updated, list[i])
	}
	return updated, nil
}

// ListMessages pages through a chat's messages by id.
func (s *InMemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ChatID == "" {
		return ListMessagesResult{}, opErr("chat.ListMessages", ErrInvalidInput, "missing chat_id")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}
	limit := clampLimit(in.Limit)

	s.mu.Lock()
	if _, ok := s.chats[in.ChatID]; !ok {
		s.mu.Unlock()
		return ListMessagesResult{}, opErr("chat.ListMessages", ErrNotFound, in.ChatID)
	}
	snap := append([]Message(nil), s.msgs[in.ChatID]...)
	s.mu.Unlock()

	start := 0
	if in.AfterID != "" {
		start = sort.Search(len(snap), func(i int) bool { return snap[i].ID > in.AfterID })
	}
	out := snap[start:]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

func sortChatsByActivity(chats []Chat) {
	activity := func(c Chat) time.Time {
		if c.LastMessageAt != nil {
			return *c.LastMessageAt
		}
		return c.CreatedAt
	}
	sort.SliceStable(chats, func(i, j int) bool {
		ai, aj := activity(chats[i]), activity(chats[j])
		if ai.Equal(aj) {
			return chats[i].ID < chats[j].ID
		}
		return ai.After(aj)
	})
}
