package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketchat/cmd/internal/ids"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	chat:{id}                          -> Chat (json)
//	pair:{userA}\x00{userB}\x00{product} -> chat id
//	uchat:{user}\x00{chatID}            -> empty
//	msg:{chatID}:{messageULID}         -> Message (json)
//
// ULID message ids keep the msg prefix scan in creation order.
const (
	badgerChatPrefix  = "chat:"
	badgerPairPrefix  = "pair:"
	badgerUserPrefix  = "uchat:"
	badgerMsgPrefix   = "msg:"
	badgerMaxAttempts = 5
)

// BadgerStore is an embedded Store backed by BadgerDB. It owns the DB handle.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a BadgerDB at dir. An empty dir opens an in-memory DB.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("chat: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already opened DB. Close will close it.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("chat: nil badger db")
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying DB.
func (s *BadgerStore) Close() error { return s.db.Close() }

// FindChatByParticipants looks up the chat for an unordered pair and product.
func (s *BadgerStore) FindChatByParticipants(ctx context.Context, userA, userB, productID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	a, b := OrderPair(userA, userB)

	var c Chat
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pairKeyBytes(a, b, productID))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		c, err = getChat(txn, string(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Chat{}, opErr("chat.FindChatByParticipants", ErrNotFound, "")
	}
	return c, err
}

// CreateChat inserts a chat or reports ErrConflict when the pair/product already has one.
func (s *BadgerStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	a, b := OrderPair(in.UserA, in.UserB)
	if a == "" || b == "" || a == b {
		return Chat{}, opErr("chat.CreateChat", ErrInvalidInput, "two distinct users required")
	}

	c := Chat{
		ID:        ids.NewChatID(),
		UserA:     a,
		UserB:     b,
		ProductID: in.ProductID,
		CreatedAt: nowOr(in.Now),
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return Chat{}, err
	}

	pk := pairKeyBytes(a, b, in.ProductID)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(pk); err == nil {
			return opErr("chat.CreateChat", ErrConflict, "chat exists")
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(pk, []byte(c.ID)); err != nil {
			return err
		}
		if err := txn.Set([]byte(badgerChatPrefix+c.ID), raw); err != nil {
			return err
		}
		if err := txn.Set(userChatKey(a, c.ID), nil); err != nil {
			return err
		}
		return txn.Set(userChatKey(b, c.ID), nil)
	})
	// A concurrent create for the same pair loses the optimistic transaction.
	if errors.Is(err, badger.ErrConflict) {
		return Chat{}, opErr("chat.CreateChat", ErrConflict, "concurrent create")
	}
	if err != nil {
		return Chat{}, err
	}
	return c, nil
}

// GetChat returns a chat by id.
func (s *BadgerStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	var c Chat
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getChat(txn, chatID)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Chat{}, opErr("chat.GetChat", ErrNotFound, chatID)
	}
	return c, err
}

// ListParticipants returns the two users of a chat.
func (s *BadgerStore) ListParticipants(ctx context.Context, chatID string) (Participants, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return Participants{}, err
	}
	return c.Participants(), nil
}

// ListChatsForUser returns every chat userID takes part in, most recently active first.
func (s *BadgerStore) ListChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Chat, 0, 8)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := userChatPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			chatID := string(bytes.TrimPrefix(it.Item().KeyCopy(nil), prefix))
			c, err := getChat(txn, chatID)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortChatsByActivity(out)
	return out, nil
}

// DeleteChat removes a chat, its index entries and all of its messages.
func (s *BadgerStore) DeleteChat(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(func(txn *badger.Txn) error {
		c, err := getChat(txn, chatID)
		if err != nil {
			return err
		}

		keys := [][]byte{
			[]byte(badgerChatPrefix + chatID),
			pairKeyBytes(c.UserA, c.UserB, c.ProductID),
			userChatKey(c.UserA, chatID),
			userChatKey(c.UserB, chatID),
		}

		prefix := msgPrefix(chatID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return opErr("chat.DeleteChat", ErrNotFound, chatID)
	}
	return err
}

// InsertMessage appends a message and bumps the chat's last_message_at.
func (s *BadgerStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
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
	m := Message{
		ID:        id,
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Text:      in.Text,
		ImageRef:  in.ImageRef,
		CreatedAt: now,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return Message{}, err
	}

	err = s.update(func(txn *badger.Txn) error {
		c, err := getChat(txn, in.ChatID)
		if err != nil {
			return err
		}
		if c.LastMessageAt == nil || now.After(*c.LastMessageAt) {
			c.LastMessageAt = &now
		}
		if err := putJSON(txn, []byte(badgerChatPrefix+c.ID), c); err != nil {
			return err
		}
		return txn.Set(msgKey(in.ChatID, id), raw)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Message{}, opErr("chat.InsertMessage", ErrNotFound, in.ChatID)
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// MarkSeen sets SeenAt on every unseen message in chatID that readerID did not send.
func (s *BadgerStore) MarkSeen(ctx context.Context, chatID, readerID string, now time.Time) ([]Message, error) {
	if chatID == "" || readerID == "" {
		return nil, opErr("chat.MarkSeen", ErrInvalidInput, "chat_id and reader_id required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seenAt := nowOr(now)

	var updated []Message
	err := s.update(func(txn *badger.Txn) error {
		updated = updated[:0]
		if _, err := getChat(txn, chatID); err != nil {
			return err
		}

		prefix := msgPrefix(chatID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m Message
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				it.Close()
				return err
			}
			if m.SenderID == readerID || m.SeenAt != nil {
				continue
			}
			ts := seenAt
			m.SeenAt = &ts
			updated = append(updated, m)
		}
		it.Close()

		for _, m := range updated {
			if err := putJSON(txn, msgKey(chatID, m.ID), m); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, opErr("chat.MarkSeen", ErrNotFound, chatID)
	}
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, nil
	}
	return updated, nil
}

// ListMessages pages through a chat's messages by id.
func (s *BadgerStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ChatID == "" {
		return ListMessagesResult{}, opErr("chat.ListMessages", ErrInvalidInput, "missing chat_id")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}
	limit := clampLimit(in.Limit)

	var out []Message
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getChat(txn, in.ChatID); err != nil {
			return err
		}

		prefix := msgPrefix(in.ChatID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		start := prefix
		if in.AfterID != "" {
			start = msgKey(in.ChatID, in.AfterID)
		}
		for it.Seek(start); it.ValidForPrefix(prefix) && len(out) <= limit; it.Next() {
			var m Message
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			if m.ID <= in.AfterID {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ListMessagesResult{}, opErr("chat.ListMessages", ErrNotFound, in.ChatID)
	}
	if err != nil {
		return ListMessagesResult{}, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

// update retries fn when badger aborts the transaction on a write conflict.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < badgerMaxAttempts; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getChat(txn *badger.Txn, chatID string) (Chat, error) {
	item, err := txn.Get([]byte(badgerChatPrefix + chatID))
	if err != nil {
		return Chat{}, err
	}
	var c Chat
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &c) })
	return c, err
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func pairKeyBytes(a, b, product string) []byte {
	return []byte(badgerPairPrefix + a + "\x00" + b + "\x00" + product)
}

// User ids are caller supplied and may contain ':'; \x00 keeps one user's prefix from
// matching another's.
func userChatPrefix(userID string) []byte {
	return []byte(badgerUserPrefix + userID + "\x00")
}

func userChatKey(userID, chatID string) []byte {
	return append(userChatPrefix(userID), chatID...)
}

func msgPrefix(chatID string) []byte {
	return []byte(badgerMsgPrefix + chatID + ":")
}

func msgKey(chatID, messageID string) []byte {
	return []byte(badgerMsgPrefix + chatID + ":" + messageID)
}
