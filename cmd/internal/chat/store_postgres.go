package chat

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"marketchat/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const pgUniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL.
//
// PostgresStore does NOT own the pgx pool; the caller closes it. Close() is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "marketchat").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "marketchat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("chat: migrate: %w", err)
	}
	return nil
}

const chatColumns = `id, user_a, user_b, product_id, created_at, last_message_at`

const messageColumns = `id, chat_id, sender_id, text_sealed, image_ref, created_at, seen_at`

// FindChatByParticipants looks up the chat for an unordered pair and product.
func (s *PostgresStore) FindChatByParticipants(ctx context.Context, userA, userB, productID string) (Chat, error) {
	a, b := OrderPair(strings.TrimSpace(userA), strings.TrimSpace(userB))

	row := s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM `+s.table("chats")+`
		  WHERE user_a = $1 AND user_b = $2 AND product_id = $3`,
		a, b, productID,
	)
	c, err := scanChat(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, opErr("chat.FindChatByParticipants", ErrNotFound, "")
	}
	return c, err
}

// CreateChat inserts a chat; a unique violation maps to ErrConflict.
func (s *PostgresStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	a, b := OrderPair(strings.TrimSpace(in.UserA), strings.TrimSpace(in.UserB))
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("chats")+` (id, user_a, user_b, product_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.UserA, c.UserB, c.ProductID, c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Chat{}, opErr("chat.CreateChat", ErrConflict, "chat exists")
		}
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return c, nil
}

// GetChat returns a chat by id.
func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM `+s.table("chats")+` WHERE id = $1`,
		chatID,
	)
	c, err := scanChat(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, opErr("chat.GetChat", ErrNotFound, chatID)
	}
	return c, err
}

// ListParticipants returns the two users of a chat.
func (s *PostgresStore) ListParticipants(ctx context.Context, chatID string) (Participants, error) {
	var p Participants
	err := s.pool.QueryRow(ctx,
		`SELECT user_a, user_b FROM `+s.table("chats")+` WHERE id = $1`,
		chatID,
	).Scan(&p.UserA, &p.UserB)
	if errors.Is(err, pgx.ErrNoRows) {
		return Participants{}, opErr("chat.ListParticipants", ErrNotFound, chatID)
	}
	return p, err
}

// ListChatsForUser returns every chat userID takes part in, most recently active first.
func (s *PostgresStore) ListChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chatColumns+` FROM `+s.table("chats")+`
		  WHERE user_a = $1 OR user_b = $1
		  ORDER BY COALESCE(last_message_at, created_at) DESC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Chat, 0, 8)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChat removes a chat; messages go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteChat(ctx context.Context, chatID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table("chats")+` WHERE id = $1`, chatID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return opErr("chat.DeleteChat", ErrNotFound, chatID)
	}
	return nil
}

// InsertMessage appends a message and bumps last_message_at in one transaction.
func (s *PostgresStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if in.ChatID == "" || in.SenderID == "" {
		return Message{}, opErr("chat.InsertMessage", ErrInvalidInput, "chat_id and sender_id required")
	}
	now := nowOr(in.Now)

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE `+s.table("chats")+` SET last_message_at = $2 WHERE id = $1`,
		in.ChatID, now,
	)
	if err != nil {
		return Message{}, err
	}
	if tag.RowsAffected() == 0 {
		return Message{}, opErr("chat.InsertMessage", ErrNotFound, in.ChatID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (id, chat_id, sender_id, text_sealed, image_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.ChatID, in.SenderID, in.Text, in.ImageRef, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:        id,
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Text:      in.Text,
		ImageRef:  in.ImageRef,
		CreatedAt: now,
	}, nil
}

// MarkSeen sets seen_at on every unseen message in chatID that readerID did not send.
func (s *PostgresStore) MarkSeen(ctx context.Context, chatID, readerID string, now time.Time) ([]Message, error) {
	if chatID == "" || readerID == "" {
		return nil, opErr("chat.MarkSeen", ErrInvalidInput, "chat_id and reader_id required")
	}
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.table("messages")+`
		    SET seen_at = $3
		  WHERE chat_id = $1 AND sender_id <> $2 AND seen_at IS NULL
		RETURNING `+messageColumns,
		chatID, readerID, nowOr(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING has no defined order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListMessages pages through a chat's messages by id.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ChatID == "" {
		return ListMessagesResult{}, opErr("chat.ListMessages", ErrInvalidInput, "missing chat_id")
	}
	if _, err := s.GetChat(ctx, in.ChatID); err != nil {
		return ListMessagesResult{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+`
		  WHERE chat_id = $1 AND id > $2
		  ORDER BY id ASC
		  LIMIT $3`,
		in.ChatID, in.AfterID, fetch,
	)
	if err != nil {
		return ListMessagesResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return ListMessagesResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *PostgresStore) table(name string) string {
	return pgIdent(s.schema, name)
}

func scanChat(row pgx.Row) (Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.UserA, &c.UserB, &c.ProductID, &c.CreatedAt, &c.LastMessageAt)
	return c, err
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Text, &m.ImageRef, &m.CreatedAt, &m.SeenAt)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
