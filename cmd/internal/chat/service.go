package chat

//go:generate mockgen -source=service.go -destination=mocks/notifier_mock.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

const maxTextChars = 4000

// Notifier receives committed state changes for live delivery. Implementations must not block
// and must not fail the caller: the durable record is already written when they run.
type Notifier interface {
	MessageCreated(ctx context.Context, msg Message, participants Participants)
	MessagesSeen(ctx context.Context, chatID, seenBy string, messageIDs []string)
}

// Service persists chat state and hands committed records to a Notifier.
type Service struct {
	log      *slog.Logger
	store    Store
	cipher   Cipher
	notifier Notifier
	validate *validator.Validate
	now      func() time.Time
}

// ServiceOption configures optional Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a Service. A nil cipher stores text as-is; a nil notifier drops live delivery.
func NewService(log *slog.Logger, store Store, cipher Cipher, notifier Notifier, opts ...ServiceOption) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cipher == nil {
		cipher = PlainCipher{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	s := &Service{
		log:      log,
		store:    store,
		cipher:   cipher,
		notifier: notifier,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// StartChatInput asks for the chat between UserID and PeerID about an optional product.
type StartChatInput struct {
	UserID    string `validate:"required,max=64"`
	PeerID    string `validate:"required,max=64"`
	ProductID string `validate:"omitempty,max=64"`
}

// StartChat returns the existing chat for the pair/product or creates it.
// The boolean reports whether a new chat was created.
func (s *Service) StartChat(ctx context.Context, in StartChatInput) (Chat, bool, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.PeerID = strings.TrimSpace(in.PeerID)
	in.ProductID = strings.TrimSpace(in.ProductID)

	if err := s.validate.Struct(in); err != nil {
		return Chat{}, false, opErr("chat.StartChat", ErrInvalidInput, err.Error())
	}
	if in.UserID == in.PeerID {
		return Chat{}, false, opErr("chat.StartChat", ErrSelfChat, "")
	}

	a, b := OrderPair(in.UserID, in.PeerID)

	existing, err := s.store.FindChatByParticipants(ctx, a, b, in.ProductID)
	if err == nil {
		return existing, false, nil
	}
	if !IsNotFound(err) {
		return Chat{}, false, fmt.Errorf("find chat: %w", err)
	}

	created, err := s.store.CreateChat(ctx, CreateChatInput{UserA: a, UserB: b, ProductID: in.ProductID, Now: s.now()})
	if IsConflict(err) {
		// Lost a race with a concurrent StartChat for the same pair.
		existing, err = s.store.FindChatByParticipants(ctx, a, b, in.ProductID)
		if err != nil {
			return Chat{}, false, fmt.Errorf("find chat after conflict: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return Chat{}, false, fmt.Errorf("create chat: %w", err)
	}

	s.log.Info("chat.created", "chat_id", created.ID, "user_a", created.UserA, "user_b", created.UserB, "product_id", created.ProductID)
	return created, true, nil
}

// ListChats returns the caller's chats, most recently active first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, opErr("chat.ListChats", ErrInvalidInput, "missing user_id")
	}
	return s.store.ListChatsForUser(ctx, userID)
}

// Participants returns the chat's participants; it backs the gateway's join check.
func (s *Service) Participants(ctx context.Context, chatID string) (Participants, error) {
	return s.store.ListParticipants(ctx, chatID)
}

// SendMessageInput is a message send request. At least one of Text and ImageRef is required.
type SendMessageInput struct {
	ChatID   string `validate:"required,max=64"`
	SenderID string `validate:"required,max=64"`
	Text     string `validate:"required_without=ImageRef"`
	ImageRef string `validate:"omitempty,max=512"`
}

// SendMessage persists a message and only then notifies live delivery.
// A persistence failure returns an error and nothing is delivered.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (Message, error) {
	in.Text = strings.TrimSpace(in.Text)
	in.ImageRef = strings.TrimSpace(in.ImageRef)

	if err := s.validate.Struct(in); err != nil {
		return Message{}, opErr("chat.SendMessage", ErrInvalidInput, err.Error())
	}
	if len([]rune(in.Text)) > maxTextChars {
		return Message{}, opErr("chat.SendMessage", ErrInvalidInput, fmt.Sprintf("text too long: max=%d chars", maxTextChars))
	}

	c, err := s.requireParticipant(ctx, "chat.SendMessage", in.ChatID, in.SenderID)
	if err != nil {
		return Message{}, err
	}

	sealed, err := s.cipher.Seal(in.Text)
	if err != nil {
		return Message{}, fmt.Errorf("seal text: %w", err)
	}

	stored, err := s.store.InsertMessage(ctx, InsertMessageInput{
		ChatID:   in.ChatID,
		SenderID: in.SenderID,
		Text:     sealed,
		ImageRef: in.ImageRef,
		Now:      s.now(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("store insert: %w", err)
	}

	out, err := s.open(stored)
	if err != nil {
		return Message{}, err
	}

	s.log.Info("chat.message.sent", "chat_id", out.ChatID, "message_id", out.ID, "sender_id", out.SenderID)
	s.notifier.MessageCreated(ctx, out, c.Participants())
	return out, nil
}

// MarkSeen marks every unseen message from the other participant as seen by readerID and
// emits a single seen event when anything changed.
func (s *Service) MarkSeen(ctx context.Context, chatID, readerID string) ([]Message, error) {
	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(readerID) == "" {
		return nil, opErr("chat.MarkSeen", ErrInvalidInput, "chat_id and reader_id required")
	}
	if _, err := s.requireParticipant(ctx, "chat.MarkSeen", chatID, readerID); err != nil {
		return nil, err
	}

	updated, err := s.store.MarkSeen(ctx, chatID, readerID, s.now())
	if err != nil {
		return nil, fmt.Errorf("store mark seen: %w", err)
	}
	if len(updated) == 0 {
		return nil, nil
	}

	// seen_at is already committed; the event carries ids only, so it goes out before any
	// text is opened.
	messageIDs := lo.Map(updated, func(m Message, _ int) string { return m.ID })
	s.log.Info("chat.messages.seen", "chat_id", chatID, "seen_by", readerID, "count", len(messageIDs))
	s.notifier.MessagesSeen(ctx, chatID, readerID, messageIDs)

	out := make([]Message, 0, len(updated))
	for _, m := range updated {
		opened, err := s.open(m)
		if err != nil {
			s.log.Warn("chat.message.open.fail", "chat_id", chatID, "message_id", m.ID, "err", err)
			m.Text = ""
			opened = m
		}
		out = append(out, opened)
	}
	return out, nil
}

// FetchMessagesInput pages a chat's history after AfterID.
type FetchMessagesInput struct {
	ChatID  string
	UserID  string
	AfterID string
	Limit   int
}

// FetchMessages is the recovery path for clients that missed live pushes.
func (s *Service) FetchMessages(ctx context.Context, in FetchMessagesInput) (ListMessagesResult, error) {
	if _, err := s.requireParticipant(ctx, "chat.FetchMessages", in.ChatID, in.UserID); err != nil {
		return ListMessagesResult{}, err
	}

	res, err := s.store.ListMessages(ctx, ListMessagesInput{ChatID: in.ChatID, AfterID: in.AfterID, Limit: in.Limit})
	if err != nil {
		return ListMessagesResult{}, err
	}
	for i := range res.Messages {
		opened, err := s.open(res.Messages[i])
		if err != nil {
			return ListMessagesResult{}, err
		}
		res.Messages[i] = opened
	}
	return res, nil
}

// DeleteChat removes a chat and its messages. Only participants may delete.
func (s *Service) DeleteChat(ctx context.Context, chatID, userID string) error {
	if _, err := s.requireParticipant(ctx, "chat.DeleteChat", chatID, userID); err != nil {
		return err
	}
	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	s.log.Info("chat.deleted", "chat_id", chatID, "by", userID)
	return nil
}

func (s *Service) requireParticipant(ctx context.Context, op, chatID, userID string) (Chat, error) {
	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(userID) == "" {
		return Chat{}, opErr(op, ErrInvalidInput, "chat_id and user_id required")
	}
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		if IsNotFound(err) {
			return Chat{}, err
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if !c.Participants().Has(userID) {
		return Chat{}, opErr(op, ErrNotParticipant, "")
	}
	return c, nil
}

func (s *Service) open(m Message) (Message, error) {
	text, err := s.cipher.Open(m.Text)
	if err != nil {
		if errors.Is(err, ErrCipher) {
			return Message{}, opErr("chat.open", ErrCipher, m.ID)
		}
		return Message{}, err
	}
	m.Text = text
	return m, nil
}

type nopNotifier struct{}

func (nopNotifier) MessageCreated(context.Context, Message, Participants) {}

func (nopNotifier) MessagesSeen(context.Context, string, string, []string) {}
