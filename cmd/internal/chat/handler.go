package chat

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"marketchat/cmd/internal/auth"
)

const maxBodyBytes = 64 << 10

// Handler exposes the chat REST API. Every route expects an authenticated user in the request
// context (see auth.Authenticator.Middleware).
type Handler struct {
	log *slog.Logger
	svc *Service
}

// NewHandler builds a Handler over svc.
func NewHandler(log *slog.Logger, svc *Service) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc}
}

// Register mounts the chat routes on mux, each wrapped by wrap (typically auth middleware).
func (h *Handler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /v1/chats", wrap(http.HandlerFunc(h.startChat)))
	mux.Handle("GET /v1/chats", wrap(http.HandlerFunc(h.listChats)))
	mux.Handle("DELETE /v1/chats/{id}", wrap(http.HandlerFunc(h.deleteChat)))
	mux.Handle("POST /v1/chats/{id}/messages", wrap(http.HandlerFunc(h.sendMessage)))
	mux.Handle("GET /v1/chats/{id}/messages", wrap(http.HandlerFunc(h.listMessages)))
	mux.Handle("POST /v1/chats/{id}/seen", wrap(http.HandlerFunc(h.markSeen)))
}

type startChatRequest struct {
	PeerID    string `json:"peer_id"`
	ProductID string `json:"product_id,omitempty"`
}

type startChatResponse struct {
	Chat    Chat `json:"chat"`
	Created bool `json:"created"`
}

func (h *Handler) startChat(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var body startChatRequest
	if err := decodeJSON(w, r, maxBodyBytes, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	c, created, err := h.svc.StartChat(r.Context(), StartChatInput{UserID: uid, PeerID: body.PeerID, ProductID: body.ProductID})
	if err != nil {
		h.fail(w, r, "chat.http.start.fail", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, startChatResponse{Chat: c, Created: created})
}

type listChatsResponse struct {
	Chats []Chat `json:"chats"`
}

func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	chats, err := h.svc.ListChats(r.Context(), uid)
	if err != nil {
		h.fail(w, r, "chat.http.list.fail", err)
		return
	}
	if chats == nil {
		chats = []Chat{}
	}
	writeJSON(w, http.StatusOK, listChatsResponse{Chats: chats})
}

func (h *Handler) deleteChat(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	if err := h.svc.DeleteChat(r.Context(), r.PathValue("id"), uid); err != nil {
		h.fail(w, r, "chat.http.delete.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Text     string `json:"text,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
}

type messageResponse struct {
	Message Message `json:"message"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var body sendMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), SendMessageInput{
		ChatID:   r.PathValue("id"),
		SenderID: uid,
		Text:     body.Text,
		ImageRef: body.ImageRef,
	})
	if err != nil {
		h.fail(w, r, "chat.http.send.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: msg})
}

type listMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	res, err := h.svc.FetchMessages(r.Context(), FetchMessagesInput{
		ChatID:  r.PathValue("id"),
		UserID:  uid,
		AfterID: strings.TrimSpace(q.Get("after")),
		Limit:   limit,
	})
	if err != nil {
		h.fail(w, r, "chat.http.messages.fail", err)
		return
	}
	msgs := res.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{Messages: msgs, HasMore: res.HasMore})
}

type markSeenResponse struct {
	MessageIDs []string `json:"message_ids"`
}

func (h *Handler) markSeen(w http.ResponseWriter, r *http.Request) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	updated, err := h.svc.MarkSeen(r.Context(), r.PathValue("id"), uid)
	if err != nil {
		h.fail(w, r, "chat.http.seen.fail", err)
		return
	}
	out := markSeenResponse{MessageIDs: make([]string, 0, len(updated))}
	for _, m := range updated {
		out.MessageIDs = append(out.MessageIDs, m.ID)
	}
	writeJSON(w, http.StatusOK, out)
}

// fail maps service errors to HTTP. Unclassified errors are logged and reported as 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, ErrSelfChat):
		writeError(w, http.StatusBadRequest, "self_chat", "cannot start a chat with yourself")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "chat not found")
	case errors.Is(err, ErrNotParticipant):
		writeError(w, http.StatusForbidden, "forbidden", "not a participant of this chat")
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "chat already exists")
	default:
		h.log.Error(event, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
