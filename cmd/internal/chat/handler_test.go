package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"marketchat/cmd/internal/auth"
)

type recordingNotifier struct {
	mu      sync.Mutex
	created []Message
	seen    [][]string
}

func (n *recordingNotifier) MessageCreated(_ context.Context, m Message, _ Participants) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, m)
}

func (n *recordingNotifier) MessagesSeen(_ context.Context, _, _ string, ids []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, ids)
}

func (n *recordingNotifier) snapshot() ([]Message, [][]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.created...), append([][]string(nil), n.seen...)
}

type apiHarness struct {
	t        *testing.T
	srv      *httptest.Server
	notifier *recordingNotifier
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := &recordingNotifier{}
	svc := NewService(log, NewInMemoryStore(), PlainCipher{}, n)

	mux := http.NewServeMux()
	NewHandler(log, svc).Register(mux, auth.NewAuthenticator(nil, true).Middleware)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiHarness{t: t, srv: srv, notifier: n}
}

func (h *apiHarness) do(method, path, user, body string, out any) int {
	h.t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	r, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	if user != "" {
		r.Header.Set("X-Marketchat-User", user)
	}
	resp, err := http.DefaultClient.Do(r)
	require.NoError(h.t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHandler_ChatLifecycle(t *testing.T) {
	req := require.New(t)
	h := newAPIHarness(t)

	// Given a chat started by user 2 with user 1
	var started startChatResponse
	req.Equal(http.StatusCreated, h.do(http.MethodPost, "/v1/chats", "2", `{"peer_id":"1","product_id":"sku-7"}`, &started))
	req.True(started.Created)
	req.Equal("1", started.Chat.UserA)

	var again startChatResponse
	req.Equal(http.StatusOK, h.do(http.MethodPost, "/v1/chats", "1", `{"peer_id":"2","product_id":"sku-7"}`, &again))
	req.False(again.Created)
	req.Equal(started.Chat.ID, again.Chat.ID)

	chatPath := "/v1/chats/" + started.Chat.ID

	// When user 1 sends a message
	var sent messageResponse
	req.Equal(http.StatusCreated, h.do(http.MethodPost, chatPath+"/messages", "1", `{"text":"hi"}`, &sent))
	req.Equal("hi", sent.Message.Text)
	req.Equal("1", sent.Message.SenderID)

	// Then it was handed to live delivery and is fetchable
	created, _ := h.notifier.snapshot()
	req.Len(created, 1)
	req.Equal(sent.Message.ID, created[0].ID)

	var page listMessagesResponse
	req.Equal(http.StatusOK, h.do(http.MethodGet, chatPath+"/messages", "2", "", &page))
	req.Len(page.Messages, 1)
	req.False(page.HasMore)

	var after listMessagesResponse
	req.Equal(http.StatusOK, h.do(http.MethodGet, chatPath+"/messages?after="+sent.Message.ID, "2", "", &after))
	req.Empty(after.Messages)

	// Seen reconciliation
	var seen markSeenResponse
	req.Equal(http.StatusOK, h.do(http.MethodPost, chatPath+"/seen", "2", "", &seen))
	req.Equal([]string{sent.Message.ID}, seen.MessageIDs)
	req.Equal(http.StatusOK, h.do(http.MethodPost, chatPath+"/seen", "2", "", &seen))
	req.Empty(seen.MessageIDs)
	_, seenEvents := h.notifier.snapshot()
	req.Len(seenEvents, 1)

	var list listChatsResponse
	req.Equal(http.StatusOK, h.do(http.MethodGet, "/v1/chats", "1", "", &list))
	req.Len(list.Chats, 1)

	req.Equal(http.StatusNoContent, h.do(http.MethodDelete, chatPath, "2", "", nil))
	req.Equal(http.StatusNotFound, h.do(http.MethodGet, chatPath+"/messages", "2", "", nil))
}

func TestHandler_ErrorMapping(t *testing.T) {
	req := require.New(t)
	h := newAPIHarness(t)

	req.Equal(http.StatusUnauthorized, h.do(http.MethodGet, "/v1/chats", "", "", nil))

	var e errorResponse
	req.Equal(http.StatusBadRequest, h.do(http.MethodPost, "/v1/chats", "1", `{"peer_id":"1"}`, &e))
	req.Equal("self_chat", e.Error.Code)

	req.Equal(http.StatusBadRequest, h.do(http.MethodPost, "/v1/chats", "1", `{"peer":"2"}`, &e))
	req.Equal("invalid_json", e.Error.Code)

	var started startChatResponse
	req.Equal(http.StatusCreated, h.do(http.MethodPost, "/v1/chats", "1", `{"peer_id":"2"}`, &started))
	chatPath := "/v1/chats/" + started.Chat.ID

	req.Equal(http.StatusForbidden, h.do(http.MethodPost, chatPath+"/messages", "3", `{"text":"x"}`, &e))
	req.Equal("forbidden", e.Error.Code)

	req.Equal(http.StatusBadRequest, h.do(http.MethodPost, chatPath+"/messages", "1", `{}`, &e))
	req.Equal("invalid_input", e.Error.Code)

	req.Equal(http.StatusBadRequest, h.do(http.MethodGet, chatPath+"/messages?limit=x", "1", "", &e))
	req.Equal(http.StatusNotFound, h.do(http.MethodPost, "/v1/chats/missing/messages", "1", `{"text":"x"}`, &e))

	created, _ := h.notifier.snapshot()
	req.Empty(created)
}
