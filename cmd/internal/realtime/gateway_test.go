package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"marketchat/cmd/internal/auth"
	"marketchat/cmd/internal/chat"
	v1 "marketchat/shared/contracts/realtime/v1"
)

type gatewayHarness struct {
	presence *Presence
	svc      *chat.Service
	gateway  *Gateway
	srv      *httptest.Server
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()

	log := quietLogger()
	presence := NewPresence(log, nil, 0)
	svc := chat.NewService(log, chat.NewInMemoryStore(), chat.PlainCipher{}, NewRouter(log, presence))
	gw := NewGateway(log, auth.NewAuthenticator(nil, true), presence, svc, GatewayConfig{})

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return &gatewayHarness{presence: presence, svc: svc, gateway: gw, srv: srv}
}

func (h *gatewayHarness) dial(t *testing.T, userID string, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(h.srv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	if userID != "" {
		u.RawQuery = url.Values{"user_id": {userID}}.Encode()
	}
	if subprotocols == nil {
		subprotocols = []string{v1.Subprotocol}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{Subprotocols: subprotocols})
}

func (h *gatewayHarness) mustDial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	conn, _, err := h.dial(t, userID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	ack := readUntilType(t, conn, v1.TypeHelloAck, 5)
	require.Equal(t, userID, decodePayload[v1.HelloAckPayload](t, ack).UserID)
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	env, err := v1.New(typ, "", time.Now().UTC(), payload)
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	require.NoError(t, err)

	var env v1.Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()

	for i := 0; i < maxReads; i++ {
		if env := readEnvelope(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

// readUntilError collects every frame up to and including the next error frame.
func readUntilError(t *testing.T, conn *websocket.Conn) []v1.Envelope {
	t.Helper()

	var out []v1.Envelope
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, conn)
		out = append(out, env)
		if env.Type == v1.TypeError {
			return out
		}
	}
	t.Fatalf("no error frame received")
	return nil
}

func TestGateway_SendHiEndToEnd(t *testing.T) {
	req := require.New(t)
	h := newGatewayHarness(t)
	ctx := context.Background()

	// Given users 1 and 2 with chat C1, both connected, B has the chat open
	c1, _, err := h.svc.StartChat(ctx, chat.StartChatInput{UserID: "1", PeerID: "2"})
	req.NoError(err)

	connA := h.mustDial(t, "1")
	connB := h.mustDial(t, "2")

	writeFrame(t, connB, v1.TypeJoinChat, v1.ChatRefPayload{ChatID: c1.ID})
	req.Eventually(func() bool { return h.presence.Rooms.IsActive(c1.ID, "2") }, 2*time.Second, 10*time.Millisecond)

	// When A sends "hi"
	_, err = h.svc.SendMessage(ctx, chat.SendMessageInput{ChatID: c1.ID, SenderID: "1", Text: "hi"})
	req.NoError(err)

	// Then B gets exactly one new_message. The error frame provoked below is queued after
	// everything the send produced, so it bounds the read.
	writeFrame(t, connB, "bogus", struct{}{})
	frames := readUntilError(t, connB)
	msgs := ofType(frames, v1.TypeNewMessage)
	req.Len(msgs, 1)
	got := decodePayload[v1.MessagePayload](t, msgs[0])
	req.Equal("hi", got.Text)
	req.Equal("1", got.SenderID)
	req.Equal(c1.ID, got.ChatID)

	// When A disconnects
	req.NoError(connA.Close(websocket.StatusNormalClosure, "bye"))

	// Then A is gone from the roster and from every room
	req.Eventually(func() bool {
		online := h.presence.Registry.OnlineUsers()
		return len(online) == 1 && online[0] == "2"
	}, 2*time.Second, 10*time.Millisecond)
	req.False(h.presence.Rooms.IsActive(c1.ID, "1"))

	roster := readUntilType(t, connB, v1.TypeOnlineUsers, 5)
	req.Equal([]string{"2"}, decodePayload[v1.OnlineUsersPayload](t, roster).UserIDs)
}

func TestGateway_LeaveKeepsRoomSubscription(t *testing.T) {
	req := require.New(t)
	h := newGatewayHarness(t)
	ctx := context.Background()

	c1, _, err := h.svc.StartChat(ctx, chat.StartChatInput{UserID: "1", PeerID: "2"})
	req.NoError(err)

	connB := h.mustDial(t, "2")
	writeFrame(t, connB, v1.TypeJoinChat, v1.ChatRefPayload{ChatID: c1.ID})
	req.Eventually(func() bool { return h.presence.Rooms.IsActive(c1.ID, "2") }, 2*time.Second, 10*time.Millisecond)
	writeFrame(t, connB, v1.TypeLeaveChat, v1.ChatRefPayload{ChatID: c1.ID})
	req.Eventually(func() bool { return !h.presence.Rooms.IsActive(c1.ID, "2") }, 2*time.Second, 10*time.Millisecond)

	_, err = h.svc.SendMessage(ctx, chat.SendMessageInput{ChatID: c1.ID, SenderID: "1", Text: "ping"})
	req.NoError(err)

	writeFrame(t, connB, "bogus", struct{}{})
	msgs := ofType(readUntilError(t, connB), v1.TypeNewMessage)
	req.Len(msgs, 2, "room copy plus targeted copy")
	req.Equal(msgs[0].ID, msgs[1].ID)
}

func TestGateway_JoinRequiresParticipant(t *testing.T) {
	req := require.New(t)
	h := newGatewayHarness(t)

	c1, _, err := h.svc.StartChat(context.Background(), chat.StartChatInput{UserID: "1", PeerID: "2"})
	req.NoError(err)

	conn := h.mustDial(t, "3")

	writeFrame(t, conn, v1.TypeJoinChat, v1.ChatRefPayload{ChatID: c1.ID})
	e := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 5))
	req.Equal("join_failed", e.Code)

	writeFrame(t, conn, v1.TypeJoinChat, v1.ChatRefPayload{ChatID: "no-such-chat"})
	e = decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 5))
	req.Equal("join_failed", e.Code)
	req.Equal("unknown chat", e.Message)

	req.False(h.presence.Rooms.IsActive(c1.ID, "3"))
}

func TestGateway_TypingReachesPeer(t *testing.T) {
	req := require.New(t)
	h := newGatewayHarness(t)

	c1, _, err := h.svc.StartChat(context.Background(), chat.StartChatInput{UserID: "1", PeerID: "2"})
	req.NoError(err)

	connA := h.mustDial(t, "1")
	connB := h.mustDial(t, "2")
	for _, conn := range []*websocket.Conn{connA, connB} {
		writeFrame(t, conn, v1.TypeJoinChat, v1.ChatRefPayload{ChatID: c1.ID})
	}
	req.Eventually(func() bool {
		return h.presence.Rooms.IsActive(c1.ID, "1") && h.presence.Rooms.IsActive(c1.ID, "2")
	}, 2*time.Second, 10*time.Millisecond)

	writeFrame(t, connA, v1.TypeTyping, v1.TypingPayload{ChatID: c1.ID, IsTyping: true})

	env := readUntilType(t, connB, v1.TypeUserTyping, 10)
	req.Equal(v1.UserTypingPayload{ChatID: c1.ID, UserID: "1", IsTyping: true}, decodePayload[v1.UserTypingPayload](t, env))

	// Disconnecting while typing clears the indicator for the peer.
	req.NoError(connA.Close(websocket.StatusNormalClosure, "bye"))
	env = readUntilType(t, connB, v1.TypeUserTyping, 10)
	req.False(decodePayload[v1.UserTypingPayload](t, env).IsTyping)
	req.False(h.presence.Typing.IsTyping(c1.ID, "1"))
}

func TestGateway_RejectsUnauthenticatedAndWrongSubprotocol(t *testing.T) {
	req := require.New(t)
	h := newGatewayHarness(t)

	_, resp, err := h.dial(t, "")
	req.Error(err)
	req.NotNil(resp)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := h.dial(t, "1", "something.else")
	req.NoError(err)
	defer func() { _ = conn.CloseNow() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	req.Equal(websocket.StatusProtocolError, websocket.CloseStatus(err))
}

func TestGateway_BadFrames(t *testing.T) {
	req := require.New(t)
	h := newGatewayHarness(t)
	conn := h.mustDial(t, "1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	e := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 5))
	req.Equal("bad_json", e.Code)

	writeFrame(t, conn, v1.TypeNewMessage, struct{}{})
	e = decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 5))
	req.Equal("bad_envelope", e.Code)
	req.True(strings.Contains(e.Message, "unknown type"))
}

func TestGateway_RateLimitClosesSession(t *testing.T) {
	req := require.New(t)

	log := quietLogger()
	presence := NewPresence(log, nil, 0)
	gw := NewGateway(log, auth.NewAuthenticator(nil, true), presence, nil, GatewayConfig{RateEvents: 2, RateWindow: time.Hour})
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/?user_id=1", &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	req.NoError(err)
	defer func() { _ = conn.CloseNow() }()

	for i := 0; i < 3; i++ {
		writeFrame(t, conn, v1.TypeLeaveChat, v1.ChatRefPayload{ChatID: "c1"})
	}

	var closeErr error
	for i := 0; i < 10; i++ {
		if _, _, err := conn.Read(ctx); err != nil {
			closeErr = err
			break
		}
	}
	req.Equal(websocket.StatusPolicyViolation, websocket.CloseStatus(closeErr))
	req.Eventually(func() bool { return !presence.Registry.IsOnline("1") }, 2*time.Second, 10*time.Millisecond)
}
