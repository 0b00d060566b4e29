package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/cmd/internal/chat"
	v1 "marketchat/shared/contracts/realtime/v1"
)

var pair12 = chat.Participants{UserA: "1", UserB: "2"}

func testMessage() chat.Message {
	return chat.Message{ID: "01HZZZZZZZZZZZZZZZZZZZZZZZ", ChatID: "c1", SenderID: "1", Text: "hi", CreatedAt: time.Now().UTC()}
}

func newRouterFixture(t *testing.T) (*Presence, *Router) {
	t.Helper()

	p := NewPresence(quietLogger(), nil, 0)
	return p, NewRouter(quietLogger(), p)
}

func TestRouter_ActiveRecipientGetsOneEvent(t *testing.T) {
	req := require.New(t)
	p, r := newRouterFixture(t)

	b := NewClient("2", "s-b", 16)
	p.Connect(b)
	p.JoinChat(b, "c1")
	drain(b)

	rep := r.Deliver(testMessage(), pair12)

	req.Equal(1, rep.RoomSessions)
	req.Equal(0, rep.TargetedSessions)
	req.Equal([]string{"2"}, rep.Suppressed)
	req.Len(ofType(drain(b), v1.TypeNewMessage), 1)
}

func TestRouter_OnlineNotActiveGetsRoomAndTargeted(t *testing.T) {
	req := require.New(t)
	p, r := newRouterFixture(t)

	// Given B joined and then backgrounded the chat
	b := NewClient("2", "s-b", 16)
	p.Connect(b)
	p.JoinChat(b, "c1")
	p.LeaveChat(b, "c1")
	drain(b)

	// When
	rep := r.Deliver(testMessage(), pair12)

	// Then the room copy and the targeted copy carry the same message
	req.Equal(1, rep.RoomSessions)
	req.Equal(1, rep.TargetedSessions)
	req.Equal([]string{"2"}, rep.Targeted)

	got := ofType(drain(b), v1.TypeNewMessage)
	req.Len(got, 2)
	first := decodePayload[v1.MessagePayload](t, got[0])
	second := decodePayload[v1.MessagePayload](t, got[1])
	req.Equal(first, second)
	req.Equal("hi", first.Text)
	req.Equal(got[0].ID, got[1].ID)
}

func TestRouter_OnlineElsewhereGetsTargetedOnEveryDevice(t *testing.T) {
	req := require.New(t)
	p, r := newRouterFixture(t)

	phone := NewClient("2", "s-phone", 16)
	laptop := NewClient("2", "s-laptop", 16)
	p.Connect(phone)
	p.Connect(laptop)
	drain(phone)
	drain(laptop)

	rep := r.Deliver(testMessage(), pair12)

	req.Equal(0, rep.RoomSessions)
	req.Equal(2, rep.TargetedSessions)
	req.Len(ofType(drain(phone), v1.TypeNewMessage), 1)
	req.Len(ofType(drain(laptop), v1.TypeNewMessage), 1)
}

func TestRouter_OfflineRecipientGetsNothing(t *testing.T) {
	req := require.New(t)
	_, r := newRouterFixture(t)

	rep := r.Deliver(testMessage(), pair12)

	req.Equal([]string{"2"}, rep.Offline)
	req.Zero(rep.RoomSessions)
	req.Zero(rep.TargetedSessions)
}

func TestRouter_SenderIsNeverTargeted(t *testing.T) {
	req := require.New(t)
	p, r := newRouterFixture(t)

	a := NewClient("1", "s-a", 16)
	p.Connect(a)
	drain(a)

	rep := r.Deliver(testMessage(), pair12)
	req.Zero(rep.TargetedSessions)
	req.Empty(drain(a))
}

func TestRouter_MessagesSeen(t *testing.T) {
	req := require.New(t)
	p, r := newRouterFixture(t)

	a := NewClient("1", "s-a", 16)
	p.Connect(a)
	p.JoinChat(a, "c1")
	drain(a)

	r.MessagesSeen(context.Background(), "c1", "2", nil)
	req.Empty(drain(a), "nothing seen, nothing emitted")

	r.MessagesSeen(context.Background(), "c1", "2", []string{"m1", "m2"})
	got := ofType(drain(a), v1.TypeMessagesSeen)
	req.Len(got, 1)
	req.Equal(v1.MessagesSeenPayload{ChatID: "c1", SeenBy: "2", MessageIDs: []string{"m1", "m2"}},
		decodePayload[v1.MessagesSeenPayload](t, got[0]))
}

func TestPresence_DisconnectClearsEverything(t *testing.T) {
	req := require.New(t)
	p, _ := newRouterFixture(t)

	a := NewClient("1", "s-a", 16)
	b := NewClient("2", "s-b", 16)
	p.Connect(a)
	p.Connect(b)
	p.JoinChat(a, "c1")
	p.JoinChat(b, "c1")
	p.Typing.SetTyping("c1", "1", "s-a", true)
	drain(b)

	// When
	p.Disconnect(a)
	p.Disconnect(a)

	// Then
	req.False(p.Registry.IsOnline("1"))
	req.False(p.Rooms.IsActive("c1", "1"))
	req.False(p.Hub.IsSubscribed(RoomChannel("c1"), "s-a"))
	req.False(p.Typing.IsTyping("c1", "1"))

	frames := drain(b)
	req.Len(ofType(frames, v1.TypeUserTyping), 1)
	rosters := ofType(frames, v1.TypeOnlineUsers)
	req.Len(rosters, 1)
	req.Equal([]string{"2"}, decodePayload[v1.OnlineUsersPayload](t, rosters[0]).UserIDs)
}
