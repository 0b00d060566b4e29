package realtime

import (
	"context"
	"log/slog"
	"time"
)

// Presence bundles the in-memory trackers that share one lifecycle. Create one per process
// (or per test) and hand it to the Gateway and Router.
type Presence struct {
	Registry *ConnectionRegistry
	Hub      *Hub
	Rooms    *RoomPresence
	Typing   *TypingTracker

	log     *slog.Logger
	metrics *Metrics
}

// NewPresence wires a fresh set of trackers. metrics may be nil.
func NewPresence(log *slog.Logger, metrics *Metrics, typingTTL time.Duration) *Presence {
	if log == nil {
		log = slog.Default()
	}
	hub := NewHub(log, metrics)
	return &Presence{
		Registry: NewConnectionRegistry(log, metrics),
		Hub:      hub,
		Rooms:    NewRoomPresence(),
		Typing:   NewTypingTracker(log, hub, metrics, typingTTL),
		log:      log,
		metrics:  metrics,
	}
}

// Connect registers a session and broadcasts the roster.
func (p *Presence) Connect(c *Client) bool {
	return p.Registry.Register(c)
}

// JoinChat subscribes the session to the chat's room channel and marks the user active.
func (p *Presence) JoinChat(c *Client, chatID string) {
	p.Hub.Subscribe(RoomChannel(chatID), c)
	if p.Rooms.Join(chatID, c.UserID, c.SessionID) {
		p.log.Info("presence.join", "chat_id", chatID, "user_id", c.UserID, "session_id", c.SessionID)
	}
}

// LeaveChat clears the session's active mark and any typing signal it owns in the chat. The
// session stays subscribed to the room channel until it disconnects, so it keeps seeing room
// events while the chat is in the background.
func (p *Presence) LeaveChat(c *Client, chatID string) {
	p.Typing.ClearSession(chatID, c.UserID, c.SessionID)
	if p.Rooms.Leave(chatID, c.UserID, c.SessionID) {
		p.log.Info("presence.leave", "chat_id", chatID, "user_id", c.UserID, "session_id", c.SessionID)
	}
}

// Disconnect removes every trace of the session: typing signals, room marks, channel
// subscriptions and the registry slot (which rebroadcasts the roster). It is idempotent and
// safe for sessions that never registered.
func (p *Presence) Disconnect(c *Client) {
	if c == nil {
		return
	}
	typing := p.Typing.ClearOnDisconnect(c.UserID, c.SessionID)
	rooms := p.Rooms.LeaveAll(c.UserID, c.SessionID)
	channels := p.Hub.UnsubscribeAll(c.SessionID)
	if p.Registry.Unregister(c) {
		p.log.Info("presence.disconnect",
			"user_id", c.UserID,
			"session_id", c.SessionID,
			"rooms", rooms,
			"channels", len(channels),
			"typing_cleared", len(typing),
		)
	}
}

// RunTypingExpiry sweeps stale typing signals until ctx is done.
func (p *Presence) RunTypingExpiry(ctx context.Context, interval time.Duration) {
	p.Typing.Run(ctx, interval)
}
