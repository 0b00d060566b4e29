package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "marketchat/shared/contracts/realtime/v1"
)

// Hub owns the broadcast channels: channel name -> subscribed sessions.
//
// Subscribe/Unsubscribe are safe under concurrent Broadcast. Broadcast never blocks and
// drops frames for sessions whose queue is full.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	channels map[string]map[string]*Client  // channel -> session id -> client
	sessions map[string]map[string]struct{} // session id -> channels
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		metrics:  metrics,
		channels: make(map[string]map[string]*Client),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds client to channel. Repeated subscriptions are no-ops.
func (h *Hub) Subscribe(channel string, client *Client) {
	if channel == "" || client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[string]*Client)
		h.channels[channel] = members
	}
	members[client.SessionID] = client

	subs, ok := h.sessions[client.SessionID]
	if !ok {
		subs = make(map[string]struct{})
		h.sessions[client.SessionID] = subs
	}
	subs[channel] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("hub.subscribe", "channel", channel, "session_id", client.SessionID)
}

// Unsubscribe removes a session from channel and prunes the channel when empty.
func (h *Hub) Unsubscribe(channel, sessionID string) {
	h.mu.Lock()
	h.unsubscribeLocked(channel, sessionID)
	h.mu.Unlock()
}

// UnsubscribeAll removes a session from every channel and returns the channels it left.
func (h *Hub) UnsubscribeAll(sessionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.sessions[sessionID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]string, 0, len(subs))
	for ch := range subs {
		out = append(out, ch)
	}
	for _, ch := range out {
		h.unsubscribeLocked(ch, sessionID)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) unsubscribeLocked(channel, sessionID string) {
	if members, ok := h.channels[channel]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	if subs, ok := h.sessions[sessionID]; ok {
		delete(subs, channel)
		if len(subs) == 0 {
			delete(h.sessions, sessionID)
		}
	}
}

// IsSubscribed reports whether sessionID receives channel broadcasts.
func (h *Hub) IsSubscribed(channel, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.channels[channel][sessionID]
	return ok
}

// Subscribers returns a snapshot of channel members ordered by session id.
func (h *Hub) Subscribers(channel string) []*Client {
	h.mu.RLock()
	members := h.channels[channel]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Broadcast enqueues env to every subscriber of channel except sessions owned by exceptUserID
// (empty = nobody excluded). It returns the number of sessions the frame was enqueued for.
func (h *Hub) Broadcast(channel string, env v1.Envelope, exceptUserID string) int {
	delivered := 0
	for _, c := range h.Subscribers(channel) {
		if exceptUserID != "" && c.UserID == exceptUserID {
			continue
		}
		if deliver(c, env, h.metrics) {
			delivered++
		}
	}
	return delivered
}
