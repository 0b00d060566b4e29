package realtime

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "marketchat/shared/contracts/realtime/v1"
)

// ConnectionRegistry maps a user to their live sessions (multi-device).
type ConnectionRegistry struct {
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	byUser map[string]map[string]*Client // user id -> session id -> client
	total  int
}

// NewConnectionRegistry constructs an empty registry.
func NewConnectionRegistry(log *slog.Logger, metrics *Metrics) *ConnectionRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &ConnectionRegistry{
		log:     log,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		byUser:  make(map[string]map[string]*Client),
	}
}

// Register records a live session and broadcasts the roster to every session.
// Registering the same session twice is a no-op and returns false.
func (r *ConnectionRegistry) Register(c *Client) bool {
	if c == nil || c.UserID == "" || c.SessionID == "" {
		return false
	}

	r.mu.Lock()
	sessions, ok := r.byUser[c.UserID]
	if !ok {
		sessions = make(map[string]*Client)
		r.byUser[c.UserID] = sessions
	}
	if _, dup := sessions[c.SessionID]; dup {
		r.mu.Unlock()
		return false
	}
	sessions[c.SessionID] = c
	r.total++
	roster, targets := r.snapshotLocked()
	r.mu.Unlock()

	r.log.Info("registry.register", "user_id", c.UserID, "session_id", c.SessionID, "online_users", len(roster))
	r.broadcastRoster(roster, targets)
	return true
}

// Unregister removes the session slot if it still belongs to c and broadcasts the roster.
// Unknown sessions are a no-op and return false.
func (r *ConnectionRegistry) Unregister(c *Client) bool {
	if c == nil {
		return false
	}

	r.mu.Lock()
	sessions := r.byUser[c.UserID]
	if cur, ok := sessions[c.SessionID]; !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(sessions, c.SessionID)
	if len(sessions) == 0 {
		delete(r.byUser, c.UserID)
	}
	r.total--
	roster, targets := r.snapshotLocked()
	r.mu.Unlock()

	r.log.Info("registry.unregister", "user_id", c.UserID, "session_id", c.SessionID, "online_users", len(roster))
	r.broadcastRoster(roster, targets)
	return true
}

// Lookup returns the live sessions of userID. An empty result means the user is offline.
func (r *ConnectionRegistry) Lookup(userID string) []*Client {
	r.mu.Lock()
	sessions := r.byUser[userID]
	out := make([]*Client, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// IsOnline reports whether userID has at least one live session.
func (r *ConnectionRegistry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns the sorted ids of users with at least one live session.
func (r *ConnectionRegistry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

// SessionCount returns the number of live sessions across all users.
func (r *ConnectionRegistry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *ConnectionRegistry) rosterLocked() []string {
	out := make([]string, 0, len(r.byUser))
	for uid := range r.byUser {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

func (r *ConnectionRegistry) snapshotLocked() ([]string, []*Client) {
	targets := make([]*Client, 0, r.total)
	for _, sessions := range r.byUser {
		for _, c := range sessions {
			targets = append(targets, c)
		}
	}
	r.metrics.setConnections(r.total, len(r.byUser))
	return r.rosterLocked(), targets
}

func (r *ConnectionRegistry) broadcastRoster(roster []string, targets []*Client) {
	env := newEnvelope(v1.TypeOnlineUsers, r.now(), v1.OnlineUsersPayload{UserIDs: roster})
	for _, c := range targets {
		deliver(c, env, r.metrics)
	}
}
