package realtime

import (
	"sort"
	"sync"
)

// RoomPresence tracks which users have a chat open in the foreground.
//
// Activity is kept per session so one device leaving does not hide the user while another
// device still has the chat open: a user is active in a chat while any of their sessions is.
type RoomPresence struct {
	mu       sync.Mutex
	rooms    map[string]map[string]map[string]struct{} // chat id -> user id -> session ids
	sessions map[string]map[string]string              // session id -> chat id -> user id
}

// NewRoomPresence constructs an empty tracker.
func NewRoomPresence() *RoomPresence {
	return &RoomPresence{
		rooms:    make(map[string]map[string]map[string]struct{}),
		sessions: make(map[string]map[string]string),
	}
}

// Join marks userID active in chatID through sessionID. Repeated joins are idempotent.
// It reports whether the user became active (was not active through any session before).
func (p *RoomPresence) Join(chatID, userID, sessionID string) bool {
	if chatID == "" || userID == "" || sessionID == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	users, ok := p.rooms[chatID]
	if !ok {
		users = make(map[string]map[string]struct{})
		p.rooms[chatID] = users
	}
	sessions, ok := users[userID]
	if !ok {
		sessions = make(map[string]struct{})
		users[userID] = sessions
	}
	becameActive := len(sessions) == 0
	sessions[sessionID] = struct{}{}

	chats, ok := p.sessions[sessionID]
	if !ok {
		chats = make(map[string]string)
		p.sessions[sessionID] = chats
	}
	chats[chatID] = userID

	return becameActive
}

// Leave removes the mark set by sessionID. It reports whether the user is no longer active.
func (p *RoomPresence) Leave(chatID, userID, sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.leaveLocked(chatID, userID, sessionID)
}

// LeaveAll removes every mark owned by sessionID and returns the chats it had joined.
func (p *RoomPresence) LeaveAll(userID, sessionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	chats := p.sessions[sessionID]
	out := make([]string, 0, len(chats))
	for chatID, owner := range chats {
		if owner == userID {
			out = append(out, chatID)
		}
	}
	for _, chatID := range out {
		p.leaveLocked(chatID, userID, sessionID)
	}
	sort.Strings(out)
	return out
}

// IsActive reports whether userID has chatID open on any session.
func (p *RoomPresence) IsActive(chatID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.rooms[chatID][userID]) > 0
}

// ActiveUsers returns the sorted users active in chatID.
func (p *RoomPresence) ActiveUsers(chatID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	users := p.rooms[chatID]
	out := make([]string, 0, len(users))
	for uid := range users {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// leaveLocked prunes empty session sets, user maps and chat entries in the same critical section.
func (p *RoomPresence) leaveLocked(chatID, userID, sessionID string) bool {
	users, ok := p.rooms[chatID]
	if !ok {
		return false
	}
	sessions, ok := users[userID]
	if !ok {
		return false
	}
	if _, ok := sessions[sessionID]; !ok {
		return false
	}

	delete(sessions, sessionID)
	if chats, ok := p.sessions[sessionID]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(p.sessions, sessionID)
		}
	}

	if len(sessions) > 0 {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(p.rooms, chatID)
	}
	return true
}
