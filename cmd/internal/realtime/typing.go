package realtime

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "marketchat/shared/contracts/realtime/v1"
)

type typingSignal struct {
	sessionID string
	since     time.Time
}

type typingChange struct {
	chatID string
	userID string
	typing bool
}

// TypingTracker holds chat id -> user id -> active typing signal. Typing is advisory:
// frames go through the non-blocking Hub broadcast and are dropped under backpressure.
type TypingTracker struct {
	log     *slog.Logger
	hub     *Hub
	metrics *Metrics
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	chats map[string]map[string]typingSignal
}

// NewTypingTracker builds a tracker that emits through hub. ttl <= 0 disables expiry.
func NewTypingTracker(log *slog.Logger, hub *Hub, metrics *Metrics, ttl time.Duration) *TypingTracker {
	if log == nil {
		log = slog.Default()
	}
	return &TypingTracker{
		log:     log,
		hub:     hub,
		metrics: metrics,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		chats:   make(map[string]map[string]typingSignal),
	}
}

// SetTyping records (isTyping=true) or clears (false) userID's signal in chatID and relays
// changes to the other users subscribed to the chat. A repeated true only refreshes the signal
// and takes it over for sessionID; it emits nothing. Events with a missing chat or user are
// dropped.
func (t *TypingTracker) SetTyping(chatID, userID, sessionID string, isTyping bool) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" || userID == "" {
		return
	}

	t.mu.Lock()
	users := t.chats[chatID]
	var emit bool
	if isTyping {
		if users == nil {
			users = make(map[string]typingSignal)
			t.chats[chatID] = users
		}
		_, had := users[userID]
		emit = !had
		users[userID] = typingSignal{sessionID: sessionID, since: t.now()}
	} else {
		_, emit = users[userID]
		t.clearLocked(chatID, userID)
	}
	t.mu.Unlock()

	if emit {
		t.emit([]typingChange{{chatID: chatID, userID: userID, typing: isTyping}})
	}
}

// ClearSession drops userID's signal in chatID if sessionID owns it, emitting is_typing=false.
// It reports whether a signal was cleared.
func (t *TypingTracker) ClearSession(chatID, userID, sessionID string) bool {
	t.mu.Lock()
	sig, ok := t.chats[chatID][userID]
	if ok && sig.sessionID == sessionID {
		t.clearLocked(chatID, userID)
	} else {
		ok = false
	}
	t.mu.Unlock()

	if ok {
		t.emit([]typingChange{{chatID: chatID, userID: userID}})
	}
	return ok
}

// IsTyping reports whether userID currently has a signal in chatID.
func (t *TypingTracker) IsTyping(chatID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.chats[chatID][userID]
	return ok
}

// ClearOnDisconnect clears every signal owned by sessionID and emits is_typing=false for each.
// It returns the affected chats.
func (t *TypingTracker) ClearOnDisconnect(userID, sessionID string) []string {
	t.mu.Lock()
	var changes []typingChange
	for chatID, users := range t.chats {
		sig, ok := users[userID]
		if !ok || sig.sessionID != sessionID {
			continue
		}
		changes = append(changes, typingChange{chatID: chatID, userID: userID})
	}
	for _, c := range changes {
		t.clearLocked(c.chatID, c.userID)
	}
	t.mu.Unlock()

	sortChanges(changes)
	t.emit(changes)

	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.chatID)
	}
	return out
}

// Expire clears signals older than the TTL and emits is_typing=false for each.
// It returns the number of signals cleared.
func (t *TypingTracker) Expire(now time.Time) int {
	if t.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-t.ttl)

	t.mu.Lock()
	var changes []typingChange
	for chatID, users := range t.chats {
		for userID, sig := range users {
			if !sig.since.After(cutoff) {
				changes = append(changes, typingChange{chatID: chatID, userID: userID})
			}
		}
	}
	for _, c := range changes {
		t.clearLocked(c.chatID, c.userID)
	}
	t.mu.Unlock()

	sortChanges(changes)
	t.emit(changes)
	return len(changes)
}

// Run sweeps expired signals every interval until ctx is done.
func (t *TypingTracker) Run(ctx context.Context, interval time.Duration) {
	if t.ttl <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Expire(t.now()); n > 0 {
				t.log.Debug("typing.expire", "cleared", n)
			}
		}
	}
}

func (t *TypingTracker) clearLocked(chatID, userID string) {
	users, ok := t.chats[chatID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.chats, chatID)
	}
}

func (t *TypingTracker) emit(changes []typingChange) {
	if t.hub == nil || len(changes) == 0 {
		return
	}

	now := t.now()
	sent := 0
	for _, c := range changes {
		env := newEnvelope(v1.TypeUserTyping, now, v1.UserTypingPayload{
			ChatID:   c.chatID,
			UserID:   c.userID,
			IsTyping: c.typing,
		})
		sent += t.hub.Broadcast(RoomChannel(c.chatID), env, c.userID)
	}
	t.metrics.typing(sent)
}

func sortChanges(changes []typingChange) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].chatID == changes[j].chatID {
			return changes[i].userID < changes[j].userID
		}
		return changes[i].chatID < changes[j].chatID
	})
}
