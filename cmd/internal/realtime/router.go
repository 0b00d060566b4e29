package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"marketchat/cmd/internal/chat"
	v1 "marketchat/shared/contracts/realtime/v1"
)

// DeliveryReport summarizes the fan-out of one message.
type DeliveryReport struct {
	// RoomSessions is the number of sessions reached through the room broadcast.
	RoomSessions int
	// TargetedSessions is the number of sessions reached by targeted pushes.
	TargetedSessions int
	// Offline lists recipients with no live session.
	Offline []string
	// Suppressed lists recipients skipped because they have the chat open.
	Suppressed []string
	// Targeted lists recipients that got a targeted push.
	Targeted []string
}

// Router decides where a persisted message goes. It implements chat.Notifier.
type Router struct {
	log      *slog.Logger
	presence *Presence
	now      func() time.Time
}

var _ chat.Notifier = (*Router)(nil)

// NewRouter builds a Router over the shared trackers.
func NewRouter(log *slog.Logger, presence *Presence) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		presence: presence,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Deliver fans msg out:
//  1. new_message on the chat's room channel
//  2. for every recipient other than the sender: offline -> nothing; active in the chat ->
//     skipped (the room broadcast covers them); otherwise a targeted new_message to each session
//
// Delivery is best effort and never fails.
func (r *Router) Deliver(msg chat.Message, participants chat.Participants) DeliveryReport {
	p := r.presence
	env := newEnvelope(v1.TypeNewMessage, r.now(), messagePayload(msg))

	rep := DeliveryReport{
		RoomSessions: p.Hub.Broadcast(RoomChannel(msg.ChatID), env, ""),
	}
	p.metrics.delivered(deliveryRoom, rep.RoomSessions)

	recipients := lo.Uniq(lo.Filter(participants.Slice(), func(uid string, _ int) bool {
		return uid != "" && uid != msg.SenderID
	}))
	for _, uid := range recipients {
		conns := p.Registry.Lookup(uid)
		switch {
		case len(conns) == 0:
			rep.Offline = append(rep.Offline, uid)
			p.metrics.recipient("offline")
		case p.Rooms.IsActive(msg.ChatID, uid):
			rep.Suppressed = append(rep.Suppressed, uid)
			p.metrics.recipient("active")
		default:
			n := lo.CountBy(conns, func(c *Client) bool { return deliver(c, env, p.metrics) })
			rep.TargetedSessions += n
			rep.Targeted = append(rep.Targeted, uid)
			p.metrics.recipient("targeted")
			p.metrics.delivered(deliveryTargeted, n)
		}
	}
	return rep
}

// MessageCreated routes a freshly persisted message.
func (r *Router) MessageCreated(_ context.Context, msg chat.Message, participants chat.Participants) {
	rep := r.Deliver(msg, participants)
	r.log.Info("delivery.message",
		"chat_id", msg.ChatID,
		"message_id", msg.ID,
		"room_sessions", rep.RoomSessions,
		"targeted_sessions", rep.TargetedSessions,
		"offline", rep.Offline,
		"suppressed", rep.Suppressed,
	)
}

// MessagesSeen broadcasts one messages_seen event on the chat's room channel.
// An empty id list emits nothing.
func (r *Router) MessagesSeen(_ context.Context, chatID, seenBy string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	env := newEnvelope(v1.TypeMessagesSeen, r.now(), v1.MessagesSeenPayload{
		ChatID:     chatID,
		SeenBy:     seenBy,
		MessageIDs: messageIDs,
	})
	n := r.presence.Hub.Broadcast(RoomChannel(chatID), env, "")
	r.presence.metrics.seen()
	r.log.Info("delivery.seen", "chat_id", chatID, "seen_by", seenBy, "count", len(messageIDs), "sessions", n)
}
