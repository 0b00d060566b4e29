package realtime

import (
	"encoding/json"
	"time"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/ids"
	v1 "marketchat/shared/contracts/realtime/v1"
)

// RoomChannel is the broadcast channel name of a chat.
func RoomChannel(chatID string) string {
	return "chat:" + chatID
}

// newEnvelope builds an outbound envelope. Payloads are plain structs, so a marshal failure
// can only be a programming error; it degrades to an empty object.
func newEnvelope(typ string, now time.Time, payload any) v1.Envelope {
	env, err := v1.New(typ, ids.MustULID(now), now, payload)
	if err != nil {
		env = v1.Envelope{V: v1.Version, Type: typ, ID: ids.MustULID(now), TS: now, Payload: json.RawMessage(`{}`)}
	}
	return env
}

func messagePayload(m chat.Message) v1.MessagePayload {
	return v1.MessagePayload{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		ImageRef:  m.ImageRef,
		CreatedAt: m.CreatedAt,
		SeenAt:    m.SeenAt,
	}
}
