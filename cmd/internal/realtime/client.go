// Package realtime is the live side of marketchat: who is connected, which chats they have
// open, who is typing, and how a persisted message reaches the right sessions.
//
// All trackers are in-memory and process-local. Each guards its maps with one mutex and never
// holds it while writing to a session: targets are snapshotted under the lock and frames are
// enqueued after it is released.
package realtime

import (
	"sync"

	v1 "marketchat/shared/contracts/realtime/v1"
)

const defaultSendQueueSize = 64

// Client represents one connected websocket session of a user.
//
// Send is never closed by the server, so concurrent broadcasters cannot panic on it;
// done signals the session goroutines to stop.
type Client struct {
	UserID    string
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		UserID:    userID,
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// deliver enqueues env without blocking. Full or closing queues drop the frame.
func deliver(c *Client, env v1.Envelope, m *Metrics) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		m.droppedFrame()
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		m.droppedFrame()
		return false
	}
}
