package realtime

import "time"

// Gateway defaults. Every value can be overridden through GatewayConfig.
const (
	defaultMaxFrameBytes = 64 << 10 // 64 KiB

	defaultWriteTimeout = 5 * time.Second
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	// Per-connection inbound budget: rateLimitEvents per rateLimitWindow, bursting to the full budget.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	minSendQueueSize    = 32
	defaultGatewayQueue = 256
)
