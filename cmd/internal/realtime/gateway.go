package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/ids"
	v1 "marketchat/shared/contracts/realtime/v1"
)

// Authenticator resolves the user behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// ChatDirectory answers membership questions for join_chat.
type ChatDirectory interface {
	Participants(ctx context.Context, chatID string) (chat.Participants, error)
}

// GatewayConfig tunes the WebSocket gateway. Zero values fall back to defaults.
type GatewayConfig struct {
	// OriginPatterns are host patterns allowed for cross-origin upgrades (same-host is always allowed).
	OriginPatterns []string
	// InsecureSkipVerify disables the origin check entirely. Dev only.
	InsecureSkipVerify bool

	SendQueueSize int
	MaxFrameBytes int64
	WriteTimeout  time.Duration
	// ReadIdleTimeout drops peers that send nothing for this long. Zero disables it.
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultGatewayQueue
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint. One connection is one session of an authenticated user.
type Gateway struct {
	log       *slog.Logger
	auth      Authenticator
	presence  *Presence
	directory ChatDirectory
	cfg       GatewayConfig

	// base outlives individual requests; Close cancels it to end every session.
	base       context.Context
	baseCancel context.CancelFunc
}

// NewGateway wires a gateway. A nil directory lets any user join any chat (tests and dev).
func NewGateway(log *slog.Logger, auth Authenticator, presence *Presence, directory ChatDirectory, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Gateway{
		log:        log,
		auth:       auth,
		presence:   presence,
		directory:  directory,
		cfg:        cfg.withDefaults(),
		base:       base,
		baseCancel: cancel,
	}
}

// Close ends every live session with a going-away close. Hijacked connections are not
// tracked by http.Server.Shutdown, so the app calls this during shutdown.
func (g *Gateway) Close() {
	g.baseCancel()
}

// ServeHTTP upgrades the request and runs the session until it disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := g.auth.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.cfg.OriginPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "err", err, "origin", r.Header.Get("Origin"))
		return
	}
	if g.base.Err() != nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	g.serve(r.Context(), conn, NewClient(userID, sessionID, g.cfg.SendQueueSize))
}

// serve runs one session. Tracker mutations (connect, join, leave, disconnect) all happen on
// this goroutine, so a join can never land after the session's cleanup.
func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, client *Client) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(g.base, cancel)
	defer stop()

	log := g.log.With("session_id", client.SessionID, "user_id", client.UserID)

	var closeOnce sync.Once

	// shutdown is idempotent and safe from any goroutine. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			cancel()
			_ = conn.Close(code, reason)
			log.Info("ws.disconnect", "reason", reason)
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, log, shutdown)
	}()

	g.presence.Connect(client)
	log.Info("ws.connect")

	ack := newEnvelope(v1.TypeHelloAck, time.Now().UTC(), v1.HelloAckPayload{
		SessionID: client.SessionID,
		UserID:    client.UserID,
	})

	code, reason := websocket.StatusTryAgainLater, "backpressure"
	if g.enqueue(ctx, client, ack) {
		code, reason = g.readLoop(ctx, conn, client, log)
	}

	g.presence.Disconnect(client)
	shutdown(code, reason)
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// readLoop dispatches inbound frames until the session ends and returns the close code to use.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, client *Client, log *slog.Logger) (websocket.StatusCode, string) {
	limiter := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

	for {
		data, err := g.readFrame(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				return websocket.StatusNormalClosure, "peer closed"
			case readErrCtxDone:
				return websocket.StatusNormalClosure, "context done"
			case readErrConnClosed:
				return websocket.StatusAbnormalClosure, "conn closed"
			case readErrTooBig:
				return websocket.StatusMessageTooBig, "frame too large"
			default:
				log.Info("ws.read.fail", "err", err)
				return websocket.StatusAbnormalClosure, "read failed"
			}
		}

		if !limiter.Allow() {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			return websocket.StatusPolicyViolation, "rate limited"
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.trySendError(ctx, client, "bad_json", "invalid JSON")
			continue
		}
		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeJoinChat:
			if err := g.onJoin(ctx, client, env); err != nil {
				log.Info("ws.join.fail", "err", err)
				g.trySendError(ctx, client, "join_failed", err.Error())
			}

		case v1.TypeLeaveChat:
			if err := g.onLeave(client, env); err != nil {
				g.trySendError(ctx, client, "leave_failed", err.Error())
			}

		case v1.TypeTyping:
			g.onTyping(client, env)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- handlers ----

func (g *Gateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) error {
	chatID, err := decodeChatRef(env)
	if err != nil {
		return err
	}

	if g.directory != nil {
		p, err := g.directory.Participants(ctx, chatID)
		if err != nil {
			if chat.IsNotFound(err) {
				return errors.New("unknown chat")
			}
			return errors.New("membership lookup failed")
		}
		if !p.Has(client.UserID) {
			return errors.New("not a participant")
		}
	}

	g.presence.JoinChat(client, chatID)
	return nil
}

func (g *Gateway) onLeave(client *Client, env v1.Envelope) error {
	chatID, err := decodeChatRef(env)
	if err != nil {
		return err
	}
	g.presence.LeaveChat(client, chatID)
	return nil
}

// onTyping drops malformed frames and frames for chats the session never joined.
func (g *Gateway) onTyping(client *Client, env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" || !g.presence.Hub.IsSubscribed(RoomChannel(chatID), client.SessionID) {
		return
	}
	g.presence.Typing.SetTyping(chatID, client.UserID, client.SessionID, p.IsTyping)
}

func decodeChatRef(env v1.Envelope) (string, error) {
	var p v1.ChatRefPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	chatID := strings.TrimSpace(p.ChatID)
	if chatID == "" {
		return "", errors.New("missing chat_id")
	}
	return chatID, nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env := newEnvelope(v1.TypeError, time.Now().UTC(), v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	return deliver(client, env, g.presence.metrics)
}

// ---- frame IO ----

// readFrame reads one data frame. With ReadIdleTimeout set, a silent peer is dropped after it
// elapses; otherwise liveness is left to the heartbeat.
func (g *Gateway) readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	if g.cfg.ReadIdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		defer cancel()
	}

	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrTooBig
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
			return readErrTooBig
		}
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
