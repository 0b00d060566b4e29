// Package main provides a CI-friendly smoke test for marketchat realtime delivery.
//
// It validates:
//   - handshake + subprotocol selection and hello_ack
//   - find-or-create chat over HTTP
//   - join_chat + typing relay between two users
//   - HTTP send fans out new_message to the peer socket
//   - mark-seen fans out messages_seen to the sender
//   - history fetch returns the message
//
// Against a server in dev auth mode it identifies users by id; otherwise pass bearer tokens.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "marketchat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	token  string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

type smokeConfig struct {
	baseURL string
	origin  string
	timeout time.Duration
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the server")
		origin  = flag.String("origin", "", "Origin header for the WebSocket handshake")
		buyer   = flag.String("buyer", "smoke-buyer", "Buyer user id (dev auth mode)")
		seller  = flag.String("seller", "smoke-seller", "Seller user id (dev auth mode)")
		buyerT  = flag.String("buyer-token", "", "Buyer bearer token (overrides dev identity)")
		sellerT = flag.String("seller-token", "", "Seller bearer token (overrides dev identity)")
		product = flag.String("product", "smoke-product", "Product id the chat is about")
		text    = flag.String("text", "is this still available? 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -base: %v", err)
	}
	cfg := smokeConfig{baseURL: strings.TrimRight(*baseURL, "/"), origin: *origin, timeout: *timeout}
	root := context.Background()

	a := mustConnect(root, cfg, "buyer", *buyer, *buyerT)
	defer closeWS(a.conn)
	b := mustConnect(root, cfg, "seller", *seller, *sellerT)
	defer closeWS(b.conn)

	var started struct {
		Chat struct {
			ID string `json:"id"`
		} `json:"chat"`
		Created bool `json:"created"`
	}
	mustHTTP(root, cfg, a, http.MethodPost, "/v1/chats", map[string]string{"peer_id": b.userID, "product_id": *product}, &started)
	chatID := started.Chat.ID
	if chatID == "" {
		fatalf("start chat: empty chat id")
	}
	if *verbose {
		fmt.Printf("chat: id=%s created=%v\n", chatID, started.Created)
	}

	mustWrite(root, a, v1.TypeJoinChat, v1.ChatRefPayload{ChatID: chatID}, cfg.timeout)
	mustWrite(root, b, v1.TypeJoinChat, v1.ChatRefPayload{ChatID: chatID}, cfg.timeout)

	// Joins carry no ack; a relayed typing signal proves both landed. Toggle until it shows up.
	var tp v1.UserTypingPayload
	for attempt := 0; ; attempt++ {
		if attempt == 5 {
			fatalf("user_typing never reached the buyer")
		}
		mustWrite(root, b, v1.TypeTyping, v1.TypingPayload{ChatID: chatID, IsTyping: true}, cfg.timeout)
		if env, ok := a.readUntilType(root, v1.TypeUserTyping, 500*time.Millisecond); ok {
			mustDecode(env, &tp)
			if tp.IsTyping {
				break
			}
		}
		mustWrite(root, b, v1.TypeTyping, v1.TypingPayload{ChatID: chatID, IsTyping: false}, cfg.timeout)
	}
	if tp.UserID != b.userID {
		fatalf("user_typing mismatch: %+v", tp)
	}
	mustWrite(root, b, v1.TypeTyping, v1.TypingPayload{ChatID: chatID, IsTyping: false}, cfg.timeout)

	var sent struct {
		Message v1.MessagePayload `json:"message"`
	}
	mustHTTP(root, cfg, a, http.MethodPost, "/v1/chats/"+chatID+"/messages", map[string]string{"text": *text}, &sent)

	env := b.mustReadUntilType(root, v1.TypeNewMessage, cfg.timeout)
	var got v1.MessagePayload
	mustDecode(env, &got)
	if got.ID != sent.Message.ID || got.Text != *text || got.SenderID != a.userID || got.ChatID != chatID {
		fatalf("new_message mismatch: got=%+v want id=%s", got, sent.Message.ID)
	}

	var seen struct {
		MessageIDs []string `json:"message_ids"`
	}
	mustHTTP(root, cfg, b, http.MethodPost, "/v1/chats/"+chatID+"/seen", nil, &seen)
	if !slices.Contains(seen.MessageIDs, got.ID) {
		fatalf("seen response missing %s: %v", got.ID, seen.MessageIDs)
	}

	seenEnv := a.mustReadUntilType(root, v1.TypeMessagesSeen, cfg.timeout)
	var sp v1.MessagesSeenPayload
	mustDecode(seenEnv, &sp)
	if sp.SeenBy != b.userID || !slices.Contains(sp.MessageIDs, got.ID) {
		fatalf("messages_seen mismatch: %+v", sp)
	}

	var history struct {
		Messages []v1.MessagePayload `json:"messages"`
	}
	mustHTTP(root, cfg, b, http.MethodGet, "/v1/chats/"+chatID+"/messages?limit=50", nil, &history)
	found := false
	for _, m := range history.Messages {
		if m.ID == got.ID && m.Text == *text {
			found = true
			break
		}
	}
	if !found {
		fatalf("history missing message %s", got.ID)
	}

	fmt.Printf("OK: chat_id=%s message_id=%s buyer=%s seller=%s\n", chatID, got.ID, a.userID, b.userID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, cfg smokeConfig, name, userID, token string) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, cfg.timeout)
	defer cancel()

	u, _ := url.Parse(cfg.baseURL)
	u.Scheme = map[string]string{"http": "ws", "https": "wss"}[u.Scheme]
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	h := http.Header{}
	if strings.TrimSpace(cfg.origin) != "" {
		h.Set("Origin", cfg.origin)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	} else {
		u.RawQuery = url.Values{"user_id": {userID}}.Encode()
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		token: token,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, cfg.timeout)
	var p v1.HelloAckPayload
	mustDecode(ack, &p)
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack incomplete (%s): %+v", name, p)
	}
	c.userID = p.UserID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if env.V != v1.Version {
				c.fail(fmt.Errorf("unexpected protocol version %q", env.V))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadUntilType skips unrelated frames (rosters, typing, room copies) until wantType arrives.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	env, ok := c.readUntilType(parent, wantType, stepTimeout)
	if !ok {
		fatalf("timeout waiting for %q (%s)", wantType, c.name)
	}
	return env
}

func (c *smokeClient) readUntilType(parent context.Context, wantType string, wait time.Duration) (v1.Envelope, bool) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return v1.Envelope{}, false
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env, true
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env, err := v1.New(typ, fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()), time.Now().UTC(), payload)
	if err != nil {
		fatalf("build envelope: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustHTTP(parent context.Context, cfg smokeConfig, c *smokeClient, method, path string, body, out any) {
	ctx, cancel := context.WithTimeout(parent, cfg.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.baseURL+path, rd)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.Header.Set("X-Marketchat-User", c.userID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s (%s): %v", method, path, c.name, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode/100 != 2 {
		fatalf("%s %s (%s): status=%d body=%s", method, path, c.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s (%s): decode: %v", method, path, c.name, err)
		}
	}
}

func mustDecode(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
