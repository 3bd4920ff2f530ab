// Package eventstream maintains the realtime event feed for a live target. It
// speaks the platform's Centrifugo v3 websocket protocol: a connect command
// carrying a JWT, per-channel subscribes keyed by model id, empty-object
// keepalives, and push frames that may concatenate several JSON objects.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	keepaliveInterval = 25 * time.Second
	writeTimeout      = 10 * time.Second

	// Centrifugo error/close code meaning the JWT is missing or expired.
	codeAuthRequired = 3501

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// channels subscribed for every live target.
var channels = []string{
	"newChatMessage",
	"newModelEvent",
	"clearChatMessages",
	"userUpdated",
}

// Config wires a stream client to one target's feed.
type Config struct {
	URL     string
	Target  string
	ModelID string

	// Token returns the current platform JWT for the connect command.
	Token func(ctx context.Context) (string, error)
	// BrowserChallenge is the cf_clearance cookie value, sent on the handshake
	// when present.
	BrowserChallenge string

	// OnRecord receives every normalized record parsed from a push frame.
	OnRecord func(Record)
	// OnAuthError fires when the server rejects the JWT (connect error or
	// close with code 3501). The client keeps reconnecting; the callback is
	// the hook for coordinated credential refresh.
	OnAuthError func()

	Dialer *websocket.Dialer
}

// Client runs the websocket loop for a single target. It reconnects with
// capped exponential backoff until Disconnect or context cancellation.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
	handshook bool // current attempt completed the connect handshake
	msgID     int
}

func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	return &Client{cfg: cfg}
}

// Run drives connect/read/reconnect until the context is cancelled or
// Disconnect is called. Blocks; callers start it in a goroutine.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()
	defer close(done)
	defer cancel()

	delay := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		// A drop after a completed handshake restarts the escalation; only
		// consecutive failed connects keep growing the delay.
		if c.tookHandshake() {
			delay = reconnectMin
		}
		if err != nil {
			slog.Warn("event stream dropped",
				slog.String("target", c.cfg.Target),
				slog.Any("err", err),
				slog.Duration("retry_in", delay),
				slog.String("component", "eventstream"))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

func (c *Client) tookHandshake() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshook
}

// Disconnect abandons the reconnect loop and closes the socket. Safe to call
// more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.connected = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Connected reports whether the connect handshake has completed on the
// current socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// runOnce performs one full connect/subscribe/read cycle.
func (c *Client) runOnce(ctx context.Context) error {
	c.mu.Lock()
	c.handshook = false
	c.mu.Unlock()

	token := ""
	if c.cfg.Token != nil {
		var err error
		token, err = c.cfg.Token(ctx)
		if err != nil {
			return fmt.Errorf("fetch token: %w", err)
		}
	}

	header := http.Header{}
	header.Set("Origin", "https://stripchat.com")
	if c.cfg.BrowserChallenge != "" {
		header.Set("Cookie", "cf_clearance="+c.cfg.BrowserChallenge)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (http %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.msgID = 0
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if err := c.send(conn, map[string]any{
		"connect": map[string]any{"token": token, "name": "go"},
		"id":      c.nextID(),
	}); err != nil {
		return fmt.Errorf("connect command: %w", err)
	}

	// Client-side keepalive; the server's {} ping/pong is primary.
	stopKeepalive := make(chan struct{})
	defer close(stopKeepalive)
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopKeepalive:
				return
			case <-ticker.C:
				c.mu.Lock()
				cur := c.conn
				c.mu.Unlock()
				if cur == nil {
					return
				}
				_ = cur.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := cur.WriteMessage(websocket.TextMessage, []byte("{}")); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code == codeAuthRequired {
				c.notifyAuthError()
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := c.handleFrame(conn, raw); err != nil {
			return err
		}
	}
}

// serverFrame is the superset of protocol replies and pushes the server emits.
type serverFrame struct {
	ID        int             `json:"id,omitempty"`
	Connect   json.RawMessage `json:"connect,omitempty"`
	Subscribe json.RawMessage `json:"subscribe,omitempty"`
	Push      *pushFrame      `json:"push,omitempty"`
	Error     *protocolError  `json:"error,omitempty"`
}

type pushFrame struct {
	Channel string `json:"channel"`
	Pub     struct {
		Data json.RawMessage `json:"data"`
	} `json:"pub"`
}

type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) handleFrame(conn *websocket.Conn, raw []byte) error {
	for _, part := range splitFrames(raw) {
		// Server ping.
		if isEmptyObject(part) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("{}")); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
			continue
		}

		var frame serverFrame
		if err := json.Unmarshal(part, &frame); err != nil {
			slog.Debug("unparseable stream frame",
				slog.String("target", c.cfg.Target),
				slog.String("component", "eventstream"))
			continue
		}

		switch {
		case frame.ID != 0 && len(frame.Connect) > 0:
			if err := c.onConnected(conn); err != nil {
				return err
			}
		case frame.ID == 1 && frame.Error != nil:
			slog.Error("stream connect rejected",
				slog.String("target", c.cfg.Target),
				slog.Int("code", frame.Error.Code),
				slog.String("message", frame.Error.Message),
				slog.String("component", "eventstream"))
			if frame.Error.Code == codeAuthRequired {
				c.notifyAuthError()
			}
			return fmt.Errorf("connect rejected: code %d", frame.Error.Code)
		case frame.ID != 0 && len(frame.Subscribe) > 0:
			// Subscribe confirmed.
		case frame.ID != 0 && frame.Error != nil:
			slog.Warn("channel subscribe rejected",
				slog.String("target", c.cfg.Target),
				slog.Int("sub_id", frame.ID),
				slog.Int("code", frame.Error.Code),
				slog.String("component", "eventstream"))
		case frame.Push != nil && frame.Push.Channel != "":
			c.dispatch(frame.Push)
		}
	}
	return nil
}

// onConnected subscribes every channel for the target's model id.
func (c *Client) onConnected(conn *websocket.Conn) error {
	c.mu.Lock()
	c.connected = true
	c.handshook = true
	c.mu.Unlock()
	slog.Info("event stream connected",
		slog.String("target", c.cfg.Target),
		slog.String("model_id", c.cfg.ModelID),
		slog.String("component", "eventstream"))
	for _, ch := range channels {
		if err := c.send(conn, map[string]any{
			"subscribe": map[string]any{"channel": ch + "@" + c.cfg.ModelID},
			"id":        c.nextID(),
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	return nil
}

func (c *Client) dispatch(push *pushFrame) {
	if c.cfg.OnRecord == nil {
		return
	}
	rec, ok := ParsePush(push.Channel, push.Pub.Data)
	if !ok {
		return
	}
	c.cfg.OnRecord(rec)
}

func (c *Client) notifyAuthError() {
	if c.cfg.OnAuthError != nil {
		c.cfg.OnAuthError()
	}
}

func (c *Client) send(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) nextID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgID++
	return c.msgID
}
