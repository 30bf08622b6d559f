// Package onebot owns the persistent websocket connection to the chat
// gateway (OneBot v11 / NapCat). Inbound message events are published to the
// bus in arrival order; outbound replies are funneled through Send so frames
// are never interleaved. Reconnection retries forever with exponential
// backoff — a rejected credential is the only fatal condition.
package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nekobot-dev/mangaclaw/pkg/bus"
	"github.com/nekobot-dev/mangaclaw/pkg/config"
	"github.com/nekobot-dev/mangaclaw/pkg/logger"
)

var (
	// ErrNotConnected is returned by Send while the connection is down.
	// Sends are best-effort and never queued; the caller decides whether
	// to drop or re-emit.
	ErrNotConnected = errors.New("gateway not connected")

	// ErrAuthRejected means the gateway refused our credential. Retrying
	// with the same token cannot succeed, so Run reports it upward instead
	// of entering backoff.
	ErrAuthRejected = errors.New("gateway rejected access token")
)

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Client is the gateway connector. Exactly one Client exists per process and
// it is the only component touching the raw connection.
type Client struct {
	cfg config.GatewayConfig
	bus *bus.MessageBus

	writeMu sync.Mutex
	conn    *websocket.Conn
	connMu  sync.Mutex

	state  atomic.Int32
	selfID atomic.Value // string
}

func NewClient(cfg config.GatewayConfig, mb *bus.MessageBus) *Client {
	c := &Client{cfg: cfg, bus: mb}
	c.selfID.Store("")
	return c
}

func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// SelfID returns the bot's own account id, learned from inbound events.
func (c *Client) SelfID() string {
	return c.selfID.Load().(string)
}

// Backoff returns the reconnect delay for the given consecutive failure
// count: min(base * 2^attempt, cap).
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := base << uint(attempt)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// Run drives the connection until ctx is canceled. It returns nil on
// shutdown and ErrAuthRejected when the credential is refused; transport
// errors are absorbed by the reconnect loop.
func (c *Client) Run(ctx context.Context) error {
	base := time.Duration(c.cfg.ReconnectBaseSec) * time.Second
	capDelay := time.Duration(c.cfg.ReconnectCapSec) * time.Second
	attempt := 0

	for {
		c.state.Store(int32(StateConnecting))
		conn, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				c.state.Store(int32(StateDisconnected))
				return err
			}
			if ctx.Err() != nil {
				c.state.Store(int32(StateDisconnected))
				return nil
			}

			delay := Backoff(base, capDelay, attempt)
			attempt++
			c.state.Store(int32(StateReconnecting))
			logger.WarnCF("gateway", "connect failed, retrying", map[string]any{
				"error":   err.Error(),
				"attempt": attempt,
				"delay":   delay.String(),
			})
			if !sleepCtx(ctx, delay) {
				c.state.Store(int32(StateDisconnected))
				return nil
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		c.state.Store(int32(StateConnected))
		logger.InfoC("gateway", "connected to gateway")

		readErr := c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			c.state.Store(int32(StateDisconnected))
			return nil
		}

		c.state.Store(int32(StateReconnecting))
		delay := Backoff(base, capDelay, attempt)
		attempt++
		logger.WarnCF("gateway", "connection lost, reconnecting", map[string]any{
			"error": readErr.Error(),
			"delay": delay.String(),
		})
		if !sleepCtx(ctx, delay) {
			c.state.Store(int32(StateDisconnected))
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.WSUrl)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}

	header := http.Header{}
	if c.cfg.AccessToken != "" {
		q := u.Query()
		q.Set("access_token", c.cfg.AccessToken)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %s", ErrAuthRejected, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	ping := time.Duration(c.cfg.PingIntervalSec) * time.Second
	if ping <= 0 {
		ping = 30 * time.Second
	}
	readWait := ping + 10*time.Second

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		t := time.NewTicker(ping)
		defer t.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-t.C:
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// Reading resets the liveness window as well as pongs do.
		conn.SetReadDeadline(time.Now().Add(readWait))
		c.handleFrame(ctx, data)
	}
}

// handleFrame parses one gateway frame and, for chat messages, publishes an
// InboundEvent. Dispatch never blocks the read loop beyond the bus buffer.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.DebugCF("gateway", "undecodable frame", map[string]any{"error": err.Error()})
		return
	}

	if id := string(ev.SelfID); id != "" && id != c.SelfID() {
		c.selfID.Store(id)
		logger.InfoCF("gateway", "learned self id", map[string]any{"self_id": id})
	}

	if ev.PostType != "message" {
		return
	}

	text := ev.RawMessage
	origin := bus.Origin{UserID: string(ev.UserID)}

	switch ev.MessageType {
	case "private":
		if origin.UserID == "" || text == "" {
			return
		}
	case "group":
		origin.GroupID = string(ev.GroupID)
		if origin.UserID == "" || origin.GroupID == "" || text == "" {
			return
		}
		text = stripReply(text)
		if c.cfg.GroupMentionOnly {
			if !mentionsSelf(text, c.SelfID()) {
				return
			}
			text = stripMention(text, c.SelfID())
		}
	default:
		return
	}

	inbound := bus.InboundEvent{
		EventID: uuid.New().String(),
		SelfID:  c.SelfID(),
		Origin:  origin,
		Text:    text,
		Time:    ev.Time,
	}
	if err := c.bus.PublishInbound(ctx, inbound); err != nil {
		logger.WarnCF("gateway", "dropping inbound event", map[string]any{"error": err.Error()})
	}
}

// Send delivers one outbound reply. It fails immediately with
// ErrNotConnected while the connection is down; nothing is queued.
func (c *Client) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	var message any
	if msg.FilePath != "" {
		abs, err := filepath.Abs(msg.FilePath)
		if err != nil {
			return err
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("artifact missing: %w", err)
		}
		name := msg.FileName
		if name == "" {
			name = filepath.Base(abs)
		}
		message = []segment{{
			Type: "file",
			Data: map[string]any{"file": abs, "name": name},
		}}
	} else {
		message = msg.Text
	}

	req := apiRequest{Params: map[string]any{"message": message}}
	if msg.Origin.Private() {
		req.Action = "send_private_msg"
		req.Params["user_id"] = msg.Origin.UserID
	} else {
		req.Action = "send_group_msg"
		req.Params["group_id"] = msg.Origin.GroupID
	}
	if c.cfg.AccessToken != "" {
		req.Params["access_token"] = c.cfg.AccessToken
	}

	conn := c.getConn()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("gateway write: %w", err)
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) getConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
