package realtime

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ncobase/jobwatch/logging/logger"
)

const maxMessageSize = 64 * 1024

// ClientConfig holds per-session limits.
type ClientConfig struct {
	SendBuffer int
	WriteWait  time.Duration
	PongWait   time.Duration
}

// DefaultClientConfig returns the limits used when none are configured.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{SendBuffer: 256, WriteWait: 10 * time.Second, PongWait: 60 * time.Second}
}

func (c ClientConfig) withDefaults() ClientConfig {
	d := DefaultClientConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	return c
}

// Client is one websocket session. Frames are written by a single goroutine
// in the order they were queued.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	cfg  ClientConfig
	log  *logger.Logger

	send      chan []byte
	closeOnce sync.Once
}

// NewClient creates a session bound to conn. conn may be nil in tests that
// only exercise the hub.
func NewClient(hub *Hub, conn *websocket.Conn, cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		cfg:  cfg,
		log:  hub.log,
		send: make(chan []byte, cfg.SendBuffer),
	}
}

// ID returns the session id.
func (c *Client) ID() string { return c.id }

// offer queues frame without blocking. Callers hold the hub read lock, so
// send is never closed underneath them.
func (c *Client) offer(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// ReadPump reads client frames until the connection fails. It unregisters
// the session on exit.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn(ctx, "WebSocket read error", "session_id", c.id, "error", err)
			}
			return
		}

		var msg Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn(ctx, "Invalid message format", "session_id", c.id, "error", err)
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg Envelope) {
	switch msg.Event {
	case EventGetJobStatus:
		jobID, ok := parseJobID(msg.Data)
		if !ok {
			c.log.Warn(ctx, "getJobStatus without a job id", "session_id", c.id)
			return
		}
		go c.hub.Query(ctx, c.id, jobID)
	default:
		c.log.Debug(ctx, "Ignoring unknown event", "session_id", c.id, "event", msg.Event)
	}
}

// parseJobID accepts the id as a JSON string or number.
func parseJobID(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return n.String(), true
		}
	}
	return "", false
}

// WritePump drains the send buffer to the connection and keeps it alive
// with pings.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn(ctx, "WebSocket write error", "session_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
