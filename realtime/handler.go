package realtime

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests to websocket sessions.
type Handler struct {
	hub *Hub
	cfg ClientConfig
	ctx context.Context
}

// NewHandler creates a Handler. ctx scopes every session's queries.
func NewHandler(ctx context.Context, hub *Hub, cfg ClientConfig) *Handler {
	return &Handler{hub: hub, cfg: cfg, ctx: ctx}
}

// Serve handles GET /ws.
func (h *Handler) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.log.Warn(c.Request.Context(), "Failed to upgrade connection", "error", err)
		return
	}

	client := NewClient(h.hub, conn, h.cfg)
	h.hub.Register(client)

	go client.WritePump(h.ctx)
	go client.ReadPump(h.ctx)
}
