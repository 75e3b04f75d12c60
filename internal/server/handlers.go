// Package server exposes HTTP handlers for the WebSocket upgrade, the health
// check and the stats endpoint.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const healthMessage = "Room relay is running!"

type handlers struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func newHandlers(cfg *Config, hub *Hub, log logrus.FieldLogger) *handlers {
	entry := log.WithField("component", "http")
	policy := newOriginPolicy(cfg.Origins(), entry)

	return &handlers{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		log: entry,
	}
}

// health responds with a plain text liveness message.
func (h *handlers) health(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain", []byte(healthMessage))
}

// webSocket upgrades the request and hands the new client to the hub, which
// starts its pumps.
func (h *handlers) webSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.log.WithError(err).WithField("remote_addr", c.Request.RemoteAddr).Warn("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, h.hub, c.Request.RemoteAddr)
	if err := h.hub.Register(client); err != nil {
		client.log.WithError(err).Warn("Rejecting connection")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

// stats reports live room and connection counts.
func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}
