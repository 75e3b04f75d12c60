package server

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes builds the gin engine serving the health check, the WebSocket
// endpoint and the stats endpoint.
func SetupRoutes(cfg *Config, hub *Hub, log logrus.FieldLogger) *gin.Engine {
	h := newHandlers(cfg, hub, log)

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLogger(log))

	r.Any("/", h.health)
	r.GET("/ws", h.webSocket)
	r.GET("/stats", h.stats)
	return r
}
