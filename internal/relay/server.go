package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the relay's HTTP surface: the websocket endpoint, a health
// probe and prometheus metrics.
type Server struct {
	engine *gin.Engine
	hub    *Hub
}

func NewServer(hub *Hub, metrics *Metrics, log *zap.Logger) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	engine.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	engine.GET("/ws", hub.HandleWS)

	return &Server{engine: engine, hub: hub}
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }
