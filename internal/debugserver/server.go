// Package debugserver exposes a Manager's health, metrics, and live
// transfer state over HTTP, for operators watching a device-side transfer
// session rather than for any part of the transfer protocol itself.
package debugserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/greenfield-labs/bulktransfer/internal/config"
	"github.com/greenfield-labs/bulktransfer/internal/observability"
	"github.com/greenfield-labs/bulktransfer/internal/transfer"
)

// Server is the debug HTTP server: health/readiness, Prometheus metrics,
// and a transfers endpoint plus websocket feed for live inspection.
type Server struct {
	config  *config.Config
	manager *transfer.Manager
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  *observability.Logger
	hub     *Hub
	router  *gin.Engine
}

// New builds a debug server bound to manager, which may be nil (then
// /transfers reports an empty list). New does not install an update hook on
// manager; transfer-state changes reach connected websocket clients only
// when the Manager was constructed with
// transfer.WithUpdateHook(srv.BroadcastSnapshot).
func New(cfg *config.Config, manager *transfer.Manager, health *observability.HealthChecker, metrics *observability.Metrics, logger *observability.Logger) *Server {
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:  cfg,
		manager: manager,
		health:  health,
		metrics: metrics,
		logger:  logger,
		hub:     NewHub(logger),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())

	r.GET("/health", s.health.HealthHandler())
	r.GET("/ready", s.health.ReadyHandler())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	r.GET("/transfers", s.listTransfers)
	r.GET("/ws", s.handleWebSocket)

	s.router = r
}

func (s *Server) listTransfers(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusOK, gin.H{"transfers": []transfer.TransferSnapshot{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": s.manager.Snapshot()})
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			c.Next()
			return
		}
		c.Next()
		s.logger.Debug("debug http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

// BroadcastSnapshot pushes a transfer's current state to every connected
// websocket client. Intended to be passed as transfer.WithUpdateHook.
func (s *Server) BroadcastSnapshot(snap transfer.TransferSnapshot) {
	s.hub.BroadcastEvent("transfer_update", snap)
}

// Run starts the hub and blocks serving HTTP on addr.
func (s *Server) Run(addr string) error {
	go s.hub.Run()
	s.logger.Info("starting debug server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Stop stops the websocket hub only. The HTTP listener started by Run is not
// stopped; it keeps serving until the process exits.
func (s *Server) Stop() {
	s.hub.Stop()
}
