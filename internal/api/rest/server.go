package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/api/websocket"
	"github.com/KevinKickass/OpenMachineSim/internal/config"
	"github.com/KevinKickass/OpenMachineSim/internal/interfaces"
)

type Server struct {
	router  *gin.Engine
	sim     interfaces.Simulator
	logger  *zap.Logger
	server  *http.Server
	wsHub   *websocket.Hub
	metrics http.Handler

	healthCh chan interfaces.Health
}

// NewServer builds the monitoring API. wsHub may be nil to disable the
// websocket routes; metrics may be nil to disable /metrics.
func NewServer(cfg *config.Config, sim interfaces.Simulator, wsHub *websocket.Hub, metrics http.Handler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:  gin.New(),
		sim:     sim,
		logger:  logger.With(zap.String("component", "rest")),
		wsHub:   wsHub,
		metrics: metrics,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the HTTP port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	if s.wsHub != nil {
		s.healthCh = s.sim.SubscribeHealth()
		go s.forwardHealth(s.healthCh)
	}

	s.logger.Info("Starting REST API server", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	if s.healthCh != nil {
		s.sim.UnsubscribeHealth(s.healthCh)
		s.healthCh = nil
	}
	return s.server.Shutdown(ctx)
}

// forwardHealth pushes every health report to the websocket clients.
func (s *Server) forwardHealth(ch chan interfaces.Health) {
	for h := range ch {
		s.wsHub.Broadcast(websocket.NewHealthMessage(h))
	}
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getSystemStatus)
		v1.GET("/ports", s.getPortAllocation)
		v1.GET("/protocols", s.getProtocols)
		v1.GET("/export/devices", s.exportDevices)

		simulation := v1.Group("/simulation")
		{
			simulation.POST("/start", s.startSimulation)
			simulation.POST("/stop", s.stopSimulation)
		}

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		{
			devices.GET("", s.listDevices)
			devices.GET("/:id", s.getDevice)
			devices.GET("/:id/data", s.getDeviceData)
			devices.POST("/:id/restart", s.restartDevice)
		}

		// ==================== WEBSOCKET ====================
		if s.wsHub != nil {
			ws := v1.Group("/ws")
			{
				ws.GET("/live", s.wsLiveConnection)
				ws.GET("/status", s.wsStatus)
			}
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
		"dropped_messages":  s.wsHub.Dropped(),
	})
}
