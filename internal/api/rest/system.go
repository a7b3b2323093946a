package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// GET /health
func (s *Server) healthCheck(c *gin.Context) {
	health := s.sim.GetHealth()

	code := http.StatusOK
	switch health.Status {
	case "healthy", "degraded":
	default:
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    health.Status,
		"summary":   health.Summary,
		"timestamp": time.Now().Unix(),
	})
}

// GET /api/v1/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": s.sim.GetCurrentStatus(),
		"health": s.sim.GetHealth(),
	})
}

// GET /api/v1/ports
func (s *Server) getPortAllocation(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pools": s.sim.AllocationReport(),
	})
}

// GET /api/v1/protocols
func (s *Server) getProtocols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"protocols": s.sim.Protocols(),
	})
}
