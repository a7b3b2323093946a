package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/ports"
	"github.com/KevinKickass/OpenMachineSim/internal/types"
)

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	protocol := ports.Family(c.Query("protocol"))

	devices, err := s.sim.ListDevices(protocol)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ScopeProtocol, http.StatusBadRequest, types.KindBadRequest, "Unknown protocol", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	state, err := s.sim.GetDevice(c.Param("id"))
	if err != nil {
		s.deviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// GET /api/v1/devices/:id/data
func (s *Server) getDeviceData(c *gin.Context) {
	data, err := s.sim.GetDeviceData(c.Param("id"))
	if err != nil {
		s.deviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

// POST /api/v1/devices/:id/restart
func (s *Server) restartDevice(c *gin.Context) {
	id := c.Param("id")

	if err := s.sim.RestartDevice(c.Request.Context(), id); err != nil {
		s.logger.Warn("Device restart failed", zap.String("device_id", id), zap.Error(err))
		s.deviceError(c, err)
		return
	}

	state, err := s.sim.GetDevice(id)
	if err != nil {
		s.deviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "device restarted",
		"device":  state,
	})
}

func (s *Server) deviceError(c *gin.Context, err error) {
	c.JSON(types.FromError(types.ScopeDevice, err))
}
