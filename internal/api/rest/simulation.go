package rest

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/types"
)

// POST /api/v1/simulation/start
func (s *Server) startSimulation(c *gin.Context) {
	if err := s.sim.StartSimulation(c.Request.Context()); err != nil {
		s.logger.Warn("Simulation start failed", zap.Error(err))
		c.JSON(types.FromError(types.ScopeSimulation, err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "simulation started",
		"status":  s.sim.GetCurrentStatus(),
	})
}

// POST /api/v1/simulation/stop
func (s *Server) stopSimulation(c *gin.Context) {
	if err := s.sim.StopSimulation(c.Request.Context()); err != nil {
		s.logger.Warn("Simulation stop failed", zap.Error(err))
		c.JSON(types.FromError(types.ScopeSimulation, err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "simulation stopped",
		"status":  s.sim.GetCurrentStatus(),
	})
}

var exportColumns = []string{
	"device_id", "protocol", "device_template", "device_type", "port", "endpoint",
	"status", "uptime_seconds", "error_count", "ticks", "last_update", "last_error",
}

// GET /api/v1/export/devices?format=json|csv
func (s *Server) exportDevices(c *gin.Context) {
	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "csv" {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ScopeExport, http.StatusBadRequest,
			types.KindBadRequest, "Unsupported export format", format))
		return
	}

	states, err := s.sim.ListDevices("")
	if err != nil {
		c.JSON(types.FromError(types.ScopeExport, err))
		return
	}
	now := time.Now()

	if format == "json" {
		c.JSON(http.StatusOK, gin.H{
			"format":       format,
			"timestamp":    now.Unix(),
			"device_count": len(states),
			"data":         states,
		})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="devices-`+now.Format("20060102-150405")+`.csv"`)
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.Write(exportColumns); err != nil {
		s.logger.Warn("CSV export failed", zap.Error(err))
		return
	}
	for _, st := range states {
		if err := w.Write(exportRow(st)); err != nil {
			s.logger.Warn("CSV export failed", zap.Error(err))
			return
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		s.logger.Warn("CSV export failed", zap.Error(err))
	}
}

func exportRow(st devices.RuntimeState) []string {
	port, lastUpdate := "", ""
	if st.Port > 0 {
		port = strconv.Itoa(st.Port)
	}
	if st.LastUpdate != nil {
		lastUpdate = st.LastUpdate.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		st.DeviceID,
		st.Protocol,
		st.Template,
		string(st.DeviceType),
		port,
		st.Endpoint,
		st.Status.String(),
		strconv.FormatFloat(st.UptimeSeconds, 'f', 3, 64),
		strconv.FormatInt(st.ErrorCount, 10),
		strconv.FormatUint(st.Ticks, 10),
		lastUpdate,
		st.LastError,
	}
}
