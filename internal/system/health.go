package system

import (
	"math"
	"time"

	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/interfaces"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
)

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthStopped   = "stopped"

	healthyThreshold  = 95.0
	degradedThreshold = 80.0
)

// Classify maps the share of running devices onto a health label.
// No devices counts as 0%.
func Classify(percent float64) string {
	switch {
	case percent >= healthyThreshold:
		return HealthHealthy
	case percent >= degradedThreshold:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

func summarize(states map[string]devices.RuntimeState) interfaces.HealthSummary {
	s := interfaces.HealthSummary{TotalDevices: len(states)}
	for _, st := range states {
		switch st.Status {
		case devices.StatusRunning:
			s.RunningDevices++
		case devices.StatusError:
			s.ErrorDevices++
		case devices.StatusStopped, devices.StatusStopping:
			s.StoppedDevices++
		}
	}
	if s.TotalDevices > 0 {
		pct := float64(s.RunningDevices) / float64(s.TotalDevices) * 100
		s.HealthPercentage = math.Round(pct*100) / 100
	}
	return s
}

// buildHealth assembles the report from per family device states.
func buildHealth(
	state SystemState,
	byFamily map[ports.Family]map[string]devices.RuntimeState,
	failures map[ports.Family]error,
	util map[ports.Family]ports.Utilization,
) interfaces.Health {
	h := interfaces.Health{
		Timestamp:       time.Now(),
		Protocols:       make(map[ports.Family]interfaces.ProtocolHealth),
		Devices:         make(map[string]devices.RuntimeState),
		PortUtilization: util,
	}

	for family, states := range byFamily {
		fs := summarize(states)
		h.Protocols[family] = interfaces.ProtocolHealth{
			Initialized: true,
			Devices:     fs.TotalDevices,
			Running:     fs.RunningDevices,
			Failed:      fs.ErrorDevices,
		}
		for id, st := range states {
			h.Devices[id] = st
		}
	}
	for family, err := range failures {
		ph := h.Protocols[family]
		ph.Error = err.Error()
		h.Protocols[family] = ph
	}

	h.Summary = summarize(h.Devices)
	if state != StateRunning {
		h.Status = HealthStopped
	} else {
		h.Status = Classify(h.Summary.HealthPercentage)
	}
	return h
}
