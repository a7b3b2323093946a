package protocols

import (
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenMachineSim/internal/config"
	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

// PortsPerDevice is the number of dedicated listening ports a device of the
// family needs. MQTT devices share the gateway connection.
func PortsPerDevice(family ports.Family) int {
	if family == ports.FamilyMQTT {
		return 0
	}
	return 1
}

// GroupSource is the slice of protocol configuration a manager expands.
type GroupSource struct {
	Groups map[string]config.DeviceGroup
	// DefaultInterval in seconds, used when a group sets none.
	DefaultInterval float64
}

// ExpandGroups turns device groups into concrete device configs, ordered by
// group name and then index.
func ExpandGroups(family ports.Family, src GroupSource) ([]devices.Config, error) {
	names := config.ProtocolConfig{Devices: src.Groups}.GroupNames()

	var out []devices.Config
	for _, name := range names {
		group := src.Groups[name]

		tmpl, err := patterns.LookupTemplate(group.DeviceTemplate)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
		interval, err := group.Interval(src.DefaultInterval)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
		if group.Count < 1 {
			return nil, simerr.NewConfigError("count", "group %s: must be at least 1", name)
		}

		params := tmpl.Merge(group.DataConfig)
		for i := 0; i < group.Count; i++ {
			id := devices.DeviceID(family, name, i)
			cfg := devices.Config{
				ID:             id,
				Protocol:       family,
				Group:          name,
				Index:          i,
				Template:       tmpl.Name,
				DeviceType:     tmpl.DeviceType,
				UpdateInterval: interval,
				DataConfig:     params,
			}
			if family == ports.FamilyMQTT {
				cfg.Topic = deviceTopic(group.BaseTopic, name, id)
				cfg.QoS = byte(group.QoS)
				cfg.Retain = group.Retain
			}
			out = append(out, cfg)
		}
	}
	return out, nil
}

func deviceTopic(base, group, id string) string {
	if base = strings.Trim(base, "/"); base != "" {
		return base + "/" + id
	}
	return "devices/" + group + "/" + id
}

// planFor derives the port requests for the configs. A group's port_start
// becomes the preferred port of its first device.
func planFor(family ports.Family, src GroupSource, cfgs []devices.Config) ports.AllocationPlan {
	need := PortsPerDevice(family)
	plan := make(ports.AllocationPlan, 0, len(cfgs))
	for _, cfg := range cfgs {
		entry := ports.PlanEntry{
			DeviceID:      cfg.ID,
			Family:        family,
			PortsRequired: need,
		}
		if start := src.Groups[cfg.Group].PortStart; need > 0 && start > 0 {
			entry.PreferredPort = start + cfg.Index
		}
		plan = append(plan, entry)
	}
	return plan
}
