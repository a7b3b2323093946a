package system

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/config"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
	"github.com/KevinKickass/OpenMachineSim/internal/protocols"
)

// CheckPlans reserves the port pools and validates the allocation plan of
// every enabled family without binding anything. The embedded broker's port
// is accounted for in the mqtt pool.
func CheckPlans(cfg *config.Config, logger *zap.Logger) (map[ports.Family]ports.AllocationPlan, error) {
	alloc := ports.NewAllocator()
	for _, family := range Families {
		start, end, ok := cfg.Network.PortRange(string(family))
		if !ok {
			continue
		}
		if err := alloc.ReservePool(family, start, end); err != nil {
			return nil, err
		}
	}

	var errs []error
	if mc := cfg.Protocols.MQTT; mc.Enabled && mc.UseEmbeddedBroker {
		if _, err := alloc.AllocateFrom(ports.FamilyMQTT, mc.BrokerPort, 1, brokerOwner); err != nil {
			errs = append(errs, fmt.Errorf("mqtt broker: %w", err))
		}
	}

	plans := make(map[ports.Family]ports.AllocationPlan)
	for _, family := range Families {
		pc, defaultInterval, enabled := protocolConfig(cfg, family)
		if !enabled {
			continue
		}

		source := protocols.GroupSource{Groups: pc.Devices, DefaultInterval: defaultInterval}
		mgr := protocols.NewManager(family, source, nil, alloc, protocols.Options{}, logger)
		plan, err := mgr.BuildAllocationPlan()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", family, err))
			continue
		}
		if conflicts := alloc.ValidatePlan(plan); len(conflicts) > 0 {
			errs = append(errs, fmt.Errorf("%s: %w", family, ports.ConflictError(conflicts)))
			continue
		}
		plans[family] = plan
	}

	return plans, errors.Join(errs...)
}
