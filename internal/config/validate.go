package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

var protocolFamilies = []string{"modbus", "opcua", "mqtt"}

// Validate checks the whole document and reports every problem found.
// The returned error matches simerr.ErrConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, simerr.NewConfigError(field, format, args...))
	}

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port", "port %d out of range", c.Server.HTTPPort)
	}

	sim := c.Simulation
	if sim.StartConcurrency < 1 {
		add("simulation.start_concurrency", "must be at least 1")
	}
	if sim.FailureThreshold < 1 {
		add("simulation.failure_threshold", "must be at least 1")
	}
	if sim.TimeAcceleration <= 0 {
		add("simulation.time_acceleration", "must be positive")
	}

	errs = append(errs, c.validatePortRanges()...)

	validator, err := NewDataConfigValidator()
	if err != nil {
		return err
	}

	errs = append(errs, c.validateGroups("modbus_tcp", "modbus", c.Protocols.Modbus, 0, validator)...)
	errs = append(errs, c.validateGroups("opcua", "opcua", c.Protocols.OPCUA.ProtocolConfig, 0, validator)...)
	errs = append(errs, c.validateGroups("mqtt", "mqtt", c.Protocols.MQTT.ProtocolConfig,
		c.Protocols.MQTT.PublishInterval, validator)...)

	if mode := c.Protocols.OPCUA.SecurityMode; mode != "" && mode != "None" {
		add("industrial_protocols.opcua.security_mode", "unsupported security mode %q", mode)
	}

	if mqtt := c.Protocols.MQTT; mqtt.Enabled && !mqtt.UseEmbeddedBroker {
		if mqtt.BrokerHost == "" {
			add("industrial_protocols.mqtt.broker_host", "required when the embedded broker is disabled")
		}
		if mqtt.BrokerPort <= 0 || mqtt.BrokerPort > 65535 {
			add("industrial_protocols.mqtt.broker_port", "port %d out of range", mqtt.BrokerPort)
		}
	}

	return errors.Join(errs...)
}

func (c *Config) validatePortRanges() []error {
	var errs []error

	type span struct {
		family     string
		start, end int
	}
	var spans []span

	for _, family := range protocolFamilies {
		r, ok := c.Network.PortRanges[family]
		if !ok {
			continue
		}
		field := "network.port_ranges." + family
		if len(r) != 2 {
			errs = append(errs, simerr.NewConfigError(field, "expected [start, end], got %d values", len(r)))
			continue
		}
		if r[0] < 1 || r[1] > 65535 || r[0] > r[1] {
			errs = append(errs, simerr.NewConfigError(field, "invalid range [%d, %d]", r[0], r[1]))
			continue
		}
		spans = append(spans, span{family, r[0], r[1]})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.start <= prev.end {
			errs = append(errs, simerr.NewConfigError("network.port_ranges",
				"%s range [%d, %d] overlaps %s range [%d, %d]",
				cur.family, cur.start, cur.end, prev.family, prev.start, prev.end))
		}
	}

	return errs
}

func (c *Config) validateGroups(key, family string, pc ProtocolConfig, fallback float64, v *DataConfigValidator) []error {
	if !pc.Enabled {
		return nil
	}

	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, simerr.NewConfigError(field, format, args...))
	}

	start, end, hasRange := c.Network.PortRange(family)
	if !hasRange && family != "mqtt" {
		add("network.port_ranges."+family, "missing port range for enabled protocol")
	}

	for _, name := range pc.GroupNames() {
		g := pc.Devices[name]
		field := fmt.Sprintf("industrial_protocols.%s.devices.%s", key, name)

		if g.Count < 1 {
			add(field+".count", "must be at least 1, got %d", g.Count)
		}
		if _, err := g.Interval(fallback); err != nil {
			var ce *simerr.ConfigError
			if errors.As(err, &ce) {
				add(field+"."+ce.Field, "%s", ce.Reason)
			}
		}
		if _, err := patterns.LookupTemplate(g.DeviceTemplate); err != nil {
			add(field+".device_template", "unknown template %q", g.DeviceTemplate)
		}
		if g.PortStart != 0 && hasRange && family != "mqtt" {
			if g.PortStart < start || g.PortStart > end {
				add(field+".port_start", "port %d outside %s range [%d, %d]", g.PortStart, family, start, end)
			}
		}
		if g.QoS < 0 || g.QoS > 2 {
			add(field+".qos", "must be 0, 1 or 2")
		}
		if err := v.Validate(g.DataConfig); err != nil {
			add(field+".data_config", "%v", err)
		}
	}

	return errs
}
