package patterns

import (
	"sort"

	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

// Template is a named preset selecting a device type and its default data_config.
type Template struct {
	Name        string     `json:"name"`
	DeviceType  DeviceType `json:"device_type"`
	Description string     `json:"description"`
	Defaults    Params     `json:"defaults,omitempty"`
}

var templates = map[string]Template{
	"industrial_temperature_sensor": {
		Name:        "industrial_temperature_sensor",
		DeviceType:  TypeTemperatureSensor,
		Description: "Industrial temperature and humidity transmitter",
		Defaults:    Params{"temperature_range": []any{18.0, 45.0}, "humidity_range": []any{30.0, 80.0}},
	},
	"hydraulic_pressure_sensor": {
		Name:        "hydraulic_pressure_sensor",
		DeviceType:  TypePressureTransmitter,
		Description: "Hydraulic pressure and flow transmitter",
		Defaults:    Params{"pressure_range": []any{0.0, 300.0}, "flow_range": []any{10.0, 150.0}},
	},
	"variable_frequency_drive": {
		Name:        "variable_frequency_drive",
		DeviceType:  TypeMotorDrive,
		Description: "Variable frequency motor drive",
		Defaults:    Params{"speed_range": []any{0.0, 3600.0}, "torque_range": []any{0.0, 500.0}},
	},
	"opcua_cnc_machine": {
		Name:        "opcua_cnc_machine",
		DeviceType:  TypeCNCMachine,
		Description: "CNC milling machine with tool wear and part counting",
		Defaults:    Params{"spindle_speed_range": []any{0.0, 24000.0}, "tool_wear_rate": 0.01},
	},
	"opcua_plc_controller": {
		Name:        "opcua_plc_controller",
		DeviceType:  TypePLCController,
		Description: "PID process controller",
		Defaults:    Params{"process_value_range": []any{0.0, 100.0}, "setpoint": 50.0},
	},
	"opcua_industrial_robot": {
		Name:        "opcua_industrial_robot",
		DeviceType:  TypeRobot,
		Description: "Six axis industrial robot running a pick and place program",
		Defaults:    Params{"joint_count": 6, "base_cycle_time": 15.0},
	},
	"iot_temperature_sensor": {
		Name:        "iot_temperature_sensor",
		DeviceType:  TypeTemperatureSensor,
		Description: "Battery powered temperature sensor",
	},
	"iot_environmental_sensor": {
		Name:        "iot_environmental_sensor",
		DeviceType:  TypeEnvironmentalSensor,
		Description: "Indoor climate and air quality sensor",
	},
	"iot_humidity_sensor": {
		Name:        "iot_humidity_sensor",
		DeviceType:  TypeEnvironmentalSensor,
		Description: "Humidity sensor",
	},
	"iot_air_quality_monitor": {
		Name:        "iot_air_quality_monitor",
		DeviceType:  TypeEnvironmentalSensor,
		Description: "Air quality monitor",
	},
	"smart_meter": {
		Name:        "smart_meter",
		DeviceType:  TypeEnergyMeter,
		Description: "Single phase smart energy meter",
	},
	"asset_tracker": {
		Name:        "asset_tracker",
		DeviceType:  TypeAssetTracker,
		Description: "BLE asset tracker",
	},
	"generic_iot_sensor": {
		Name:        "generic_iot_sensor",
		DeviceType:  TypeGenericSensor,
		Description: "Generic temperature and humidity sensor",
	},
}

// LookupTemplate resolves a template name.
func LookupTemplate(name string) (Template, error) {
	t, ok := templates[name]
	if !ok {
		return Template{}, simerr.NewConfigError("device_template", "unknown template %q", name)
	}
	return t, nil
}

// Templates returns every registered template sorted by name.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Merge overlays the device's data_config on the template defaults.
func (t Template) Merge(overrides Params) Params {
	out := make(Params, len(t.Defaults)+len(overrides))
	for k, v := range t.Defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
