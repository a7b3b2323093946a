package patterns

type FieldKind int

const (
	KindNumber FieldKind = iota
	KindBool
	KindEnum   // string restricted to Enum, carried on the wire as its index
	KindLabel  // free text, not mapped to registers
	KindSeries // fixed length []float64
)

func (k FieldKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindEnum:
		return "enum"
	case KindLabel:
		return "label"
	case KindSeries:
		return "series"
	default:
		return "unknown"
	}
}

// Field describes one telemetry value.
type Field struct {
	Name  string    `json:"name"`
	Kind  FieldKind `json:"kind"`
	Unit  string    `json:"unit,omitempty"`
	Scale float64   `json:"scale,omitempty"` // register value = round(value * Scale)
	Enum  []string  `json:"enum,omitempty"`
	Len   int       `json:"len,omitempty"`
	// RangeKey names the data_config entry bounding this field; Bounds is its default.
	RangeKey string `json:"range_key,omitempty"`
	Bounds   *Range `json:"bounds,omitempty"`
	Alarm    bool   `json:"alarm,omitempty"`
}

// Schema is the ordered set of fields a device type reports.
type Schema struct {
	DeviceType DeviceType `json:"device_type"`
	Fields     []Field    `json:"fields"`
}

// Field looks up a field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Bounds resolves the configured range of every bounded field.
func (s Schema) Bounds(p Params) map[string]Range {
	out := make(map[string]Range)
	for _, f := range s.Fields {
		if f.Bounds == nil {
			continue
		}
		if f.RangeKey == "" {
			out[f.Name] = *f.Bounds
			continue
		}
		out[f.Name] = p.Range(f.RangeKey, *f.Bounds)
	}
	return out
}

func num(name, unit string, scale float64) Field {
	return Field{Name: name, Kind: KindNumber, Unit: unit, Scale: scale}
}

func ranged(name, unit string, scale float64, key string, def Range) Field {
	d := def
	return Field{Name: name, Kind: KindNumber, Unit: unit, Scale: scale, RangeKey: key, Bounds: &d}
}

func flag(name string, alarm bool) Field {
	return Field{Name: name, Kind: KindBool, Alarm: alarm}
}

func enum(name string, values ...string) Field {
	return Field{Name: name, Kind: KindEnum, Enum: values}
}

func label(name string) Field {
	return Field{Name: name, Kind: KindLabel}
}

// Default ranges shared by the schemas and the step functions.
var (
	temperatureRange = Range{Lo: 18, Hi: 45}
	humidityRange    = Range{Lo: 30, Hi: 80}
	pressureRange    = Range{Lo: 0, Hi: 300}
	flowRange        = Range{Lo: 10, Hi: 150}
	speedRange       = Range{Lo: 0, Hi: 3600}
	torqueRange      = Range{Lo: 0, Hi: 500}
	powerRange       = Range{Lo: 0, Hi: 100}
	aqiRange         = Range{Lo: 0, Hi: 500}
	voltageRange     = Range{Lo: 220, Hi: 240}
	currentRange     = Range{Lo: 0, Hi: 100}
	powerFactorRange = Range{Lo: 0.85, Hi: 0.99}
	rssiRange        = Range{Lo: -100, Hi: -30}
	batteryRange     = Range{Lo: 0, Hi: 100}
	spindleRange     = Range{Lo: 0, Hi: 24000}
	feedRange        = Range{Lo: 0, Hi: 15000}
	wearRange        = Range{Lo: 0, Hi: 100}
	processRange     = Range{Lo: 0, Hi: 100}
	outputRange      = Range{Lo: 0, Hi: 100}
	payloadRange     = Range{Lo: 0, Hi: 20}
	jointRange       = Range{Lo: -180, Hi: 180}
)

// SchemaFor returns the telemetry layout of t. p sizes the parts that depend
// on configuration, such as the robot joint series.
func SchemaFor(t DeviceType, p Params) Schema {
	s := Schema{DeviceType: t}
	switch t {
	case TypeTemperatureSensor:
		s.Fields = []Field{
			ranged("temperature", "degC", 100, "temperature_range", temperatureRange),
			ranged("humidity", "%", 100, "humidity_range", humidityRange),
			num("sensor_status", "", 1),
			flag("sensor_healthy", false),
		}
	case TypePressureTransmitter:
		s.Fields = []Field{
			ranged("pressure", "psi", 100, "pressure_range", pressureRange),
			ranged("flow_rate", "l/min", 100, "flow_range", flowRange),
			flag("high_alarm", true),
			flag("low_flow_alarm", true),
		}
	case TypeMotorDrive:
		s.Fields = []Field{
			ranged("speed", "rpm", 1, "speed_range", speedRange),
			ranged("torque", "Nm", 10, "torque_range", torqueRange),
			ranged("power", "kW", 100, "power_range", powerRange),
			num("fault_code", "", 1),
		}
	case TypeEnvironmentalSensor:
		s.Fields = []Field{
			ranged("temperature", "degC", 100, "temperature_range", temperatureRange),
			ranged("humidity", "%", 100, "humidity_range", humidityRange),
			ranged("air_quality_index", "", 1, "", aqiRange),
			num("co2_ppm", "ppm", 1),
			num("tvoc_ppb", "ppb", 1),
			num("pressure_hpa", "hPa", 10),
		}
	case TypeEnergyMeter:
		s.Fields = []Field{
			ranged("voltage_v", "V", 10, "voltage_range", voltageRange),
			ranged("current_a", "A", 10, "current_range", currentRange),
			num("power_kw", "kW", 100),
			ranged("power_factor", "", 100, "power_factor_range", powerFactorRange),
			num("frequency_hz", "Hz", 100),
			num("energy_kwh", "kWh", 1),
			label("phase"),
		}
	case TypeAssetTracker:
		s.Fields = []Field{
			label("asset_id"),
			enum("zone_id", p.Strings("zone_ids", defaultZones)...),
			ranged("rssi", "dBm", 1, "", rssiRange),
			ranged("battery_percent", "%", 10, "", batteryRange),
			flag("motion_detected", false),
			label("last_seen_gateway"),
		}
	case TypeGenericSensor:
		s.Fields = []Field{
			ranged("temperature", "degC", 100, "temperature_range", temperatureRange),
			ranged("humidity", "%", 100, "humidity_range", humidityRange),
		}
	case TypeCNCMachine:
		s.Fields = []Field{
			enum("machine_state", string(CNCRunning), string(CNCIdle), string(CNCError), string(CNCSetup)),
			ranged("spindle_speed_rpm", "rpm", 1, "spindle_speed_range", spindleRange),
			ranged("feed_rate_mm_min", "mm/min", 1, "feed_rate_range", feedRange),
			ranged("tool_wear_percent", "%", 100, "", wearRange),
			num("part_count", "", 1),
			num("axis_position_x", "mm", 10),
			num("axis_position_y", "mm", 10),
			num("axis_position_z", "mm", 10),
			label("program_name"),
		}
	case TypePLCController:
		s.Fields = []Field{
			ranged("process_value", "", 100, "process_value_range", processRange),
			num("setpoint", "", 100),
			ranged("control_output", "%", 100, "", outputRange),
			enum("mode", string(PLCAuto), string(PLCManual), string(PLCCascade)),
			flag("high_alarm", true),
			flag("low_alarm", true),
			num("integral_term", "", 100),
			num("derivative_term", "", 1000),
			num("error", "", 100),
		}
	case TypeRobot:
		jr := jointRange
		s.Fields = []Field{
			{Name: "joint_angles", Kind: KindSeries, Unit: "deg", Scale: 10, Len: p.Int("joint_count", 6), Bounds: &jr},
			num("tcp_position_x", "mm", 10),
			num("tcp_position_y", "mm", 10),
			num("tcp_position_z", "mm", 10),
			num("tcp_orientation_rx", "deg", 10),
			num("tcp_orientation_ry", "deg", 10),
			num("tcp_orientation_rz", "deg", 10),
			enum("program_state", string(RobotRunning), string(RobotPaused), string(RobotStopped)),
			num("cycle_time_s", "s", 100),
			num("cycle_count", "", 1),
			num("waypoint_index", "", 1),
			ranged("payload_kg", "kg", 10, "payload_range", payloadRange),
			num("speed_percent", "%", 10),
		}
	}
	return s
}
