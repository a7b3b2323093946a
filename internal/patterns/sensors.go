package patterns

import (
	"fmt"
	"math"
	"math/rand/v2"
)

var (
	defaultZones    = []string{"zone_a", "zone_b", "zone_c", "warehouse"}
	defaultGateways = []string{"gateway_01", "gateway_02", "gateway_03"}
)

// climate is the temperature/humidity model shared by several sensor types.
type climate struct {
	baseTemp     float64
	tempRange    Range
	amplitude    float64
	peakHour     float64
	noiseStd     float64
	heating      float64
	heatingStart int
	heatingEnd   int
	drift        walk

	baseHumidity float64
	variation    float64
	correlation  float64
	humRange     Range
}

func newClimate(p Params) climate {
	c := climate{
		baseTemp:     p.Float("base_temperature", 25),
		tempRange:    p.Range("temperature_range", temperatureRange),
		peakHour:     p.Float("peak_hour", 14),
		noiseStd:     p.Float("noise_std", 0.5),
		heatingStart: p.Int("heating_start_hour", 9),
		heatingEnd:   p.Int("heating_end_hour", 17),
		heating:      p.Float("heating_effect", 0),
		drift:        newWalk(p, "temperature", 0.02, 2),
		baseHumidity: p.Float("base_humidity", 45),
		variation:    p.Float("humidity_variation", 15),
		correlation:  p.Float("humidity_correlation", -0.3),
		humRange:     p.Range("humidity_range", humidityRange),
	}
	if p.Bool("daily_cycle", true) {
		c.amplitude = p.Float("daily_amplitude", 5)
	}
	return c
}

// sample returns the next drift walk with a temperature and humidity reading.
func (c climate) sample(env Env) (climate, float64, float64) {
	c.drift = c.drift.next(env.Rand)

	hour := env.hourOfDay()
	daily := c.amplitude * math.Sin(hour*2*math.Pi/24-(c.peakHour-6)*math.Pi/12)

	heating := 0.0
	if h := env.Now.Hour(); c.heating != 0 && h >= c.heatingStart && h <= c.heatingEnd {
		heating = c.heating
	}

	temp := bounded(c.baseTemp+daily+heating+c.drift.Offset+gauss(env.Rand, 0, c.noiseStd), 2, c.tempRange)

	humidity := c.baseHumidity + c.correlation*(temp-25) + gauss(env.Rand, 0, c.variation/3)
	return c, temp, bounded(humidity, 2, c.humRange)
}

type TemperatureState struct {
	Climate          climate
	FaultProbability float64
}

func (TemperatureState) Type() DeviceType { return TypeTemperatureSensor }
func (TemperatureState) isState()         {}

func newTemperatureState(p Params) TemperatureState {
	return TemperatureState{Climate: newClimate(p), FaultProbability: p.Float("fault_probability", 0)}
}

func stepTemperature(s TemperatureState, env Env) (State, Values) {
	var temp, humidity float64
	s.Climate, temp, humidity = s.Climate.sample(env)

	status, healthy := 0, true
	if s.FaultProbability > 0 && env.Rand.Float64() < s.FaultProbability {
		status, healthy = 1, false
	}
	return s, Values{
		"temperature":    temp,
		"humidity":       humidity,
		"sensor_status":  status,
		"sensor_healthy": healthy,
	}
}

type GenericState struct {
	Climate climate
}

func (GenericState) Type() DeviceType { return TypeGenericSensor }
func (GenericState) isState()         {}

func newGenericState(p Params) GenericState { return GenericState{Climate: newClimate(p)} }

func stepGeneric(s GenericState, env Env) (State, Values) {
	var temp, humidity float64
	s.Climate, temp, humidity = s.Climate.sample(env)
	return s, Values{"temperature": temp, "humidity": humidity}
}

type PressureState struct {
	BasePressure   float64
	Range          Range
	CyclePeriod    float64
	CycleAmplitude float64
	LoadFactor     float64
	Drift          walk

	BaseFlow    float64
	FlowRange   Range
	Correlation float64

	HighPressure float64
	LowFlow      float64
}

func (PressureState) Type() DeviceType { return TypePressureTransmitter }
func (PressureState) isState()         {}

func newPressureState(p Params) PressureState {
	return PressureState{
		BasePressure:   p.Float("base_pressure", 150),
		Range:          p.Range("pressure_range", pressureRange),
		CyclePeriod:    p.Float("cycle_period", 300),
		CycleAmplitude: p.Float("cycle_amplitude", 20),
		LoadFactor:     p.Float("load_factor", 1),
		Drift:          newWalk(p, "pressure", 0.5, 15),
		BaseFlow:       p.Float("base_flow", 50),
		FlowRange:      p.Range("flow_range", flowRange),
		Correlation:    p.Float("pressure_correlation", 0.5),
		HighPressure:   p.Float("high_pressure_alarm", 250),
		LowFlow:        p.Float("low_flow_alarm", 20),
	}
}

func stepPressure(s PressureState, env Env) (State, Values) {
	s.Drift = s.Drift.next(env.Rand)

	phase := 0.0
	if s.CyclePeriod > 0 {
		phase = math.Mod(env.Elapsed().Seconds(), s.CyclePeriod) / s.CyclePeriod * 2 * math.Pi
	}
	pressure := s.BasePressure + s.CycleAmplitude*math.Sin(phase) + s.Drift.Offset +
		gauss(env.Rand, 0, 5) + s.LoadFactor*uniform(env.Rand, -10, 10)
	pressure = bounded(pressure, 2, s.Range)

	flow := s.BaseFlow + s.Correlation*((pressure-150)/150)*s.BaseFlow + gauss(env.Rand, 0, s.BaseFlow*0.05)
	flow = bounded(flow, 2, s.FlowRange)

	return s, Values{
		"pressure":       pressure,
		"flow_rate":      flow,
		"high_alarm":     pressure > s.HighPressure,
		"low_flow_alarm": flow < s.LowFlow,
	}
}

type MotorState struct {
	BaseSpeed          float64
	SpeedRange         Range
	LoadVariation      float64
	VibrationAmplitude float64
	BaseTorque         float64
	TorqueRange        Range
	PowerRange         Range
	FaultProbability   float64
	FaultCodes         []float64
	Drift              walk
}

func (MotorState) Type() DeviceType { return TypeMotorDrive }
func (MotorState) isState()         {}

func newMotorState(p Params) MotorState {
	return MotorState{
		BaseSpeed:          p.Float("base_speed", 1800),
		SpeedRange:         p.Range("speed_range", speedRange),
		LoadVariation:      p.Float("load_variation", 0.02),
		VibrationAmplitude: p.Float("vibration_amplitude", 10),
		BaseTorque:         p.Float("base_torque", 100),
		TorqueRange:        p.Range("torque_range", torqueRange),
		PowerRange:         p.Range("power_range", powerRange),
		FaultProbability:   p.Float("fault_probability", 0.001),
		FaultCodes:         p.Floats("fault_codes", []float64{1, 2, 5, 8, 10}),
		Drift:              newWalk(p, "speed", 2, 60),
	}
}

func stepMotor(s MotorState, env Env) (State, Values) {
	s.Drift = s.Drift.next(env.Rand)

	// vibration is far above the tick rate, so its sampled phase is effectively random
	vibration := s.VibrationAmplitude * math.Sin(uniform(env.Rand, 0, 2*math.Pi))
	speed := bounded((s.BaseSpeed+s.Drift.Offset)*(1+gauss(env.Rand, 0, s.LoadVariation))+vibration, 1, s.SpeedRange)

	torque := s.BaseTorque*(1.2-speed/1800*0.4) + gauss(env.Rand, 0, s.BaseTorque*0.1)
	torque = bounded(torque, 2, s.TorqueRange)

	mechanical := torque * speed / 9549
	power := mechanical*gauss(env.Rand, 0.95, 0.05) + gauss(env.Rand, 0, mechanical*0.02)
	power = bounded(power, 2, s.PowerRange)

	fault := 0
	if len(s.FaultCodes) > 0 && env.Rand.Float64() < s.FaultProbability {
		fault = int(s.FaultCodes[env.Rand.IntN(len(s.FaultCodes))])
	}

	return s, Values{
		"speed":      speed,
		"torque":     torque,
		"power":      power,
		"fault_code": fault,
	}
}

type EnvironmentalState struct {
	Climate      climate
	BaseAQI      float64
	BasePressure float64
}

func (EnvironmentalState) Type() DeviceType { return TypeEnvironmentalSensor }
func (EnvironmentalState) isState()         {}

func newEnvironmentalState(p Params) EnvironmentalState {
	return EnvironmentalState{
		Climate:      newClimate(p),
		BaseAQI:      p.Float("base_aqi", 50),
		BasePressure: p.Float("base_pressure_hpa", 1013.25),
	}
}

func stepEnvironmental(s EnvironmentalState, env Env) (State, Values) {
	var temp, humidity float64
	s.Climate, temp, humidity = s.Climate.sample(env)

	workFactor := 0.8
	if h := env.Now.Hour(); h >= 9 && h <= 17 {
		workFactor = 1.3
	}
	aqi := bounded(s.BaseAQI*workFactor+gauss(env.Rand, 0, 10), 0, aqiRange)
	co2 := math.Max(350, round(400+aqi*5+gauss(env.Rand, 0, 50), 0))
	tvoc := math.Max(0, round(50+aqi*2+gauss(env.Rand, 0, 20), 0))

	return s, Values{
		"temperature":       temp,
		"humidity":          humidity,
		"air_quality_index": aqi,
		"co2_ppm":           co2,
		"tvoc_ppb":          tvoc,
		"pressure_hpa":      round(s.BasePressure+gauss(env.Rand, 0, 5), 2),
	}
}

type EnergyState struct {
	BaseVoltage      float64
	VoltageRange     Range
	BaseCurrent      float64
	CurrentRange     Range
	PowerFactorRange Range
	Phase            string
	EnergyKWh        float64
}

func (EnergyState) Type() DeviceType { return TypeEnergyMeter }
func (EnergyState) isState()         {}

func newEnergyState(p Params) EnergyState {
	return EnergyState{
		BaseVoltage:      p.Float("base_voltage", 230),
		VoltageRange:     p.Range("voltage_range", voltageRange),
		BaseCurrent:      p.Float("base_current", 20),
		CurrentRange:     p.Range("current_range", currentRange),
		PowerFactorRange: p.Range("power_factor_range", powerFactorRange),
		Phase:            p.String("phase", "L1"),
		EnergyKWh:        p.Float("initial_energy", 10000),
	}
}

func stepEnergy(s EnergyState, env Env) (State, Values) {
	voltage := bounded(gauss(env.Rand, s.BaseVoltage, 2), 1, s.VoltageRange)

	load := 0.5
	if h := env.Now.Hour(); h >= 8 && h <= 18 {
		load = 1.5
	}
	current := bounded(s.BaseCurrent*load+gauss(env.Rand, 0, 5), 1, s.CurrentRange)
	pf := bounded(uniform(env.Rand, s.PowerFactorRange.Lo, s.PowerFactorRange.Hi), 2, s.PowerFactorRange)
	power := voltage * current * pf / 1000

	s.EnergyKWh += power * env.Interval.Hours()

	return s, Values{
		"voltage_v":    voltage,
		"current_a":    current,
		"power_kw":     round(power, 2),
		"power_factor": pf,
		"frequency_hz": round(gauss(env.Rand, 50, 0.05), 2),
		"energy_kwh":   round(s.EnergyKWh, 1),
		"phase":        s.Phase,
	}
}

type TrackerState struct {
	AssetID   string
	Zone      string
	Zones     []string
	Gateways  []string
	Battery   float64
	DrainRate float64
	BaseRSSI  float64
}

func (TrackerState) Type() DeviceType { return TypeAssetTracker }
func (TrackerState) isState()         {}

func newTrackerState(p Params, rng *rand.Rand) TrackerState {
	zones := p.Strings("zone_ids", defaultZones)
	return TrackerState{
		AssetID:   fmt.Sprintf("%s-%d", p.String("asset_prefix", "ASSET"), 1000+rng.IntN(9000)),
		Zone:      zones[rng.IntN(len(zones))],
		Zones:     zones,
		Gateways:  p.Strings("gateways", defaultGateways),
		Battery:   100,
		DrainRate: p.Float("battery_drain_rate", 0.001),
		BaseRSSI:  p.Float("base_rssi", -60),
	}
}

func stepTracker(s TrackerState, env Env) (State, Values) {
	if env.Rand.Float64() < 0.1 {
		s.Zone = choice(env.Rand, s.Zones)
	}
	s.Battery = math.Max(0, s.Battery-s.DrainRate)

	motionProbability := 0.3
	if h := env.Now.Hour(); h >= 8 && h <= 18 {
		motionProbability = 0.7
	}

	return s, Values{
		"asset_id":          s.AssetID,
		"zone_id":           s.Zone,
		"rssi":              bounded(gauss(env.Rand, s.BaseRSSI, 10), 0, rssiRange),
		"battery_percent":   bounded(s.Battery, 1, batteryRange),
		"motion_detected":   env.Rand.Float64() < motionProbability,
		"last_seen_gateway": choice(env.Rand, s.Gateways),
	}
}
