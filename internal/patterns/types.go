// Package patterns produces physically plausible telemetry for simulated
// devices. Every device type has a value-typed state and a step function; the
// package holds no I/O and no shared mutable state.
package patterns

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

type DeviceType string

const (
	TypeTemperatureSensor   DeviceType = "temperature_sensor"
	TypePressureTransmitter DeviceType = "pressure_transmitter"
	TypeMotorDrive          DeviceType = "motor_drive"
	TypeEnvironmentalSensor DeviceType = "environmental_sensor"
	TypeEnergyMeter         DeviceType = "energy_meter"
	TypeAssetTracker        DeviceType = "asset_tracker"
	TypeGenericSensor       DeviceType = "generic_sensor"
	TypeCNCMachine          DeviceType = "cnc_machine"
	TypePLCController       DeviceType = "plc_controller"
	TypeRobot               DeviceType = "industrial_robot"
)

// DeviceTypes lists every supported type.
var DeviceTypes = []DeviceType{
	TypeTemperatureSensor,
	TypePressureTransmitter,
	TypeMotorDrive,
	TypeEnvironmentalSensor,
	TypeEnergyMeter,
	TypeAssetTracker,
	TypeGenericSensor,
	TypeCNCMachine,
	TypePLCController,
	TypeRobot,
}

// Values is one tick's readings keyed by field name. Numbers are float64 or
// int, flags bool, labels string, series []float64.
type Values map[string]any

// Telemetry is one immutable snapshot produced by a tick. It is replaced
// wholesale on every tick and must not be modified after publication.
type Telemetry struct {
	DeviceID   string     `json:"device_id"`
	DeviceType DeviceType `json:"device_type"`
	Tick       uint64     `json:"tick"`
	Timestamp  time.Time  `json:"timestamp"`
	Values     Values     `json:"data"`
}

// State is the internal simulation state of one device. Implementations are
// value types; Step never mutates its input.
type State interface {
	Type() DeviceType
	isState()
}

// Env is everything a step may depend on besides the state itself.
type Env struct {
	Tick     uint64
	Start    time.Time
	Now      time.Time // simulated wall clock
	Interval time.Duration
	Rand     *rand.Rand
}

// Elapsed is simulated time since the device started.
func (e Env) Elapsed() time.Duration { return e.Now.Sub(e.Start) }

// hourOfDay returns the fractional hour of the simulated clock.
func (e Env) hourOfDay() float64 {
	return float64(e.Now.Hour()) + float64(e.Now.Minute())/60 + float64(e.Now.Second())/3600
}

// NewState builds the initial state for t from the device's data_config.
func NewState(t DeviceType, params Params, rng *rand.Rand) (State, error) {
	switch t {
	case TypeTemperatureSensor:
		return newTemperatureState(params), nil
	case TypePressureTransmitter:
		return newPressureState(params), nil
	case TypeMotorDrive:
		return newMotorState(params), nil
	case TypeEnvironmentalSensor:
		return newEnvironmentalState(params), nil
	case TypeEnergyMeter:
		return newEnergyState(params), nil
	case TypeAssetTracker:
		return newTrackerState(params, rng), nil
	case TypeGenericSensor:
		return newGenericState(params), nil
	case TypeCNCMachine:
		return newCNCState(params, rng), nil
	case TypePLCController:
		return newPLCState(params, rng), nil
	case TypeRobot:
		return newRobotState(params, rng), nil
	default:
		return nil, simerr.NewConfigError("device_template", "unknown device type %q", t)
	}
}

// Step advances state by one tick.
func Step(s State, env Env) (State, Values) {
	switch st := s.(type) {
	case TemperatureState:
		return stepTemperature(st, env)
	case PressureState:
		return stepPressure(st, env)
	case MotorState:
		return stepMotor(st, env)
	case EnvironmentalState:
		return stepEnvironmental(st, env)
	case EnergyState:
		return stepEnergy(st, env)
	case TrackerState:
		return stepTracker(st, env)
	case GenericState:
		return stepGeneric(st, env)
	case CNCState:
		return stepCNC(st, env)
	case PLCState:
		return stepPLC(st, env)
	case RobotState:
		return stepRobot(st, env)
	default:
		panic(fmt.Sprintf("patterns: unhandled state %T", s))
	}
}
