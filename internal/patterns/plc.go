package patterns

import "math/rand/v2"

type PLCMode string

const (
	PLCAuto    PLCMode = "AUTO"
	PLCManual  PLCMode = "MANUAL"
	PLCCascade PLCMode = "CASCADE"
)

var plcTable = map[PLCMode][]transition[PLCMode]{
	PLCAuto: {
		{to: PLCManual, p: 0.005},
		{to: PLCCascade, p: 0.003},
	},
	PLCManual: {
		{to: PLCAuto, p: 0.08},
	},
	PLCCascade: {
		{to: PLCAuto, p: 0.03},
	},
}

// PLCState is a single-loop PID process controller.
type PLCState struct {
	Mode           PLCMode
	TicksInMode    int
	ProcessValue   float64
	SetpointTarget float64
	Integral       float64
	LastError      float64

	Range          Range
	Setpoint       float64
	Kp, Ki, Kd     float64
	IntegralLimit  float64
	ManualOutput   float64
	HighAlarm      float64
	LowAlarm       float64
	SetpointChange float64
}

func (PLCState) Type() DeviceType { return TypePLCController }
func (PLCState) isState()         {}

func newPLCState(p Params, rng *rand.Rand) PLCState {
	pv := p.Range("process_value_range", processRange)
	sp := p.Float("setpoint", 50)
	return PLCState{
		Mode:           PLCAuto,
		ProcessValue:   pv.Clamp(gauss(rng, sp, 5)),
		SetpointTarget: sp,
		Range:          pv,
		Setpoint:       sp,
		Kp:             p.Float("kp", 1.0),
		Ki:             p.Float("ki", 0.1),
		Kd:             p.Float("kd", 0.05),
		IntegralLimit:  p.Float("integral_limit", 50),
		ManualOutput:   p.Float("manual_output", 50),
		HighAlarm:      p.Float("high_alarm", pv.Hi*0.9),
		LowAlarm:       p.Float("low_alarm", pv.Lo+pv.Hi*0.1),
		SetpointChange: p.Float("setpoint_change_probability", 0.01),
	}
}

func stepPLC(s PLCState, env Env) (State, Values) {
	r := env.Rand

	if next, ok := pick(plcTable[s.Mode], s.TicksInMode, r.Float64()); ok {
		s.Mode = next
		s.TicksInMode = 0
	} else {
		s.TicksInMode++
	}

	// operator adjustments
	if r.Float64() < s.SetpointChange {
		limits := Range{Lo: s.Range.Lo + 10, Hi: s.Range.Hi - 10}
		if limits.Lo > limits.Hi {
			limits = s.Range
		}
		s.SetpointTarget = limits.Clamp(s.Setpoint + uniform(r, -5, 5))
	}

	pv := s.ProcessValue + gauss(r, 0, 2)

	var output, derivative float64
	if s.Mode == PLCManual {
		output = s.ManualOutput
		pv += gauss(r, 0, 1)
	} else {
		e := s.SetpointTarget - pv
		s.Integral = Range{Lo: -s.IntegralLimit, Hi: s.IntegralLimit}.Clamp(s.Integral + e*s.Ki)
		derivative = e - s.LastError
		output = outputRange.Clamp(s.Kp*e + s.Integral + s.Kd*derivative)
		pv += output*0.1 - 5.0
		s.LastError = e
	}

	s.ProcessValue = s.Range.Clamp(pv)

	return s, Values{
		"process_value":   round(s.ProcessValue, 2),
		"setpoint":        round(s.SetpointTarget, 2),
		"control_output":  round(output, 2),
		"mode":            string(s.Mode),
		"high_alarm":      s.ProcessValue > s.HighAlarm,
		"low_alarm":       s.ProcessValue < s.LowAlarm,
		"integral_term":   round(s.Integral, 3),
		"derivative_term": round(derivative*s.Kd, 3),
		"error":           round(s.SetpointTarget-s.ProcessValue, 2),
	}
}
