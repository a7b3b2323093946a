package patterns

import (
	"math"
	"math/rand/v2"
)

type RobotPhase string

const (
	RobotRunning RobotPhase = "RUNNING"
	RobotPaused  RobotPhase = "PAUSED"
	RobotStopped RobotPhase = "STOPPED"
)

var robotTable = map[RobotPhase][]transition[RobotPhase]{
	RobotRunning: {
		{to: RobotPaused, p: 0.008},
		{to: RobotStopped, p: 0.003},
	},
	RobotPaused: {
		{to: RobotRunning, p: 0.20, minDwell: 3},
	},
	RobotStopped: {
		{to: RobotRunning, p: 0.12, minDwell: 5},
	},
}

const (
	jointStep      = 3.0 // max degrees per tick
	jointTolerance = 5.0

	defaultWaypoints = 4
)

// RobotState tracks a robot replaying a program of joint waypoints.
type RobotState struct {
	Phase        RobotPhase
	TicksInState int
	Joints       []float64
	Program      [][]float64
	Waypoint     int
	CycleCount   int
	CycleTime    float64
	Payload      float64

	BaseCycleTime float64
	PayloadRange  Range
	MaxSpeed      float64
}

func (RobotState) Type() DeviceType { return TypeRobot }
func (RobotState) isState()         {}

func newRobotState(p Params, rng *rand.Rand) RobotState {
	joints := p.Int("joint_count", 6)
	if joints < 1 {
		joints = 6
	}
	waypoints := p.Int("waypoint_count", defaultWaypoints)
	if waypoints < 1 {
		waypoints = defaultWaypoints
	}

	program := make([][]float64, waypoints)
	for i := range program {
		program[i] = make([]float64, joints)
		for j := range program[i] {
			program[i][j] = uniform(rng, jointRange.Lo, jointRange.Hi)
		}
	}

	base := p.Float("base_cycle_time", 15)
	payload := p.Range("payload_range", payloadRange)
	return RobotState{
		Phase:         RobotRunning,
		Joints:        make([]float64, joints),
		Program:       program,
		CycleTime:     base,
		Payload:       uniform(rng, payload.Lo, payload.Hi),
		BaseCycleTime: base,
		PayloadRange:  payload,
		MaxSpeed:      p.Float("max_speed_percent", 100),
	}
}

func stepRobot(s RobotState, env Env) (State, Values) {
	r := env.Rand

	if next, ok := pick(robotTable[s.Phase], s.TicksInState, r.Float64()); ok {
		s.Phase = next
		s.TicksInState = 0
	} else {
		s.TicksInState++
	}

	if s.Phase == RobotRunning {
		target := s.Program[s.Waypoint]
		joints := make([]float64, len(s.Joints))
		reached := true
		for i, current := range s.Joints {
			diff := target[i] - current
			move := math.Copysign(math.Min(math.Abs(diff), jointStep), diff)
			joints[i] = jointRange.Clamp(current + move + gauss(r, 0, 0.15))
			if math.Abs(target[i]-joints[i]) >= jointTolerance {
				reached = false
			}
		}
		s.Joints = joints

		if reached {
			s.Waypoint++
			if s.Waypoint == len(s.Program) {
				s.Waypoint = 0
				s.CycleCount++
				s.CycleTime = math.Max(5, gauss(r, s.BaseCycleTime, s.BaseCycleTime*0.08))
			}
		}
	}

	if r.Float64() < 0.05 {
		s.Payload = uniform(r, s.PayloadRange.Lo, s.PayloadRange.Hi)
	}

	t := env.Elapsed().Seconds()
	var x, y, z, speed float64
	if s.Phase == RobotRunning {
		x = 500 + 300*math.Sin(t*0.6) + gauss(r, 0, 2)
		y = 200 + 200*math.Cos(t*0.5) + gauss(r, 0, 2)
		z = 400 + 150*math.Sin(t*0.7) + gauss(r, 0, 2)
		speed = s.MaxSpeed*0.85 + uniform(r, 0, s.MaxSpeed*0.15)
	} else {
		x = gauss(r, 500, 0.3)
		y = gauss(r, 200, 0.3)
		z = gauss(r, 600, 0.3)
	}

	angles := make([]float64, len(s.Joints))
	for i, a := range s.Joints {
		angles[i] = round(a, 2)
	}

	return s, Values{
		"joint_angles":       angles,
		"tcp_position_x":     round(x, 2),
		"tcp_position_y":     round(y, 2),
		"tcp_position_z":     round(z, 2),
		"tcp_orientation_rx": round(180+10*math.Sin(t*0.3), 2),
		"tcp_orientation_ry": round(5*math.Cos(t*0.4), 2),
		"tcp_orientation_rz": round(90+5*math.Sin(t*0.5), 2),
		"program_state":      string(s.Phase),
		"cycle_time_s":       round(s.CycleTime, 2),
		"cycle_count":        s.CycleCount,
		"waypoint_index":     s.Waypoint,
		"payload_kg":         bounded(s.Payload, 1, s.PayloadRange),
		"speed_percent":      round(speed, 1),
	}
}
