package patterns

import (
	"math"
	"math/rand/v2"
)

type CNCPhase string

const (
	CNCRunning CNCPhase = "RUNNING"
	CNCIdle    CNCPhase = "IDLE"
	CNCError   CNCPhase = "ERROR"
	CNCSetup   CNCPhase = "SETUP"
)

var defaultPrograms = []string{"G-Code_001", "G-Code_002", "G-Code_003"}

type cncConfig struct {
	spindleRange Range
	feedRange    Range
	baseSpindle  float64
	baseFeed     float64
	wearRate     float64
	wearLimit    float64
	partChance   float64
	workspace    [3]float64
	programs     []string
	table        map[CNCPhase][]transition[CNCPhase]
}

// CNCState is the internal state of a CNC machine.
type CNCState struct {
	Phase        CNCPhase
	TicksInState int
	SpindleSpeed float64
	FeedRate     float64
	ToolWear     float64
	PartCount    int
	Program      string

	cfg *cncConfig // shared read-only
}

func (CNCState) Type() DeviceType { return TypeCNCMachine }
func (CNCState) isState()         {}

func newCNCState(p Params, rng *rand.Rand) CNCState {
	cfg := &cncConfig{
		spindleRange: p.Range("spindle_speed_range", spindleRange),
		feedRange:    p.Range("feed_rate_range", feedRange),
		baseSpindle:  p.Float("base_spindle_speed", 12000),
		baseFeed:     p.Float("base_feed_rate", 5000),
		wearRate:     p.Float("tool_wear_rate", 0.01),
		wearLimit:    p.Float("tool_wear_limit", 90),
		partChance:   p.Float("part_probability", 0.08),
		programs:     p.Strings("programs", defaultPrograms),
		table: map[CNCPhase][]transition[CNCPhase]{
			CNCRunning: {
				{to: CNCError, p: p.Float("error_probability", 0.005)},
				{to: CNCIdle, p: p.Float("idle_probability", 0.010)},
			},
			CNCIdle: {
				{to: CNCRunning, p: 0.15},
				{to: CNCSetup, p: 0.03},
			},
			CNCError: {
				{to: CNCIdle, p: 0.25, minDwell: 5},
			},
			CNCSetup: {
				{to: CNCRunning, p: 0.20, minDwell: 3},
			},
		},
	}
	ws := p.Floats("workspace_mm", []float64{500, 400, 300})
	for i := 0; i < 3 && i < len(ws); i++ {
		cfg.workspace[i] = ws[i]
	}

	wear := p.Float("initial_tool_wear", -1)
	if wear < 0 {
		wear = uniform(rng, 0, 30)
	}

	phase := CNCPhase(p.String("initial_state", string(CNCRunning)))
	if _, ok := cfg.table[phase]; !ok {
		phase = CNCRunning
	}

	return CNCState{
		Phase:        phase,
		SpindleSpeed: cfg.baseSpindle * 0.5,
		FeedRate:     cfg.baseFeed * 0.5,
		ToolWear:     wear,
		Program:      choice(rng, cfg.programs),
		cfg:          cfg,
	}
}

func (s CNCState) enter(phase CNCPhase) CNCState {
	s.Phase = phase
	s.TicksInState = 0
	return s
}

func stepCNC(s CNCState, env Env) (State, Values) {
	cfg, r := s.cfg, env.Rand

	if next, ok := pick(cfg.table[s.Phase], s.TicksInState, r.Float64()); ok {
		if s.Phase == CNCSetup && next == CNCRunning {
			s.Program = choice(r, cfg.programs)
		}
		s = s.enter(next)
	} else {
		s.TicksInState++
	}

	if s.Phase == CNCRunning {
		s.ToolWear += math.Max(0, cfg.wearRate+gauss(r, 0, 0.003))
		if s.ToolWear > cfg.wearLimit {
			// tool change
			s.ToolWear = 0
			s = s.enter(CNCSetup)
		}
	}

	if s.Phase == CNCRunning && r.Float64() < cfg.partChance {
		s.PartCount++
	}

	switch s.Phase {
	case CNCRunning:
		target := gauss(r, cfg.baseSpindle, cfg.baseSpindle*0.03)
		s.SpindleSpeed = cfg.spindleRange.Clamp(s.SpindleSpeed + (target-s.SpindleSpeed)*0.3)
		target = gauss(r, cfg.baseFeed, cfg.baseFeed*0.05)
		s.FeedRate = cfg.feedRange.Clamp(s.FeedRate + (target-s.FeedRate)*0.3)
	case CNCSetup:
		s.SpindleSpeed = uniform(r, 500, 2000)
		s.FeedRate = uniform(r, 100, 500)
	default:
		s.SpindleSpeed = math.Max(0, s.SpindleSpeed*0.7)
		s.FeedRate = math.Max(0, s.FeedRate*0.7)
	}

	ws := cfg.workspace
	var x, y, z float64
	if s.Phase == CNCRunning {
		t := env.Elapsed().Seconds()
		x = ws[0]/2 + ws[0]/3*math.Sin(t*0.5)
		y = ws[1]/2 + ws[1]/3*math.Cos(t*0.4)
		z = ws[2]/2 + ws[2]/4*math.Sin(t*0.7)
	} else {
		// parked
		x = gauss(r, ws[0]/2, 0.5)
		y = gauss(r, ws[1]/2, 0.5)
		z = gauss(r, ws[2]*0.9, 0.5)
	}

	return s, Values{
		"machine_state":     string(s.Phase),
		"spindle_speed_rpm": bounded(s.SpindleSpeed, 1, cfg.spindleRange),
		"feed_rate_mm_min":  bounded(s.FeedRate, 1, cfg.feedRange),
		"tool_wear_percent": bounded(s.ToolWear, 2, wearRange),
		"part_count":        s.PartCount,
		"axis_position_x":   round(x, 2),
		"axis_position_y":   round(y, 2),
		"axis_position_z":   round(z, 2),
		"program_name":      s.Program,
	}
}
