package patterns

import (
	"math"
	"math/rand/v2"
)

func gauss(r *rand.Rand, mean, std float64) float64 {
	return mean + r.NormFloat64()*std
}

func uniform(r *rand.Rand, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// bounded rounds first so the reported value never leaves r.
func bounded(v float64, places int, r Range) float64 {
	return r.Clamp(round(v, places))
}

func choice(r *rand.Rand, options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[r.IntN(len(options))]
}

// walk is a bounded random walk used as the slowly varying part of a signal.
type walk struct {
	Offset float64
	Step   float64
	Limit  float64
}

func (w walk) next(r *rand.Rand) walk {
	w.Offset = Range{Lo: -w.Limit, Hi: w.Limit}.Clamp(w.Offset + r.NormFloat64()*w.Step)
	return w
}

func newWalk(p Params, prefix string, step, limit float64) walk {
	return walk{
		Step:  p.Float(prefix+"_drift_step", step),
		Limit: p.Float(prefix+"_drift_limit", limit),
	}
}
