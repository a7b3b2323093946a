package patterns

// transition is one row of a state's transition table.
type transition[S comparable] struct {
	to       S
	p        float64
	minDwell int // ticks that must already have been spent in the state
}

// pick draws once against the cumulative table. Rows are evaluated in the
// order declared; rows whose dwell is not yet met do not take part.
func pick[S comparable](rows []transition[S], dwell int, roll float64) (S, bool) {
	var zero S
	cumulative := 0.0
	for _, t := range rows {
		if dwell < t.minDwell {
			continue
		}
		cumulative += t.p
		if roll < cumulative {
			return t.to, true
		}
	}
	return zero, false
}
