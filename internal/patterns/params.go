package patterns

import (
	"fmt"
	"strconv"
)

// Params is a device's data_config as decoded from configuration.
type Params map[string]any

// Range is an inclusive numeric interval.
type Range struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

func (r Range) Clamp(v float64) float64 {
	if v < r.Lo {
		return r.Lo
	}
	if v > r.Hi {
		return r.Hi
	}
	return v
}

func (r Range) Contains(v float64) bool { return v >= r.Lo && v <= r.Hi }

func (r Range) Span() float64 { return r.Hi - r.Lo }

func (r Range) String() string { return fmt.Sprintf("[%g, %g]", r.Lo, r.Hi) }

func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		if f, ok := Number(v); ok {
			return f
		}
	}
	return def
}

func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		if f, ok := Number(v); ok {
			return int(f)
		}
	}
	return def
}

func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (p Params) Strings(key string, def []string) []string {
	raw, ok := p[key].([]any)
	if !ok || len(raw) == 0 {
		if s, ok := p[key].([]string); ok && len(s) > 0 {
			return s
		}
		return def
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// Floats decodes a numeric list. Entries that are not numbers are skipped.
func (p Params) Floats(key string, def []float64) []float64 {
	switch raw := p[key].(type) {
	case []float64:
		if len(raw) > 0 {
			return raw
		}
	case []any:
		out := make([]float64, 0, len(raw))
		for _, v := range raw {
			if f, ok := Number(v); ok {
				out = append(out, f)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

// Range decodes a two element [lo, hi] list. Malformed or inverted values
// fall back to def.
func (p Params) Range(key string, def Range) Range {
	vals := p.Floats(key, nil)
	if len(vals) != 2 || vals[0] > vals[1] {
		return def
	}
	return Range{Lo: vals[0], Hi: vals[1]}
}

// Number converts the numeric kinds produced by YAML, JSON and this package.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
