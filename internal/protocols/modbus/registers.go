package modbus

import (
	"math"

	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
)

// Mapping places one schema field in the register banks.
type Mapping struct {
	Field   string  `json:"field"`
	Address uint16  `json:"address"`
	Count   uint16  `json:"count"`
	Scale   float64 `json:"scale"`
	// Bit marks a discrete input / coil mapping.
	Bit bool `json:"bit,omitempty"`
}

// Layout is the register map of one device. Numeric, enum and series fields
// occupy holding registers in schema order and are mirrored into input
// registers at the same addresses. Booleans occupy discrete inputs and coils.
type Layout struct {
	Registers []Mapping `json:"registers"`
	Bits      []Mapping `json:"bits"`
	enums     map[string][]string
}

func BuildLayout(schema patterns.Schema) Layout {
	l := Layout{enums: make(map[string][]string)}

	var reg, bit uint16
	for _, f := range schema.Fields {
		switch f.Kind {
		case patterns.KindNumber:
			l.Registers = append(l.Registers, Mapping{Field: f.Name, Address: reg, Count: 1, Scale: scaleOf(f)})
			reg++
		case patterns.KindEnum:
			l.Registers = append(l.Registers, Mapping{Field: f.Name, Address: reg, Count: 1, Scale: 1})
			l.enums[f.Name] = f.Enum
			reg++
		case patterns.KindSeries:
			n := uint16(max(f.Len, 1))
			l.Registers = append(l.Registers, Mapping{Field: f.Name, Address: reg, Count: n, Scale: scaleOf(f)})
			reg += n
		case patterns.KindBool:
			l.Bits = append(l.Bits, Mapping{Field: f.Name, Address: bit, Count: 1, Bit: true})
			bit++
		}
	}
	return l
}

// RegisterCount is the number of registers the layout uses.
func (l Layout) RegisterCount() int {
	if len(l.Registers) == 0 {
		return 0
	}
	last := l.Registers[len(l.Registers)-1]
	return int(last.Address + last.Count)
}

func (l Layout) BitCount() int { return len(l.Bits) }

// Lookup returns the mapping of field.
func (l Layout) Lookup(field string) (Mapping, bool) {
	for _, m := range l.Registers {
		if m.Field == field {
			return m, true
		}
	}
	for _, m := range l.Bits {
		if m.Field == field {
			return m, true
		}
	}
	return Mapping{}, false
}

// Encode renders values into register and bit images.
func (l Layout) Encode(values patterns.Values) ([]uint16, []bool) {
	regs := make([]uint16, l.RegisterCount())
	bits := make([]bool, l.BitCount())

	for _, m := range l.Registers {
		v, ok := values[m.Field]
		if !ok {
			continue
		}
		switch x := v.(type) {
		case string:
			regs[m.Address] = enumIndex(l.enums[m.Field], x)
		case []float64:
			for i := 0; i < int(m.Count) && i < len(x); i++ {
				regs[int(m.Address)+i] = EncodeRegister(x[i], m.Scale)
			}
		default:
			if f, ok := patterns.Number(x); ok {
				regs[m.Address] = EncodeRegister(f, m.Scale)
			}
		}
	}

	for _, m := range l.Bits {
		if b, ok := values[m.Field].(bool); ok {
			bits[m.Address] = b
		}
	}
	return regs, bits
}

// EncodeRegister scales v into one register. Negative values are stored as
// two's complement int16; out of range values saturate.
func EncodeRegister(v, scale float64) uint16 {
	scaled := math.Round(v * scale)
	if scaled < 0 {
		if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		return uint16(int16(scaled))
	}
	if scaled > math.MaxUint16 {
		scaled = math.MaxUint16
	}
	return uint16(scaled)
}

// DecodeRegister reverses EncodeRegister for a field whose sign is known.
func DecodeRegister(reg uint16, scale float64, signed bool) float64 {
	if scale == 0 {
		scale = 1
	}
	if signed {
		return float64(int16(reg)) / scale
	}
	return float64(reg) / scale
}

func scaleOf(f patterns.Field) float64 {
	if f.Scale == 0 {
		return 1
	}
	return f.Scale
}

func enumIndex(values []string, v string) uint16 {
	for i, s := range values {
		if s == v {
			return uint16(i)
		}
	}
	return math.MaxUint16
}
