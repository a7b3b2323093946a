package ports

import (
	"fmt"

	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

// PlanEntry is one device's port request.
type PlanEntry struct {
	DeviceID      string `json:"device_id"`
	Family        Family `json:"protocol"`
	PortsRequired int    `json:"ports_required"`
	// PreferredPort is the first port the device would like; 0 for none.
	PreferredPort int `json:"preferred_port,omitempty"`
}

// AllocationPlan is the ordered list of requests for one initialization pass.
type AllocationPlan []PlanEntry

// PortsRequired sums the requests for family.
func (p AllocationPlan) PortsRequired(family Family) int {
	total := 0
	for _, e := range p {
		if e.Family == family {
			total += e.PortsRequired
		}
	}
	return total
}

type ConflictKind string

const (
	ConflictCapacity      ConflictKind = "capacity"
	ConflictUnknownFamily ConflictKind = "unknown_family"
	ConflictDuplicateID   ConflictKind = "duplicate_device"
	ConflictOutOfRange    ConflictKind = "out_of_range"
)

// Conflict explains why a plan cannot be satisfied.
type Conflict struct {
	Kind      ConflictKind `json:"kind"`
	Family    Family       `json:"protocol"`
	DeviceID  string       `json:"device_id,omitempty"`
	Requested int          `json:"requested,omitempty"`
	Available int          `json:"available,omitempty"`
	Detail    string       `json:"detail,omitempty"`
}

func (c Conflict) String() string {
	switch c.Kind {
	case ConflictCapacity:
		return fmt.Sprintf("%s pool: %d ports requested, %d available", c.Family, c.Requested, c.Available)
	case ConflictUnknownFamily:
		return fmt.Sprintf("%s: no port pool for %s", c.DeviceID, c.Family)
	case ConflictDuplicateID:
		return fmt.Sprintf("duplicate device id %s", c.DeviceID)
	default:
		return fmt.Sprintf("%s: %s", c.DeviceID, c.Detail)
	}
}

// ValidatePlan checks the whole plan against current pool capacity. It has no
// side effects; an empty result means AllocatePlan will succeed.
func (a *Allocator) ValidatePlan(plan AllocationPlan) []Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validateLocked(plan)
}

func (a *Allocator) validateLocked(plan AllocationPlan) []Conflict {
	var conflicts []Conflict
	seen := make(map[string]struct{}, len(plan))
	required := make(map[Family]int)
	var order []Family

	for _, e := range plan {
		if _, dup := seen[e.DeviceID]; dup {
			conflicts = append(conflicts, Conflict{Kind: ConflictDuplicateID, Family: e.Family, DeviceID: e.DeviceID})
		}
		seen[e.DeviceID] = struct{}{}

		if e.PortsRequired == 0 {
			continue
		}

		p, ok := a.pools[e.Family]
		if !ok {
			conflicts = append(conflicts, Conflict{Kind: ConflictUnknownFamily, Family: e.Family, DeviceID: e.DeviceID})
			continue
		}
		if e.PreferredPort > 0 && !p.contains(e.PreferredPort) {
			conflicts = append(conflicts, Conflict{
				Kind:     ConflictOutOfRange,
				Family:   e.Family,
				DeviceID: e.DeviceID,
				Detail:   fmt.Sprintf("preferred port %d outside [%d, %d]", e.PreferredPort, p.start, p.end),
			})
		}
		if _, counted := required[e.Family]; !counted {
			order = append(order, e.Family)
		}
		required[e.Family] += e.PortsRequired
	}

	for _, f := range order {
		if free := a.pools[f].free(); required[f] > free {
			conflicts = append(conflicts, Conflict{
				Kind:      ConflictCapacity,
				Family:    f,
				Requested: required[f],
				Available: free,
			})
		}
	}
	return conflicts
}

// AllocatePlan validates and then allocates every entry, returning the ports
// per device id. Nothing is allocated unless the whole plan fits.
func (a *Allocator) AllocatePlan(plan AllocationPlan) (map[string][]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if conflicts := a.validateLocked(plan); len(conflicts) > 0 {
		return nil, ConflictError(conflicts)
	}

	out := make(map[string][]int, len(plan))
	var taken []int
	for _, e := range plan {
		if e.PortsRequired == 0 {
			out[e.DeviceID] = nil
			continue
		}
		got, err := a.pools[e.Family].take(e.PreferredPort, e.PortsRequired, e.DeviceID)
		if err != nil {
			// capacity was checked under the same lock; undo anyway
			for _, port := range taken {
				for _, p := range a.pools {
					delete(p.allocated, port)
				}
			}
			return nil, err
		}
		taken = append(taken, got...)
		out[e.DeviceID] = got
	}
	return out, nil
}

// ConflictError turns conflicts into the matching typed error.
func ConflictError(conflicts []Conflict) error {
	for _, c := range conflicts {
		if c.Kind == ConflictCapacity {
			return &simerr.PortExhaustionError{Family: string(c.Family), Requested: c.Requested, Available: c.Available}
		}
	}
	return simerr.NewConfigError("allocation_plan", "%s", describe(conflicts))
}
