// Package ports arbitrates network ports between protocol families.
package ports

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenMachineSim/internal/simerr"
)

type Family string

const (
	FamilyModbus Family = "modbus"
	FamilyOPCUA  Family = "opcua"
	FamilyMQTT   Family = "mqtt"
)

// Utilization is a read-only snapshot of one pool.
type Utilization struct {
	Total     int     `json:"total"`
	Used      int     `json:"used"`
	Available int     `json:"available"`
	Percent   float64 `json:"percent"`
}

type pool struct {
	family    Family
	start     int
	end       int
	allocated map[int]string // port -> owner
}

func (p *pool) size() int { return p.end - p.start + 1 }

func (p *pool) contains(port int) bool { return port >= p.start && port <= p.end }

func (p *pool) free() int { return p.size() - len(p.allocated) }

func (p *pool) utilization() Utilization {
	u := Utilization{Total: p.size(), Used: len(p.allocated)}
	u.Available = u.Total - u.Used
	if u.Total > 0 {
		u.Percent = math.Round(float64(u.Used)/float64(u.Total)*10000) / 100
	}
	return u
}

// Allocator owns one pool per family. All methods are serialized on one mutex.
type Allocator struct {
	mu    sync.Mutex
	pools map[Family]*pool
}

func NewAllocator() *Allocator {
	return &Allocator{pools: make(map[Family]*pool)}
}

// ReservePool registers the range [start, end] for family.
func (a *Allocator) ReservePool(family Family, start, end int) error {
	if start > end {
		return simerr.NewConfigError("network.port_ranges."+string(family),
			"range start %d is greater than end %d", start, end)
	}
	if start < 1 || end > 65535 {
		return simerr.NewConfigError("network.port_ranges."+string(family),
			"range [%d, %d] outside 1-65535", start, end)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.pools[family]; exists {
		return simerr.NewConfigError("network.port_ranges."+string(family), "pool already registered")
	}

	for other, p := range a.pools {
		if start <= p.end && p.start <= end {
			return simerr.NewConfigError("network.port_ranges."+string(family),
				"range [%d, %d] overlaps %s range [%d, %d]", start, end, other, p.start, p.end)
		}
	}

	a.pools[family] = &pool{
		family:    family,
		start:     start,
		end:       end,
		allocated: make(map[int]string),
	}
	return nil
}

// Families returns the registered families in name order.
func (a *Allocator) Families() []Family {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Family, 0, len(a.pools))
	for f := range a.pools {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Allocate hands out the next count free ports of family in ascending order.
func (a *Allocator) Allocate(family Family, count int) ([]int, error) {
	return a.AllocateFrom(family, 0, count, "")
}

// AllocateFrom tries the contiguous block starting at preferred first and falls
// back to the lowest free ports. preferred <= 0 means no preference.
func (a *Allocator) AllocateFrom(family Family, preferred, count int, owner string) ([]int, error) {
	if count < 0 {
		return nil, simerr.NewConfigError("", "negative port count %d", count)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[family]
	if !ok {
		return nil, simerr.NewConfigError("network.port_ranges", "no port pool for %s", family)
	}
	return p.take(preferred, count, owner)
}

func (p *pool) take(preferred, count int, owner string) ([]int, error) {
	if count == 0 {
		return []int{}, nil
	}
	if p.free() < count {
		return nil, &simerr.PortExhaustionError{Family: string(p.family), Requested: count, Available: p.free()}
	}

	ports := make([]int, 0, count)
	if preferred > 0 && p.blockFree(preferred, count) {
		for port := preferred; port < preferred+count; port++ {
			ports = append(ports, port)
		}
	} else {
		for port := p.start; port <= p.end && len(ports) < count; port++ {
			if _, used := p.allocated[port]; !used {
				ports = append(ports, port)
			}
		}
	}

	for _, port := range ports {
		p.allocated[port] = owner
	}
	return ports, nil
}

func (p *pool) blockFree(start, count int) bool {
	if !p.contains(start) || !p.contains(start+count-1) {
		return false
	}
	for port := start; port < start+count; port++ {
		if _, used := p.allocated[port]; used {
			return false
		}
	}
	return true
}

// Acquire marks specific ports as used. It fails without side effects when any
// port is outside the pool or already taken.
func (a *Allocator) Acquire(family Family, owner string, ports ...int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[family]
	if !ok {
		return simerr.NewConfigError("network.port_ranges", "no port pool for %s", family)
	}

	for _, port := range ports {
		if !p.contains(port) {
			return fmt.Errorf("port %d outside %s range [%d, %d]", port, family, p.start, p.end)
		}
		if holder, used := p.allocated[port]; used && holder != owner {
			return fmt.Errorf("port %d already allocated to %q", port, holder)
		}
	}
	for _, port := range ports {
		p.allocated[port] = owner
	}
	return nil
}

// Release frees ports in whichever pool holds them. Unknown or already free
// ports are ignored.
func (a *Allocator) Release(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, port := range ports {
		for _, p := range a.pools {
			if p.contains(port) {
				delete(p.allocated, port)
				break
			}
		}
	}
}

// Utilization returns the snapshot for one family.
func (a *Allocator) Utilization(family Family) (Utilization, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[family]
	if !ok {
		return Utilization{}, simerr.NotFound("port pool", string(family))
	}
	return p.utilization(), nil
}

// UtilizationAll returns snapshots for every registered pool.
func (a *Allocator) UtilizationAll() map[Family]Utilization {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[Family]Utilization, len(a.pools))
	for f, p := range a.pools {
		out[f] = p.utilization()
	}
	return out
}

// PoolReport describes one pool and its owners.
type PoolReport struct {
	Start       int              `json:"range_start"`
	End         int              `json:"range_end"`
	Utilization Utilization      `json:"utilization"`
	Owners      map[string][]int `json:"devices"`
}

// Report lists every pool with the ports held per owner.
func (a *Allocator) Report() map[Family]PoolReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[Family]PoolReport, len(a.pools))
	for f, p := range a.pools {
		r := PoolReport{Start: p.start, End: p.end, Utilization: p.utilization(), Owners: make(map[string][]int)}
		for port, owner := range p.allocated {
			if owner == "" {
				owner = "unassigned"
			}
			r.Owners[owner] = append(r.Owners[owner], port)
		}
		for _, list := range r.Owners {
			sort.Ints(list)
		}
		out[f] = r
	}
	return out
}

func describe(conflicts []Conflict) string {
	parts := make([]string, len(conflicts))
	for i, c := range conflicts {
		parts[i] = c.String()
	}
	return strings.Join(parts, "; ")
}
