package pager

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/mmu"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/thread"
)

var (
	// ErrUnresolvable means no mapping can ever satisfy the fault.
	ErrUnresolvable = errors.New("page fault unresolvable")
	// ErrFaultDeferred means the address is managed but not yet backed.
	ErrFaultDeferred = errors.New("page fault deferred to fault handler")

	ErrRegionConflict = errors.New("region overlaps an attached region")
	ErrRegionUnknown  = errors.New("no region attached at address")
)

// Resolution is the mapping that resolves a fault.
type Resolution struct {
	Phys     uint64
	Virt     uint64
	Pages    int
	Writable bool
}

// Resolver decides how a fault is resolved. It returns ErrUnresolvable or
// ErrFaultDeferred (possibly wrapped) when no mapping can be produced now.
type Resolver interface {
	Resolve(f thread.Fault) (Resolution, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(f thread.Fault) (Resolution, error)

func (fn ResolverFunc) Resolve(f thread.Fault) (Resolution, error) { return fn(f) }

type region struct {
	virt     uint64
	size     uint64
	phys     uint64
	backed   bool
	writable bool
}

func (r region) contains(addr uint64) bool {
	return addr >= r.virt && addr-r.virt < r.size
}

// RegionMap is a Resolver over attached address ranges. Backed regions
// resolve page by page; reserved regions defer until backed.
type RegionMap struct {
	pageSize uint64

	mu      sync.RWMutex
	regions []region // sorted by virt
}

// NewRegionMap creates an empty region map with the given page size.
func NewRegionMap(pageSize uint64) *RegionMap {
	return &RegionMap{pageSize: pageSize}
}

// Attach makes [virt, virt+size) resolve to phys.
func (m *RegionMap) Attach(virt, size, phys uint64, writable bool) error {
	return m.insert(region{virt: virt, size: size, phys: phys, backed: true, writable: writable})
}

// Reserve makes [virt, virt+size) managed but unbacked. Faults in it are
// deferred until Back is called.
func (m *RegionMap) Reserve(virt, size uint64, writable bool) error {
	return m.insert(region{virt: virt, size: size, writable: writable})
}

// Back provides the backing store of the reserved region starting at virt.
func (m *RegionMap) Back(virt, phys uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.regions {
		if m.regions[i].virt == virt {
			m.regions[i].phys = phys
			m.regions[i].backed = true
			return nil
		}
	}
	return fmt.Errorf("%w: %#x", ErrRegionUnknown, virt)
}

// Detach removes the region starting at virt.
func (m *RegionMap) Detach(virt uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.regions {
		if m.regions[i].virt == virt {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %#x", ErrRegionUnknown, virt)
}

// Resolve implements Resolver.
func (m *RegionMap) Resolve(f thread.Fault) (Resolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].virt+m.regions[i].size > f.Addr
	})
	if i == len(m.regions) || !m.regions[i].contains(f.Addr) {
		return Resolution{}, fmt.Errorf("%w: %s outside any region", ErrUnresolvable, f)
	}
	r := m.regions[i]
	if f.Access == mmu.Write && !r.writable {
		return Resolution{}, fmt.Errorf("%w: %s on read-only region", ErrUnresolvable, f)
	}
	if !r.backed {
		return Resolution{}, ErrFaultDeferred
	}

	page := f.Addr &^ (m.pageSize - 1)
	return Resolution{
		Phys:     r.phys + (page - r.virt),
		Virt:     page,
		Pages:    1,
		Writable: r.writable,
	}, nil
}

func (m *RegionMap) insert(r region) error {
	if r.size == 0 || r.virt%m.pageSize != 0 || r.size%m.pageSize != 0 {
		return fmt.Errorf("%w: region %#x+%#x not page aligned", ErrRegionConflict, r.virt, r.size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, have := range m.regions {
		if r.virt < have.virt+have.size && have.virt < r.virt+r.size {
			return fmt.Errorf("%w: %#x+%#x", ErrRegionConflict, r.virt, r.size)
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].virt < m.regions[j].virt })
	return nil
}
