// Package mmu models the hardware boundary the pager talks to: installing
// and removing page mappings in an address space.
package mmu

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoMapping  = errors.New("no mapping")
	ErrPermission = errors.New("access not permitted by mapping")
	ErrUnaligned  = errors.New("address not page aligned")
	ErrOverlap    = errors.New("mapping overlaps existing mapping")
)

// Access is the kind of memory access that faulted.
type Access uint8

const (
	Read Access = iota
	Write
	Exec
)

func (a Access) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case Exec:
		return "exec"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// Mapper installs and removes mappings. UnmapLocal of a range that is not
// mapped is not an error.
type Mapper interface {
	MapLocal(phys, virt uint64, pages int, writable bool) error
	UnmapLocal(virt uint64, pages int) error
}

// PTE is one page table entry.
type PTE struct {
	Phys     uint64
	Writable bool
}

// Space is an in-memory address space with fixed-size pages.
type Space struct {
	pageSize uint64

	mu    sync.RWMutex
	table map[uint64]PTE
}

// NewSpace creates an empty address space. pageSize must be a power of two.
func NewSpace(pageSize uint64) *Space {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("mmu: page size %d is not a power of two", pageSize))
	}
	return &Space{pageSize: pageSize, table: make(map[uint64]PTE)}
}

// PageSize returns the page granularity.
func (s *Space) PageSize() uint64 { return s.pageSize }

// PageBase rounds addr down to its page.
func (s *Space) PageBase(addr uint64) uint64 { return addr &^ (s.pageSize - 1) }

// MapLocal maps pages consecutive pages of phys at virt. Remapping a page
// with identical attributes is accepted; changing an existing mapping is not.
func (s *Space) MapLocal(phys, virt uint64, pages int, writable bool) error {
	if phys%s.pageSize != 0 || virt%s.pageSize != 0 {
		return fmt.Errorf("%w: phys %#x virt %#x", ErrUnaligned, phys, virt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < pages; i++ {
		off := uint64(i) * s.pageSize
		want := PTE{Phys: phys + off, Writable: writable}
		if have, ok := s.table[virt+off]; ok && have != want {
			return fmt.Errorf("%w at %#x", ErrOverlap, virt+off)
		}
	}
	for i := 0; i < pages; i++ {
		off := uint64(i) * s.pageSize
		s.table[virt+off] = PTE{Phys: phys + off, Writable: writable}
	}
	return nil
}

// UnmapLocal removes mappings of pages starting at virt.
func (s *Space) UnmapLocal(virt uint64, pages int) error {
	if virt%s.pageSize != 0 {
		return fmt.Errorf("%w: virt %#x", ErrUnaligned, virt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < pages; i++ {
		delete(s.table, virt+uint64(i)*s.pageSize)
	}
	return nil
}

// Translate resolves addr for the given access. It fails with ErrNoMapping
// or ErrPermission, which the thread turns into a page fault.
func (s *Space) Translate(addr uint64, access Access) (uint64, error) {
	s.mu.RLock()
	pte, ok := s.table[s.PageBase(addr)]
	s.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w at %#x", ErrNoMapping, addr)
	}
	if access == Write && !pte.Writable {
		return 0, fmt.Errorf("%w: %s at %#x", ErrPermission, access, addr)
	}
	return pte.Phys + (addr - s.PageBase(addr)), nil
}

// Mapped returns the number of mapped pages.
func (s *Space) Mapped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}
