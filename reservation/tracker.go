// Package reservation tracks outstanding load-locked/store-conditional
// reservations across all simulated CPUs.
package reservation

import (
	"log"
	"sync"
	"time"
)

// DefaultGranule is the default reservation granule in bytes. A load-locked
// claims the whole granule-aligned range that covers the access.
const DefaultGranule = 16

// NoExclusion can be passed to InvalidateOverlapping when no CPU's
// reservation should be spared.
const NoExclusion = -1

// A State records one CPU's outstanding reservation. PAddr is aligned down
// to the granule and Size is rounded up so that the range fully covers the
// locked access.
type State struct {
	CPUID int
	PAddr uint64
	Size  uint64
	Valid bool
	Time  time.Time
}

func (s State) overlaps(pAddr, size uint64) bool {
	return pAddr < s.PAddr+s.Size && s.PAddr < pAddr+size
}

func (s State) contains(pAddr, size uint64) bool {
	return pAddr >= s.PAddr && pAddr+size <= s.PAddr+s.Size
}

// A Tracker holds at most one valid reservation per CPU. Cleared
// reservations are reported through the clear callback so that cache-state
// observers and statistics stay consistent without duplicating logic.
type Tracker struct {
	mu      sync.RWMutex
	granule uint64
	states  map[int]State

	onClear func(State)
}

// NewTracker creates a Tracker with the given granule. The granule must be
// a power of two.
func NewTracker(granule uint64) *Tracker {
	if granule == 0 || granule&(granule-1) != 0 {
		log.Panicf("reservation granule %d is not a power of two", granule)
	}

	return &Tracker{
		granule: granule,
		states:  make(map[int]State),
	}
}

// OnClear registers the callback invoked whenever a reservation is
// invalidated by a conflicting access. The callback runs outside the
// tracker's lock and must not block.
func (t *Tracker) OnClear(f func(State)) {
	t.onClear = f
}

// Granule returns the reservation granule in bytes.
func (t *Tracker) Granule() uint64 {
	return t.granule
}

func (t *Tracker) alignDown(addr uint64) uint64 {
	return addr &^ (t.granule - 1)
}

func (t *Tracker) alignUp(addr uint64) uint64 {
	return (addr + t.granule - 1) &^ (t.granule - 1)
}

// Install records a new reservation for the CPU, replacing any previous
// one. The stored range is the granule-aligned range covering the access.
func (t *Tracker) Install(cpuID int, pAddr, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := t.alignDown(pAddr)
	t.states[cpuID] = State{
		CPUID: cpuID,
		PAddr: base,
		Size:  t.alignUp(pAddr+size) - base,
		Valid: true,
		Time:  time.Now(),
	}
}

// Clear drops the CPU's reservation, reporting whether one was held. It is
// used by the store-conditional path, which consumes its own reservation
// explicitly instead of relying on InvalidateOverlapping.
func (t *Tracker) Clear(cpuID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, found := t.states[cpuID]
	delete(t.states, cpuID)

	return found && s.Valid
}

// Matches reports whether the CPU holds a valid reservation whose range
// fully contains the probed access. Containment, not size equality, is
// required.
func (t *Tracker) Matches(cpuID int, pAddr, size uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, found := t.states[cpuID]
	return found && s.Valid && s.contains(pAddr, size)
}

// Get returns the CPU's reservation state.
func (t *Tracker) Get(cpuID int) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, found := t.states[cpuID]
	return s, found
}

// InvalidateOverlapping clears every reservation whose range intersects the
// written range, except the excluded CPU's. The writer's own reservation is
// excluded on the store-conditional path, which clears it explicitly, so a
// CPU's own SC does not write itself over the reservation it is consuming.
func (t *Tracker) InvalidateOverlapping(
	pAddr, size uint64,
	excludeCPUID int,
) []State {
	t.mu.Lock()

	var cleared []State
	for id, s := range t.states {
		if id == excludeCPUID {
			continue
		}

		if s.Valid && s.overlaps(pAddr, size) {
			cleared = append(cleared, s)
			delete(t.states, id)
		}
	}

	t.mu.Unlock()

	if t.onClear != nil {
		for _, s := range cleared {
			t.onClear(s)
		}
	}

	return cleared
}
