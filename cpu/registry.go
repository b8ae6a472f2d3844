package cpu

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// An Entry is the per-CPU state that the memory core tracks for one
// registered CPU. The ID is unique and stable for the registration's
// lifetime.
type Entry struct {
	ID           int
	Online       atomic.Bool
	lastActivity atomic.Int64

	IPRs *IPRFile

	PendingReads      *OpCounter
	PendingWrites     *OpCounter
	PendingExceptions *OpCounter

	pendingInterrupts atomic.Int32
}

func newEntry(id int) *Entry {
	e := &Entry{
		ID:                id,
		IPRs:              NewIPRFile(),
		PendingReads:      NewOpCounter(),
		PendingWrites:     NewOpCounter(),
		PendingExceptions: NewOpCounter(),
	}
	e.Online.Store(true)
	e.IPRs.Write(IPRWHAMI, uint64(id))
	e.Touch()

	return e
}

// Touch records activity on the CPU.
func (e *Entry) Touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent operation on the CPU.
func (e *Entry) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// PostInterrupt increments the pending-interrupt count.
func (e *Entry) PostInterrupt() {
	e.pendingInterrupts.Add(1)
}

// AckInterrupt decrements the pending-interrupt count.
func (e *Entry) AckInterrupt() {
	if e.pendingInterrupts.Add(-1) < 0 {
		log.Panicf("CPU %d acknowledged an interrupt that was never posted",
			e.ID)
	}
}

// PendingInterrupts returns the pending-interrupt count.
func (e *Entry) PendingInterrupts() int {
	return int(e.pendingInterrupts.Load())
}

// A Registry tracks the CPUs registered with the memory system. It has its
// own lock so that registry metadata does not serialize against unrelated
// CPUs' translations.
type Registry struct {
	mu      sync.RWMutex
	entries map[int]*Entry
}

// NewRegistry creates an empty CPU registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int]*Entry)}
}

// Register adds a CPU. Registering an ID twice is a programming-contract
// violation.
func (r *Registry) Register(id int) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.entries[id]; found {
		log.Panicf("CPU %d is already registered", id)
	}

	e := newEntry(id)
	r.entries[id] = e

	return e
}

// Unregister removes a CPU. Unregistering an unknown ID is a no-op so that
// the operation is idempotent.
func (r *Registry) Unregister(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, found := r.entries[id]; found {
		e.Online.Store(false)
		delete(r.entries, id)
	}
}

// Get returns the entry for a CPU.
func (r *Registry) Get(id int) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, found := r.entries[id]
	return e, found
}

// MustGet returns the entry for a CPU, panicking if the CPU is not
// registered. Operating on an unregistered CPU is a defect in the caller.
func (r *Registry) MustGet(id int) *Entry {
	e, found := r.Get(id)
	if !found {
		log.Panicf("CPU %d is not registered", id)
	}

	return e
}

// List returns the registered entries ordered by ID.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})

	return entries
}

// Count returns the number of registered CPUs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
