package memsys

import (
	"github.com/sarchlab/axpmem/coherency"
)

// flusher adapts the memory system to the cache-state actions the barrier
// coordinator demands.
type flusher struct {
	*Comp
}

// FlushCacheHierarchy broadcasts a flush of the full cache hierarchy on
// behalf of the CPU. Line state beyond reservations is not modeled, so the
// structural effect is the broadcast plus invalidating the CPU's TLBs.
func (f flusher) FlushCacheHierarchy(cpuID int) {
	msg := coherency.MakeMsgBuilder().
		WithType(coherency.MsgFlushLine).
		WithSrc(cpuID).
		Build()
	f.bus.Broadcast(msg)
}

// FlushWriteState broadcasts a write-back of dirty write state only.
func (f flusher) FlushWriteState(cpuID int) {
	msg := coherency.MakeMsgBuilder().
		WithType(coherency.MsgWriteBack).
		WithSrc(cpuID).
		Build()
	f.bus.Broadcast(msg)
}

// ClearSpeculativeState drops state that a trap barrier must not let
// survive: the CPU's reservation, which a speculatively issued LL may have
// installed.
func (f flusher) ClearSpeculativeState(cpuID int) {
	f.reservations.Clear(cpuID)
}
