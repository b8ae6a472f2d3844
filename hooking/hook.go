// Package hooking provides the event/observer mechanism that the memory
// core uses to notify external listeners without blocking the emitter.
package hooking

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
	Detail interface{}
}

// Hookable defines an object that accepts Hooks.
type Hookable interface {
	// AcceptHook registers a hook
	AcceptHook(hook Hook)
}

// Hook is a short piece of program that can be invoked by a hookable object.
// Hook implementations must not block; the emitting operation continues
// immediately after all hooks return.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// HookPosTranslationMiss triggers when a TLB lookup misses and a page walk
// is started.
var HookPosTranslationMiss = &HookPos{Name: "TranslationMiss"}

// HookPosProtectionFault triggers when a translation fails its protection
// check.
var HookPosProtectionFault = &HookPos{Name: "ProtectionFault"}

// HookPosWriteNotification triggers after a write to physical memory has
// been performed and broadcast.
var HookPosWriteNotification = &HookPos{Name: "WriteNotification"}

// HookPosReservationCleared triggers when a LL/SC reservation is invalidated
// by a conflicting access.
var HookPosReservationCleared = &HookPos{Name: "ReservationCleared"}

// HookPosCoherencyDelivery triggers when a CPU's mailbox delivers an inbound
// coherency message, whatever its type.
var HookPosCoherencyDelivery = &HookPos{Name: "CoherencyDelivery"}

// HookPosBarrierStalled triggers when a barrier wait does not complete
// within one check interval.
var HookPosBarrierStalled = &HookPos{Name: "BarrierStalled"}

// HookPosBarrierTimeout triggers when a barrier request transitions to the
// timed-out state.
var HookPosBarrierTimeout = &HookPos{Name: "BarrierTimeout"}

// HookPosCoordinationComplete triggers when all CPUs have acknowledged a
// coordination broadcast.
var HookPosCoordinationComplete = &HookPos{Name: "CoordinationComplete"}

// A HookableBase provides some utility functions for types that implement
// the Hookable interface.
type HookableBase struct {
	Hooks []Hook
}

// NewHookableBase creates a HookableBase object.
func NewHookableBase() *HookableBase {
	h := new(HookableBase)
	h.Hooks = make([]Hook, 0)
	return h
}

// AcceptHook registers a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.Hooks = append(h.Hooks, hook)
}

// NumHook returns the number of hooks registered.
func (h *HookableBase) NumHook() int {
	return len(h.Hooks)
}

// InvokeHook triggers the registered Hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.Hooks {
		hook.Func(ctx)
	}
}
