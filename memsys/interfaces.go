// Package memsys provides the memory-system orchestrator: it owns the CPU
// registry, physical memory and MMIO routing, and composes the TLBs, page
// table, reservation tracker, coherency bus, and barrier coordinator into
// the read/write/LL/SC API used by instruction executors.
package memsys

//go:generate mockgen -destination "mock_interfaces_test.go" -package memsys_test -source interfaces.go -write_package_comment=false

// ExceptionKind classifies the CPU exceptions the core can request.
type ExceptionKind int

// The exception kinds delivered through a FaultHandler.
const (
	ExceptionTLBMiss ExceptionKind = iota
	ExceptionProtection
	ExceptionAlignment
	ExceptionMachineCheck
)

func (k ExceptionKind) String() string {
	switch k {
	case ExceptionTLBMiss:
		return "tlb-miss"
	case ExceptionProtection:
		return "protection"
	case ExceptionAlignment:
		return "alignment"
	case ExceptionMachineCheck:
		return "machine-check"
	}

	return "unknown"
}

// A FaultHandler receives the faults a CPU's memory operations run into.
// The executor layer implements it; the core invokes it and returns the
// typed fault, never terminating the process.
type FaultHandler interface {
	RaiseException(kind ExceptionKind, pc uint64)
	RaiseMemoryFault(
		addr uint64,
		isWrite bool,
		isTranslationFault bool,
		isAlignmentFault bool,
	)
}

// A RegisterAccessor exposes the integer register file of the executor
// layer. The core uses it only for the register-writing convenience
// wrappers around LL/SC.
type RegisterAccessor interface {
	GetIntegerRegister(cpuID int, index int) uint64
	SetIntegerRegister(cpuID int, index int, value uint64)
}
