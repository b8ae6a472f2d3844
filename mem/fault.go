package mem

import "fmt"

// FaultKind classifies the failures a memory access can report.
type FaultKind int

// Possible memory fault kinds.
const (
	FaultAlignment FaultKind = iota
	FaultTranslationMiss
	FaultProtectionViolation
	FaultMMIOUnsupported
)

func (k FaultKind) String() string {
	switch k {
	case FaultAlignment:
		return "alignment"
	case FaultTranslationMiss:
		return "translation-miss"
	case FaultProtectionViolation:
		return "protection-violation"
	case FaultMMIOUnsupported:
		return "mmio-unsupported"
	}

	return "unknown"
}

// A Fault describes why a memory access failed. Faults are foreseeable,
// recoverable outcomes; the caller is expected to raise the corresponding
// CPU exception after inspecting the fault.
type Fault struct {
	Kind    FaultKind
	Addr    uint64
	IsWrite bool
}

func (f *Fault) Error() string {
	accessType := "read"
	if f.IsWrite {
		accessType = "write"
	}

	return fmt.Sprintf("memory fault: %s on %s at 0x%016x",
		f.Kind, accessType, f.Addr)
}

// NewFault creates a memory fault of the given kind.
func NewFault(kind FaultKind, addr uint64, isWrite bool) *Fault {
	return &Fault{Kind: kind, Addr: addr, IsWrite: isWrite}
}
