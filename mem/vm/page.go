// Package vm provides the virtual memory definitions of the memory core:
// pages, protection bits, translation faults, and the page table that
// resolves TLB misses.
package vm

import "fmt"

// ASN is an Address Space Number. It tags translations belonging to
// different virtual address spaces sharing one TLB.
type ASN uint16

// AccessType distinguishes the intents a translation can be validated
// against.
type AccessType int

// The possible access types.
const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

func (t AccessType) String() string {
	switch t {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	}

	return "unknown"
}

// Prot is a bitmask of page protection attributes.
type Prot uint8

// The protection bits a page can carry.
const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	ProtKernelOnly
)

// Allows reports whether the protection bits permit the given access type.
func (p Prot) Allows(t AccessType) bool {
	switch t {
	case AccessRead:
		return p&ProtRead != 0
	case AccessWrite:
		return p&ProtWrite != 0
	case AccessExecute:
		return p&ProtExec != 0
	}

	return false
}

// A Page is one virtual-to-physical translation. It is the unit stored in
// the TLB and produced by a page walk.
type Page struct {
	VAddr      uint64
	PAddr      uint64
	PageSize   uint64
	ASN        ASN
	Prot       Prot
	Global     bool
	Valid      bool
	Dirty      bool
	Referenced bool
}

// FaultKind classifies translation failures.
type FaultKind int

// The possible translation fault kinds.
const (
	FaultUnmapped FaultKind = iota
	FaultProtection
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnmapped:
		return "unmapped"
	case FaultProtection:
		return "protection"
	}

	return "unknown"
}

// A TranslationFault reports why a virtual address could not be translated.
// It is a foreseeable outcome, returned as data rather than panicking.
type TranslationFault struct {
	Kind   FaultKind
	VAddr  uint64
	ASN    ASN
	Access AccessType
}

func (f *TranslationFault) Error() string {
	return fmt.Sprintf("translation fault: %s at 0x%016x, asn %d, %s",
		f.Kind, f.VAddr, f.ASN, f.Access)
}
