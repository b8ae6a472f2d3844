// Package cpu provides the per-CPU architectural state that the memory
// core tracks: the CPU registry, the internal-processor-register file, and
// the pending-operation counters used by barrier waits.
package cpu

import (
	"sync"

	"github.com/sarchlab/axpmem/mem/vm"
)

// IPR identifies one internal processor register. The set is closed so
// that an unknown register is a compile-time condition, and the backing
// store is a dense array with no hashing on the access path.
type IPR int

// The internal processor registers.
const (
	IPRASN IPR = iota
	IPRASTEN
	IPRASTSR
	IPRFEN
	IPRIPL
	IPRMCES
	IPRPCBB
	IPRPRBR
	IPRPTBR
	IPRSCBB
	IPRSIRR
	IPRSISR
	IPRVPTB
	IPRWHAMI
	IPRCC

	// NumIPR is the number of internal processor registers.
	NumIPR
)

var iprNames = [NumIPR]string{
	"ASN", "ASTEN", "ASTSR", "FEN", "IPL", "MCES", "PCBB", "PRBR",
	"PTBR", "SCBB", "SIRR", "SISR", "VPTB", "WHAMI", "CC",
}

func (r IPR) String() string {
	if r < 0 || r >= NumIPR {
		return "invalid"
	}

	return iprNames[r]
}

// An IPRFile is the dense internal-processor-register file of one CPU.
type IPRFile struct {
	mu   sync.RWMutex
	regs [NumIPR]uint64
}

// NewIPRFile creates an IPR file with all registers zeroed.
func NewIPRFile() *IPRFile {
	return &IPRFile{}
}

// Read returns the value of a register.
func (f *IPRFile) Read(r IPR) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.regs[r]
}

// Write sets the value of a register.
func (f *IPRFile) Write(r IPR, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.regs[r] = value
}

// ASN returns the address space number currently loaded in the ASN
// register.
func (f *IPRFile) ASN() vm.ASN {
	return vm.ASN(f.Read(IPRASN))
}
