package vm

import (
	"sort"
	"sync"
)

// A Mapping is one contiguous virtual-to-physical range in the mapping
// table. Size must be a multiple of the page size.
type Mapping struct {
	VBase  uint64
	PBase  uint64
	Size   uint64
	ASN    ASN
	Prot   Prot
	Global bool
}

func (m Mapping) contains(vAddr uint64) bool {
	return vAddr >= m.VBase && vAddr < m.VBase+m.Size
}

// A PageTable resolves virtual addresses that miss in the TLB. It holds
// flat virtual-to-physical range mappings ordered by virtual start address.
type PageTable interface {
	Map(m Mapping)
	Unmap(vAddr uint64, asn ASN)
	Walk(vAddr uint64, asn ASN) (Page, *TranslationFault)
}

// NewPageTable creates a new PageTable.
func NewPageTable(log2PageSize uint64) PageTable {
	return &pageTableImpl{
		log2PageSize: log2PageSize,
		mappings:     make([]Mapping, 0),
	}
}

type pageTableImpl struct {
	sync.RWMutex

	log2PageSize uint64
	mappings     []Mapping
}

func (pt *pageTableImpl) alignToPage(addr uint64) uint64 {
	return (addr >> pt.log2PageSize) << pt.log2PageSize
}

// Map installs a mapping, keeping the table ordered by virtual base.
func (pt *pageTableImpl) Map(m Mapping) {
	pt.Lock()
	defer pt.Unlock()

	pt.mappings = append(pt.mappings, m)
	sort.Slice(pt.mappings, func(i, j int) bool {
		return pt.mappings[i].VBase < pt.mappings[j].VBase
	})
}

// Unmap removes the mapping that contains the given virtual address for the
// given ASN. Removing an address that is not mapped is a no-op.
func (pt *pageTableImpl) Unmap(vAddr uint64, asn ASN) {
	pt.Lock()
	defer pt.Unlock()

	for i, m := range pt.mappings {
		if m.contains(vAddr) && (m.ASN == asn || m.Global) {
			pt.mappings = append(pt.mappings[:i], pt.mappings[i+1:]...)
			return
		}
	}
}

// Walk resolves a virtual address into a page-granular translation. The
// lookup is a range containment test against the ordered mapping list. A
// miss returns FaultUnmapped; Walk itself never raises CPU exceptions.
func (pt *pageTableImpl) Walk(vAddr uint64, asn ASN) (Page, *TranslationFault) {
	pt.RLock()
	defer pt.RUnlock()

	for _, m := range pt.mappings {
		if !m.contains(vAddr) {
			continue
		}

		if m.ASN != asn && !m.Global {
			continue
		}

		pageVAddr := pt.alignToPage(vAddr)
		page := Page{
			VAddr:      pageVAddr,
			PAddr:      m.PBase + (pageVAddr - m.VBase),
			PageSize:   1 << pt.log2PageSize,
			ASN:        m.ASN,
			Prot:       m.Prot,
			Global:     m.Global,
			Valid:      true,
			Referenced: true,
		}

		return page, nil
	}

	return Page{}, &TranslationFault{
		Kind:  FaultUnmapped,
		VAddr: vAddr,
		ASN:   asn,
	}
}
