// Package internal provides the set data structure that backs the TLB.
package internal

import (
	"github.com/sarchlab/axpmem/mem/vm"
)

// A Set holds a fixed number of translation entries in one TLB set and
// implements the clock (second-chance) replacement policy. A Set is not
// safe for concurrent use; the owning TLB serializes access.
type Set interface {
	Lookup(asn vm.ASN, vAddr uint64) (wayID int, page vm.Page, found bool)
	Update(wayID int, page vm.Page)
	AddEntry(page vm.Page) (wayID int)
	Visit(wayID int)
	Invalidate(asn vm.ASN, vAddr uint64) bool
	InvalidateByASN(asn vm.ASN) int
	InvalidateAll()
}

// NewSet creates a new TLB set with the given number of ways.
func NewSet(numWays int) Set {
	s := &setImpl{}
	s.blocks = make([]*block, numWays)
	for i := range s.blocks {
		s.blocks[i] = &block{wayID: i}
	}

	return s
}

type block struct {
	page       vm.Page
	wayID      int
	referenced bool
}

type setImpl struct {
	blocks []*block
	hand   int
}

// Lookup matches on the virtual page plus ASN, or on the virtual page alone
// for global entries.
func (s *setImpl) Lookup(
	asn vm.ASN,
	vAddr uint64,
) (wayID int, page vm.Page, found bool) {
	for _, b := range s.blocks {
		if !b.page.Valid {
			continue
		}

		if b.page.VAddr != vAddr {
			continue
		}

		if b.page.ASN == asn || b.page.Global {
			return b.wayID, b.page, true
		}
	}

	return 0, vm.Page{}, false
}

// Update replaces the entry in the given way.
func (s *setImpl) Update(wayID int, page vm.Page) {
	s.blocks[wayID].page = page
}

// AddEntry inserts a page, evicting by the clock policy if the set is full:
// scan from the rotating cursor, take the first way whose reference bit is
// clear, clearing the bit on each way the scan skips. The scan is bounded
// by one full sweep, after which the way at the cursor has a cleared bit.
func (s *setImpl) AddEntry(page vm.Page) (wayID int) {
	for _, b := range s.blocks {
		if !b.page.Valid {
			b.page = page
			b.referenced = true
			return b.wayID
		}
	}

	for {
		b := s.blocks[s.hand]
		s.hand = (s.hand + 1) % len(s.blocks)

		if !b.referenced {
			b.page = page
			b.referenced = true
			return b.wayID
		}

		b.referenced = false
	}
}

// Visit sets the reference bit of a way, giving it a second chance on the
// next eviction sweep.
func (s *setImpl) Visit(wayID int) {
	s.blocks[wayID].referenced = true
}

// Invalidate removes the entry for the given virtual page, honoring the
// global bit. It reports whether an entry was removed.
func (s *setImpl) Invalidate(asn vm.ASN, vAddr uint64) bool {
	for _, b := range s.blocks {
		if !b.page.Valid || b.page.VAddr != vAddr {
			continue
		}

		if b.page.ASN == asn || b.page.Global {
			b.page = vm.Page{}
			b.referenced = false
			return true
		}
	}

	return false
}

// InvalidateByASN removes all non-global entries with the given ASN and
// returns the number of entries removed.
func (s *setImpl) InvalidateByASN(asn vm.ASN) int {
	count := 0
	for _, b := range s.blocks {
		if b.page.Valid && b.page.ASN == asn && !b.page.Global {
			b.page = vm.Page{}
			b.referenced = false
			count++
		}
	}

	return count
}

// InvalidateAll removes every entry in the set.
func (s *setImpl) InvalidateAll() {
	for _, b := range s.blocks {
		b.page = vm.Page{}
		b.referenced = false
	}
	s.hand = 0
}
