// Package tlb provides the translation cache used by each simulated CPU.
package tlb

import (
	"sync"

	"github.com/sarchlab/axpmem/mem/vm"
	"github.com/sarchlab/axpmem/mem/vm/tlb/internal"
)

// A Comp is one TLB partition (instruction or data) of one CPU. Entries are
// organized into sets of ways with clock replacement. All operations are
// safe for concurrent use; an entry is atomically valid or invalid, there
// is no partially updated state visible to concurrent lookups.
type Comp struct {
	sync.Mutex

	name         string
	numSets      int
	numWays      int
	log2PageSize uint64

	sets []internal.Set

	hitCount  uint64
	missCount uint64
}

// Name returns the name of the TLB.
func (c *Comp) Name() string {
	return c.name
}

func (c *Comp) reset() {
	c.sets = make([]internal.Set, c.numSets)
	for i := 0; i < c.numSets; i++ {
		c.sets[i] = internal.NewSet(c.numWays)
	}
}

func (c *Comp) vAddrToSetID(vAddr uint64) int {
	return int((vAddr >> c.log2PageSize) % uint64(c.numSets))
}

func (c *Comp) alignToPage(vAddr uint64) uint64 {
	return (vAddr >> c.log2PageSize) << c.log2PageSize
}

// Lookup returns the translation for the page that contains vAddr. An
// entry matches if its virtual page equals the probed page and either its
// ASN matches or it is marked global. A miss is reported to the caller as
// a plain miss, never as a protection failure.
func (c *Comp) Lookup(vAddr uint64, asn vm.ASN) (vm.Page, bool) {
	c.Lock()
	defer c.Unlock()

	pageVAddr := c.alignToPage(vAddr)
	set := c.sets[c.vAddrToSetID(vAddr)]

	wayID, page, found := set.Lookup(asn, pageVAddr)
	if !found {
		c.missCount++
		return vm.Page{}, false
	}

	set.Visit(wayID)
	c.hitCount++

	return page, true
}

// Insert adds a translation, evicting an existing entry by the clock
// policy if the target set is full. An existing entry for the same page
// and ASN is replaced in place.
func (c *Comp) Insert(page vm.Page) {
	c.Lock()
	defer c.Unlock()

	set := c.sets[c.vAddrToSetID(page.VAddr)]

	wayID, existing, found := set.Lookup(page.ASN, page.VAddr)
	if found && existing.ASN == page.ASN {
		set.Update(wayID, page)
		set.Visit(wayID)
		return
	}

	set.AddEntry(page)
}

// Invalidate removes the entry for the page containing vAddr, if present.
func (c *Comp) Invalidate(vAddr uint64, asn vm.ASN) bool {
	c.Lock()
	defer c.Unlock()

	pageVAddr := c.alignToPage(vAddr)
	set := c.sets[c.vAddrToSetID(vAddr)]

	return set.Invalidate(asn, pageVAddr)
}

// InvalidateByASN removes all non-global entries with the given ASN and
// returns the number of entries removed.
func (c *Comp) InvalidateByASN(asn vm.ASN) int {
	c.Lock()
	defer c.Unlock()

	count := 0
	for _, set := range c.sets {
		count += set.InvalidateByASN(asn)
	}

	return count
}

// InvalidateAll removes every entry in every set.
func (c *Comp) InvalidateAll() {
	c.Lock()
	defer c.Unlock()

	for _, set := range c.sets {
		set.InvalidateAll()
	}
}

// HitCount returns the number of lookups that hit.
func (c *Comp) HitCount() uint64 {
	c.Lock()
	defer c.Unlock()

	return c.hitCount
}

// MissCount returns the number of lookups that missed.
func (c *Comp) MissCount() uint64 {
	c.Lock()
	defer c.Unlock()

	return c.missCount
}
