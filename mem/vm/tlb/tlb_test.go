package tlb_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axpmem/mem/vm"
	"github.com/sarchlab/axpmem/mem/vm/tlb"
)

func page(vAddr, pAddr uint64, asn vm.ASN) vm.Page {
	return vm.Page{
		VAddr:    vAddr,
		PAddr:    pAddr,
		PageSize: 0x2000,
		ASN:      asn,
		Prot:     vm.ProtRead | vm.ProtWrite,
		Valid:    true,
	}
}

var _ = Describe("TLB", func() {
	var t *tlb.Comp

	BeforeEach(func() {
		t = tlb.MakeBuilder().
			WithNumSets(1).
			WithNumWays(4).
			WithLog2PageSize(13).
			Build("TLB")
	})

	It("should miss on an empty TLB", func() {
		_, found := t.Lookup(0x10_0000, 1)
		Expect(found).To(BeFalse())
		Expect(t.MissCount()).To(Equal(uint64(1)))
	})

	It("should hit after an insert, for any offset in the page", func() {
		t.Insert(page(0x10_0000, 0x40_0000, 1))

		p, found := t.Lookup(0x10_1ab0, 1)
		Expect(found).To(BeTrue())
		Expect(p.PAddr).To(Equal(uint64(0x40_0000)))
		Expect(t.HitCount()).To(Equal(uint64(1)))
	})

	It("should keep address spaces apart", func() {
		t.Insert(page(0x10_0000, 0x40_0000, 1))

		_, found := t.Lookup(0x10_0000, 2)
		Expect(found).To(BeFalse())
	})

	It("should let global entries hit under any ASN", func() {
		p := page(0x10_0000, 0x40_0000, 1)
		p.Global = true
		t.Insert(p)

		_, found := t.Lookup(0x10_0000, 7)
		Expect(found).To(BeTrue())
	})

	It("should replace an entry for the same page and ASN in place", func() {
		t.Insert(page(0x10_0000, 0x40_0000, 1))
		t.Insert(page(0x10_0000, 0x80_0000, 1))

		p, found := t.Lookup(0x10_0000, 1)
		Expect(found).To(BeTrue())
		Expect(p.PAddr).To(Equal(uint64(0x80_0000)))
	})

	It("should evict by the clock policy when a set fills", func() {
		t.Insert(page(0x0_0000, 0x40_0000, 1))
		t.Insert(page(0x0_2000, 0x40_2000, 1))
		t.Insert(page(0x0_4000, 0x40_4000, 1))
		t.Insert(page(0x0_6000, 0x40_6000, 1))

		// 5th insert into a 4-way set sweeps all reference bits and
		// takes the way at the cursor.
		t.Insert(page(0x0_8000, 0x40_8000, 1))

		_, found := t.Lookup(0x0_0000, 1)
		Expect(found).To(BeFalse())

		_, found = t.Lookup(0x0_8000, 1)
		Expect(found).To(BeTrue())
		_, found = t.Lookup(0x0_2000, 1)
		Expect(found).To(BeTrue())
	})

	It("should invalidate a single page", func() {
		t.Insert(page(0x10_0000, 0x40_0000, 1))

		Expect(t.Invalidate(0x10_0008, 1)).To(BeTrue())

		_, found := t.Lookup(0x10_0000, 1)
		Expect(found).To(BeFalse())
	})

	It("should report when there is nothing to invalidate", func() {
		Expect(t.Invalidate(0x10_0000, 1)).To(BeFalse())
	})

	It("should invalidate by ASN, sparing global entries", func() {
		t.Insert(page(0x0_0000, 0x40_0000, 1))
		t.Insert(page(0x0_2000, 0x40_2000, 1))
		g := page(0x0_4000, 0x40_4000, 1)
		g.Global = true
		t.Insert(g)
		t.Insert(page(0x0_6000, 0x40_6000, 2))

		Expect(t.InvalidateByASN(1)).To(Equal(2))

		_, found := t.Lookup(0x0_4000, 1)
		Expect(found).To(BeTrue())
		_, found = t.Lookup(0x0_6000, 2)
		Expect(found).To(BeTrue())
	})

	It("should invalidate everything", func() {
		t.Insert(page(0x0_0000, 0x40_0000, 1))
		g := page(0x0_2000, 0x40_2000, 1)
		g.Global = true
		t.Insert(g)

		t.InvalidateAll()

		_, found := t.Lookup(0x0_0000, 1)
		Expect(found).To(BeFalse())
		_, found = t.Lookup(0x0_2000, 1)
		Expect(found).To(BeFalse())
	})
})

var _ = Describe("Builder", func() {
	It("should panic on nonpositive geometry", func() {
		Expect(func() {
			tlb.MakeBuilder().WithNumWays(0).Build("TLB")
		}).To(Panic())
	})
})
