package mem_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axpmem/mem"
)

type scratchDevice struct {
	lastWrite uint64
	readValue uint64
	failAll   bool
}

func (d *scratchDevice) Read(offset uint64, size int) (uint64, error) {
	if d.failAll {
		return 0, errors.New("unsupported")
	}

	return d.readValue + offset, nil
}

func (d *scratchDevice) Write(offset uint64, value uint64, size int) error {
	if d.failAll {
		return errors.New("unsupported")
	}

	d.lastWrite = value
	return nil
}

var _ = Describe("MMIOTable", func() {
	var (
		table  *mem.MMIOTable
		device *scratchDevice
	)

	BeforeEach(func() {
		table = mem.NewMMIOTable()
		device = &scratchDevice{readValue: 0x100}
		table.AddWindow(0x1000_0000, 0x1000, device)
	})

	It("should find the window that contains an access", func() {
		w, found := table.Find(0x1000_0040, 8)
		Expect(found).To(BeTrue())
		Expect(w.Base).To(Equal(uint64(0x1000_0000)))
	})

	It("should not find addresses outside every window", func() {
		_, found := table.Find(0x2000_0000, 8)
		Expect(found).To(BeFalse())
	})

	It("should not match accesses that cross the window end", func() {
		_, found := table.Find(0x1000_0ffc, 8)
		Expect(found).To(BeFalse())
	})

	It("should panic on overlapping windows", func() {
		Expect(func() {
			table.AddWindow(0x1000_0800, 0x1000, device)
		}).To(Panic())
	})
})
