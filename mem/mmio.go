package mem

import "sort"

// An MMIOHandler services reads and writes that fall into a device window.
// The offset passed to the handler is relative to the window base.
type MMIOHandler interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, value uint64, size int) error
}

// An MMIOWindow maps a physical address range to a device handler.
type MMIOWindow struct {
	Base    uint64
	Size    uint64
	Handler MMIOHandler
}

// Contains reports whether the full access [addr, addr+size) falls inside
// the window.
func (w MMIOWindow) Contains(addr uint64, size int) bool {
	return addr >= w.Base && addr+uint64(size) <= w.Base+w.Size
}

// An MMIOTable routes physical addresses to device windows. It plays the
// same role for devices that an address-to-port mapper plays for memory
// banks: a pure range-containment lookup.
type MMIOTable struct {
	windows []MMIOWindow
}

// NewMMIOTable creates an empty MMIO routing table.
func NewMMIOTable() *MMIOTable {
	return &MMIOTable{windows: make([]MMIOWindow, 0)}
}

// AddWindow registers a device window. Windows must not overlap; overlap is
// a configuration defect and panics.
func (t *MMIOTable) AddWindow(base, size uint64, handler MMIOHandler) {
	for _, w := range t.windows {
		if base < w.Base+w.Size && w.Base < base+size {
			panic("overlapping MMIO windows")
		}
	}

	t.windows = append(t.windows, MMIOWindow{
		Base:    base,
		Size:    size,
		Handler: handler,
	})
	sort.Slice(t.windows, func(i, j int) bool {
		return t.windows[i].Base < t.windows[j].Base
	})
}

// Find returns the window that contains the access, if any.
func (t *MMIOTable) Find(addr uint64, size int) (MMIOWindow, bool) {
	for _, w := range t.windows {
		if w.Contains(addr, size) {
			return w, true
		}
	}

	return MMIOWindow{}, false
}
