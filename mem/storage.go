// Package mem provides the physical side of the memory core: flat backing
// storage and MMIO window routing.
package mem

import (
	"encoding/binary"
	"errors"
	"sync"
)

// A Storage keeps the data of the guest system's physical memory.
//
// The storage manages memory in fixed-size units. Units that are never
// touched by Read or Write are not allocated, so a large physical address
// space can be declared without committing host memory up front.
type Storage struct {
	sync.Mutex

	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity.
func NewStorage(capacity uint64) *Storage {
	s := new(Storage)

	s.unitSize = 4096
	s.capacity = capacity
	s.data = make(map[uint64][]byte)

	return s
}

// Capacity returns the size of the physical address space in bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) createOrGetUnit(address uint64) ([]byte, error) {
	if address >= s.capacity {
		return nil, errors.New(
			"accessing physical address beyond the storage capacity")
	}

	baseAddr, _ := s.parseAddress(address)
	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit, nil
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr
	return
}

// Read returns a copy of the data stored at [address, address+len).
func (s *Storage) Read(address, len uint64) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	if address+len > s.capacity {
		return nil, errors.New(
			"accessing physical address beyond the storage capacity")
	}

	currAddr := address
	lenLeft := len
	dataOffset := uint64(0)
	res := make([]byte, len)

	for currAddr < address+len {
		unit, err := s.createOrGetUnit(currAddr)
		if err != nil {
			return nil, err
		}

		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenInUnit := baseAddr + s.unitSize - currAddr
		if lenLeft < lenInUnit {
			lenInUnit = lenLeft
		}

		copy(res[dataOffset:dataOffset+lenInUnit],
			unit[inUnitAddr:inUnitAddr+lenInUnit])
		lenLeft -= lenInUnit
		dataOffset += lenInUnit
		currAddr += lenInUnit
	}

	return res, nil
}

// Write stores data at the given physical address.
func (s *Storage) Write(address uint64, data []byte) error {
	s.Lock()
	defer s.Unlock()

	if address+uint64(len(data)) > s.capacity {
		return errors.New(
			"accessing physical address beyond the storage capacity")
	}

	currAddr := address
	lenLeft := uint64(len(data))
	dataOffset := uint64(0)

	for lenLeft > 0 {
		unit, err := s.createOrGetUnit(currAddr)
		if err != nil {
			return err
		}

		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenInUnit := baseAddr + s.unitSize - currAddr
		if lenLeft < lenInUnit {
			lenInUnit = lenLeft
		}

		copy(unit[inUnitAddr:inUnitAddr+lenInUnit],
			data[dataOffset:dataOffset+lenInUnit])
		lenLeft -= lenInUnit
		dataOffset += lenInUnit
		currAddr += lenInUnit
	}

	return nil
}

// ReadUint reads a little-endian integer of 1, 2, 4, or 8 bytes.
func (s *Storage) ReadUint(address uint64, size int) (uint64, error) {
	data, err := s.Read(address, uint64(size))
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 8)
	copy(buf, data)

	return binary.LittleEndian.Uint64(buf), nil
}

// WriteUint writes a little-endian integer of 1, 2, 4, or 8 bytes.
func (s *Storage) WriteUint(address, value uint64, size int) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)

	return s.Write(address, buf[:size])
}
