package flash

import (
	"fmt"
)

// Stats counts the mutating operations a Memory has performed.
type Stats struct {
	Programs int
	Erases   int
}

// Memory is a NOR flash simulator backed by a byte slice. It is not safe for
// concurrent use.
type Memory struct {
	start  Addr
	page   uint32
	layout Layout
	data   []byte
	stats  Stats
}

// NewMemory returns a fully erased device.
func NewMemory(start Addr, page uint32, layout Layout) (*Memory, error) {
	if err := layout.Validate(start, page); err != nil {
		return nil, err
	}
	data := make([]byte, layout.Total())
	Fill(data)
	return &Memory{start: start, page: page, layout: layout, data: data}, nil
}

func newMemoryOver(start Addr, page uint32, layout Layout, data []byte) *Memory {
	return &Memory{start: start, page: page, layout: layout, data: data}
}

func (m *Memory) Init() error { return nil }

func (m *Memory) PageSize() uint32 { return m.page }

func (m *Memory) FlashStart() Addr { return m.start }

func (m *Memory) FlashSize() uint32 { return uint32(len(m.data)) }

// Layout returns the sector layout of the device.
func (m *Memory) Layout() Layout { return m.layout }

func (m *Memory) SectorSize(addr Addr) uint32 {
	if addr < m.start {
		return 0
	}
	_, size, _, ok := m.layout.Locate(uint32(addr - m.start))
	if !ok {
		return 0
	}
	return size
}

// SectorIndex returns the index of the sector holding addr.
func (m *Memory) SectorIndex(addr Addr) (int, bool) {
	if addr < m.start {
		return 0, false
	}
	_, _, i, ok := m.layout.Locate(uint32(addr - m.start))
	return i, ok
}

// offset translates [addr, addr+n) into a slice offset.
func (m *Memory) offset(addr Addr, n int) (int, error) {
	if addr < m.start || uint64(addr-m.start)+uint64(n) > uint64(len(m.data)) {
		return 0, fmt.Errorf("%w: %s+%d", ErrOutOfRange, addr, n)
	}
	return int(addr - m.start), nil
}

func (m *Memory) ReadAt(p []byte, addr Addr) error {
	off, err := m.offset(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, m.data[off:])
	return nil
}

func (m *Memory) Program(p []byte, addr Addr) error {
	off, err := m.offset(addr, len(p))
	if err != nil {
		return err
	}
	if uint32(off)%m.page != 0 || uint32(len(p))%m.page != 0 {
		return fmt.Errorf("%w: program %d bytes at %s, page size %d", ErrUnaligned, len(p), addr, m.page)
	}
	dst := m.data[off : off+len(p)]
	for i, b := range p {
		dst[i] &= b
	}
	m.stats.Programs++
	return nil
}

func (m *Memory) EraseSector(addr Addr) error {
	off, err := m.offset(addr, 1)
	if err != nil {
		return err
	}
	sectorOff, size, _, _ := m.layout.Locate(uint32(off))
	if sectorOff != uint32(off) {
		return fmt.Errorf("%w: erase at %s is not a sector start", ErrUnaligned, addr)
	}
	Fill(m.data[off : off+int(size)])
	m.stats.Erases++
	return nil
}

// Stats returns the operation counters.
func (m *Memory) Stats() Stats { return m.stats }

// ResetStats zeroes the operation counters.
func (m *Memory) ResetStats() { m.stats = Stats{} }

// Bytes exposes the device contents. Writes through the slice bypass NOR
// semantics.
func (m *Memory) Bytes() []byte { return m.data }
