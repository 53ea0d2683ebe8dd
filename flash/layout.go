package flash

import (
	"errors"
	"fmt"
	"math"
)

// Run is Count consecutive sectors of Size bytes.
type Run struct {
	Size  uint32
	Count uint32
}

// Layout lists the sectors of a device from its first address, in order.
// Sector sizes may differ from run to run.
type Layout []Run

// Total returns the number of bytes covered by the layout.
func (l Layout) Total() uint64 {
	var t uint64
	for _, r := range l {
		t += uint64(r.Size) * uint64(r.Count)
	}
	return t
}

// Sectors returns the number of sectors in the layout.
func (l Layout) Sectors() int {
	n := 0
	for _, r := range l {
		n += int(r.Count)
	}
	return n
}

// Validate checks that every sector is a whole number of pages and that the
// layout fits in the 32-bit address space starting at start.
func (l Layout) Validate(start Addr, page uint32) error {
	if page == 0 {
		return errors.New("page size must be non-zero")
	}
	if len(l) == 0 {
		return errors.New("layout has no sectors")
	}
	for i, r := range l {
		if r.Size == 0 || r.Count == 0 {
			return fmt.Errorf("run %d: size and count must be non-zero", i)
		}
		if r.Size%page != 0 {
			return fmt.Errorf("run %d: sector size %d is not a multiple of page size %d", i, r.Size, page)
		}
	}
	if uint64(start)+l.Total() > math.MaxUint32+1 {
		return fmt.Errorf("%w: layout of %d bytes at %s", ErrAddressOverflow, l.Total(), start)
	}
	return nil
}

// Locate returns the offset and size of the sector holding off, and the
// sector's index. off is relative to the first sector.
func (l Layout) Locate(off uint32) (sectorOff uint32, size uint32, index int, ok bool) {
	var base uint64
	for _, r := range l {
		span := uint64(r.Size) * uint64(r.Count)
		if uint64(off) < base+span {
			k := (uint64(off) - base) / uint64(r.Size)
			return uint32(base + k*uint64(r.Size)), r.Size, index + int(k), true
		}
		base += span
		index += int(r.Count)
	}
	return 0, 0, 0, false
}

// SectorAt returns the offset and size of sector i.
func (l Layout) SectorAt(i int) (sectorOff uint32, size uint32, ok bool) {
	if i < 0 {
		return 0, 0, false
	}
	var base uint64
	for _, r := range l {
		if i < int(r.Count) {
			return uint32(base + uint64(i)*uint64(r.Size)), r.Size, true
		}
		i -= int(r.Count)
		base += uint64(r.Size) * uint64(r.Count)
	}
	return 0, 0, false
}
