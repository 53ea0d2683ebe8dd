package flashscript

import (
	"fmt"
	"math"

	"flashjournal/flash"
	"flashjournal/journal"
)

// SectorStart returns the start of the sector holding addr: the last sector
// boundary at or below addr. Sizes are walked from the flash start because
// they need not be uniform. The flash end counts as a boundary.
func SectorStart(g flash.Geometry, addr flash.Addr) (flash.Addr, error) {
	start := uint64(g.FlashStart())
	end := start + uint64(g.FlashSize())
	a := uint64(addr)
	if a < start || a > end {
		return 0, fmt.Errorf("%w: %s", ErrAddressRange, addr)
	}
	cur := start
	for cur < a {
		size := g.SectorSize(flash.Addr(cur))
		if size == 0 {
			return 0, fmt.Errorf("%w: zero sector size at 0x%08X", ErrGeometry, cur)
		}
		if cur+uint64(size) > a {
			break
		}
		cur += uint64(size)
	}
	return flash.Addr(cur), nil
}

// SectorTable is the bounded run-length table of sector sizes stored in the
// journal MBR: one slot per distinct size with the number of sectors of
// that size.
type SectorTable struct {
	slots [journal.MaxSectorTuples]journal.SectorRun
	n     int
}

// Add counts one sector of the given size.
func (t *SectorTable) Add(size uint32) error {
	for i := 0; i < t.n; i++ {
		if t.slots[i].Size == size {
			if t.slots[i].Count == math.MaxUint16 {
				return fmt.Errorf("%w: more than %d sectors of %d bytes", ErrGeometry, math.MaxUint16, size)
			}
			t.slots[i].Count++
			return nil
		}
	}
	if t.n == len(t.slots) {
		return &GeometryTableOverflowError{Size: size, Capacity: len(t.slots)}
	}
	t.slots[t.n] = journal.SectorRun{Size: size, Count: 1}
	t.n++
	return nil
}

// Len returns the number of slots in use.
func (t *SectorTable) Len() int { return t.n }

// Runs returns a copy of the used slots in order of first appearance.
func (t *SectorTable) Runs() []journal.SectorRun {
	return append([]journal.SectorRun(nil), t.slots[:t.n]...)
}

// FillSectorSizeTable adds every sector of g to t and returns the number of
// slots in use.
func FillSectorSizeTable(g flash.Geometry, t *SectorTable) (int, error) {
	cur := uint64(g.FlashStart())
	end := cur + uint64(g.FlashSize())
	for cur < end {
		size := g.SectorSize(flash.Addr(cur))
		if size == 0 {
			return t.Len(), fmt.Errorf("%w: zero sector size at 0x%08X", ErrGeometry, cur)
		}
		if err := t.Add(size); err != nil {
			return t.Len(), err
		}
		cur += uint64(size)
	}
	return t.Len(), nil
}
