package flashscript

import (
	"fmt"

	"flashjournal/flash"
)

// PlanErase returns the sector start addresses an erase of [start,
// start+length) touches.
//
// A full erase rounds start down to its sector and keeps going, one sector
// at a time, until the requested range is covered. A partial erase only
// takes sectors lying wholly inside the range: start is rounded up to the
// next boundary and the end down to the last one.
func PlanErase(g flash.Geometry, start flash.Addr, length uint32, partial bool) ([]flash.Addr, error) {
	if length == 0 {
		return nil, nil
	}
	flashEnd := uint64(g.FlashStart()) + uint64(g.FlashSize())
	reqEnd := uint64(start) + uint64(length)
	if start < g.FlashStart() || reqEnd > flashEnd {
		return nil, fmt.Errorf("%w: erase %s+0x%X", ErrAddressRange, start, length)
	}

	cur, err := SectorStart(g, start)
	if err != nil {
		return nil, err
	}
	end := reqEnd
	if partial {
		if cur != start {
			cur += flash.Addr(g.SectorSize(cur))
		}
		last, err := SectorStart(g, flash.Addr(reqEnd))
		if err != nil {
			return nil, err
		}
		end = uint64(last)
	}

	var plan []flash.Addr
	remaining := int64(end) - int64(cur)
	for remaining > 0 {
		size := g.SectorSize(cur)
		if size == 0 {
			return nil, fmt.Errorf("%w: zero sector size at %s", ErrGeometry, cur)
		}
		plan = append(plan, cur)
		cur += flash.Addr(size)
		remaining -= int64(size)
	}
	return plan, nil
}

// erase runs the erase step e against b.To.
func (en *Engine) erase(b Binding, e Entry, partial bool) error {
	plan, err := PlanErase(b.To, e.ToAddr, e.Length, partial)
	if err != nil {
		return err
	}
	for _, addr := range plan {
		if err := b.To.Erase(addr); err != nil {
			return &DeviceError{Op: IOErase, Device: e.To, Addr: addr, Err: err}
		}
		en.emit(Event{Kind: EventErase, Entry: e, Addr: addr, Len: b.To.SectorSize(addr)})
	}
	return nil
}
