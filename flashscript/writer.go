package flashscript

import (
	"bytes"
	"fmt"

	"flashjournal/flash"
)

type verdict int

const (
	verdictProgram verdict = iota
	verdictEqual
	verdictErase
)

// program runs a Write or Overwrite step: Length bytes from the source are
// written to ToAddr, padded with erased bytes to a whole page, one sector at
// a time.
func (en *Engine) program(b Binding, e Entry) error {
	if e.Op != OpWrite && e.Op != OpOverwrite {
		return &UnsupportedOpCodeError{Op: e.Op}
	}
	page := b.To.PageSize()
	if page == 0 {
		return fmt.Errorf("%w: zero page size", ErrGeometry)
	}
	if !flash.IsAligned(e.ToAddr, page) {
		return &AlignmentError{Addr: e.ToAddr, Page: page}
	}
	imageSize := flash.RoundUp(e.Length, page)
	if imageSize == 0 {
		return nil
	}
	flashEnd := uint64(b.To.FlashStart()) + uint64(b.To.FlashSize())
	if e.ToAddr < b.To.FlashStart() || uint64(e.ToAddr)+uint64(imageSize) > flashEnd {
		return fmt.Errorf("%w: write %s+0x%X", ErrAddressRange, e.ToAddr, imageSize)
	}

	maxRead := flash.RoundDown(uint32(len(en.buf)), page)
	if maxRead == 0 {
		en.buf = make([]byte, page)
		en.dst = make([]byte, page)
		maxRead = page
	}

	if e.Op == OpOverwrite {
		if err := en.checkOverwrite(b, e, imageSize, maxRead); err != nil {
			return err
		}
	}

	for done := uint32(0); done < imageSize; {
		cur := e.ToAddr + flash.Addr(done)
		sector, err := SectorStart(b.To, cur)
		if err != nil {
			return err
		}
		size := b.To.SectorSize(sector)
		if size == 0 {
			return fmt.Errorf("%w: zero sector size at %s", ErrGeometry, sector)
		}
		span := min(size-uint32(cur-sector), imageSize-done)
		if err := en.programSector(b, e, done, span, maxRead, sector); err != nil {
			return err
		}
		done += span
	}
	return nil
}

// checkOverwrite verifies the whole image before anything is programmed,
// so a conflicting Overwrite leaves the destination untouched.
func (en *Engine) checkOverwrite(b Binding, e Entry, imageSize, maxRead uint32) error {
	for done := uint32(0); done < imageSize; {
		n := min(imageSize-done, maxRead)
		chunk := en.buf[:n]
		if err := en.fill(b.From, e, done, chunk); err != nil {
			return err
		}
		if _, err := en.verify(b.To, e, chunk, e.ToAddr+flash.Addr(done)); err != nil {
			return err
		}
		done += n
	}
	return nil
}

// programSector writes image bytes [done, done+span), all inside the sector
// starting at sector.
func (en *Engine) programSector(b Binding, e Entry, done, span, maxRead uint32, sector flash.Addr) error {
	erased := false
	for off := uint32(0); off < span; {
		n := min(span-off, maxRead)
		chunk := en.buf[:n]
		if err := en.fill(b.From, e, done+off, chunk); err != nil {
			return err
		}
		addr := e.ToAddr + flash.Addr(done+off)

		if !erased {
			v, err := en.verify(b.To, e, chunk, addr)
			if err != nil {
				return err
			}
			switch v {
			case verdictEqual:
				en.emit(Event{Kind: EventEqual, Entry: e, Addr: addr, Len: n})
				off += n
				continue
			case verdictErase:
				if err := b.To.Erase(sector); err != nil {
					return &DeviceError{Op: IOErase, Device: e.To, Addr: sector, Err: err}
				}
				en.emit(Event{Kind: EventErase, Entry: e, Addr: sector, Len: b.To.SectorSize(sector)})
				erased = true
				// Chunks already found equal were wiped too.
				off = 0
				continue
			}
		}

		if !(erased && flash.IsBlank(chunk)) {
			if err := b.To.Program(chunk, addr); err != nil {
				return &DeviceError{Op: IOWrite, Device: e.To, Addr: addr, Err: err}
			}
		}
		en.emit(Event{Kind: EventProgram, Entry: e, Addr: addr, Len: n})
		off += n
	}
	return nil
}

// fill reads image bytes [off, off+len(p)) from the source. Bytes past
// Length are padding.
func (en *Engine) fill(src Source, e Entry, off uint32, p []byte) error {
	k := 0
	if off < e.Length {
		k = int(min(uint32(len(p)), e.Length-off))
	}
	if k > 0 {
		if err := src.Read(e, off, p[:k]); err != nil {
			return asReadError(err, e, off)
		}
	}
	flash.Fill(p[k:])
	return nil
}

func asReadError(err error, e Entry, off uint32) error {
	if _, ok := err.(*DeviceError); ok {
		return err
	}
	return &DeviceError{Op: IORead, Device: e.From, Addr: e.FromAddr + flash.Addr(off), Err: err}
}

// verify compares chunk with the destination and decides what programming
// it needs.
func (en *Engine) verify(t Target, e Entry, chunk []byte, addr flash.Addr) (verdict, error) {
	dst := en.dst[:len(chunk)]
	if err := t.ReadAt(dst, addr); err != nil {
		return 0, &DeviceError{Op: IORead, Device: e.To, Addr: addr, Err: err}
	}
	switch e.Op {
	case OpOverwrite:
		// Padding past Length programs nothing, so only data cells count.
		k := 0
		if off := uint32(addr - e.ToAddr); off < e.Length {
			k = int(min(uint32(len(chunk)), e.Length-off))
		}
		for i, want := range chunk[:k] {
			if dst[i]&want != want {
				return 0, &OverwriteConflictError{Addr: addr + flash.Addr(i), Have: dst[i], Want: want}
			}
		}
		if bytes.Equal(dst[:k], chunk[:k]) {
			return verdictEqual, nil
		}
		return verdictProgram, nil
	case OpWrite:
		if bytes.Equal(dst, chunk) {
			return verdictEqual, nil
		}
		return verdictErase, nil
	}
	return 0, &UnsupportedOpCodeError{Op: e.Op}
}
