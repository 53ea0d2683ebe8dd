package journal

import (
	"bytes"
	"fmt"

	"flashjournal/flash"
)

// Reader is the read side of the device holding the journal.
type Reader interface {
	ReadAt(p []byte, addr flash.Addr) error
	PageSize() uint32
}

// Log is an opened journal window. It keeps no cursor of its own: every
// query reads flash, so records written by others are seen immediately.
type Log struct {
	r     Reader
	base  flash.Addr
	page  uint32
	mbr   MBR
	raw   []byte
	start flash.Addr
	end   flash.Addr
}

// Open reads the MBR at base and checks it against its tail copy.
// A blank base reports ErrNotInitialized.
func Open(r Reader, base flash.Addr) (*Log, error) {
	page := r.PageSize()
	var hdr [HeaderSize]byte
	if err := r.ReadAt(hdr[:], base); err != nil {
		return nil, fmt.Errorf("read journal header: %w", err)
	}
	switch Kind(hdr[0]) {
	case KindFree:
		return nil, fmt.Errorf("%w at %s", ErrNotInitialized, base)
	case KindMBR:
	default:
		return nil, corrupt(base, "first record is %s", Kind(hdr[0]))
	}
	raw := make([]byte, hdr[1])
	if err := r.ReadAt(raw, base); err != nil {
		return nil, fmt.Errorf("read mbr: %w", err)
	}
	var m MBR
	if err := m.UnmarshalBinary(raw); err != nil {
		return nil, corrupt(base, "%v", err)
	}
	if uint32(m.MinWriteSize) != page {
		return nil, corrupt(base, "mbr write size %d, device page %d", m.MinWriteSize, page)
	}
	if uint32(m.Size)%page != 0 || uint32(m.JournalSize) < 2*uint32(m.Size) {
		return nil, corrupt(base, "mbr size %d does not fit journal of %d bytes", m.Size, m.JournalSize)
	}
	end, err := base.Add(uint32(m.JournalSize) - uint32(m.Size))
	if err != nil {
		return nil, corrupt(base, "%v", err)
	}
	tail := make([]byte, len(raw))
	if err := r.ReadAt(tail, end); err != nil {
		return nil, fmt.Errorf("read mbr tail copy: %w", err)
	}
	if !bytes.Equal(raw, tail) {
		return nil, corrupt(end, "tail mbr copy differs from head")
	}
	return &Log{
		r:     r,
		base:  base,
		page:  page,
		mbr:   m,
		raw:   raw,
		start: base + flash.Addr(m.Size),
		end:   end,
	}, nil
}

// MBR returns the decoded header record.
func (l *Log) MBR() MBR { return l.mbr }

// RawMBR returns the header record as stored.
func (l *Log) RawMBR() []byte { return bytes.Clone(l.raw) }

// Base returns the address of the head MBR.
func (l *Log) Base() flash.Addr { return l.base }

// Start returns the address of the first log record.
func (l *Log) Start() flash.Addr { return l.start }

// End returns the address of the tail MBR copy, one past the log area.
func (l *Log) End() flash.Addr { return l.end }

// PageSize returns the record alignment.
func (l *Log) PageSize() uint32 { return l.page }

// At reads the record header at addr. At the end of the log area it returns
// a free record located at End. A slot with an erased tag but a programmed
// length is reported as Torn and is stepped over like any used record.
func (l *Log) At(addr flash.Addr) (Record, error) {
	if addr < l.start || !flash.IsAligned(addr-l.base, l.page) {
		return Record{}, corrupt(addr, "record outside log area or unaligned")
	}
	if addr >= l.end {
		return Record{Addr: l.end, Kind: KindFree}, nil
	}
	var hdr [HeaderSize]byte
	if err := l.r.ReadAt(hdr[:], addr); err != nil {
		return Record{}, fmt.Errorf("read record at %s: %w", addr, err)
	}
	rec := Record{Addr: addr, Kind: Kind(hdr[0]), Length: hdr[1]}
	if rec.Kind == KindFree {
		if rec.Length == flash.Erased {
			rec.Length = 0
			return rec, nil
		}
		// The copy was cut before its tag went in. The slot is used up.
		rec.Torn = true
	}
	if rec.Length < HeaderSize {
		return Record{}, corrupt(addr, "%s record length %d", rec.Kind, rec.Length)
	}
	if uint64(addr)+uint64(flash.RoundUp(uint32(rec.Length), l.page)) > uint64(l.end) {
		return Record{}, corrupt(addr, "%s record of %d bytes overruns the log", rec.Kind, rec.Length)
	}
	return rec, nil
}

// First returns the first record of the log.
func (l *Log) First() (Record, error) { return l.At(l.start) }

// Next returns the record following rec. The successor of a free record is
// the record itself.
func (l *Log) Next(rec Record) (Record, error) {
	if rec.Free() {
		return rec, nil
	}
	return l.At(rec.Addr + flash.Addr(flash.RoundUp(uint32(rec.Length), l.page)))
}

// walk visits every used record, torn ones included, and returns the first
// free one.
func (l *Log) walk(fn func(Record)) (Record, error) {
	rec, err := l.First()
	for err == nil && !rec.Free() {
		fn(rec)
		rec, err = l.Next(rec)
	}
	return rec, err
}

// Records returns every used record in log order.
func (l *Log) Records() ([]Record, error) {
	var recs []Record
	_, err := l.walk(func(r Record) { recs = append(recs, r) })
	return recs, err
}

// NextFree returns the address of the first free slot.
func (l *Log) NextFree() (flash.Addr, error) {
	free, err := l.walk(func(Record) {})
	if err != nil {
		return 0, err
	}
	if free.Addr >= l.end {
		return 0, fmt.Errorf("%w: no free slot before %s", ErrFull, l.end)
	}
	return free.Addr, nil
}

// Reserve returns the free slot where a record of n bytes can be written.
func (l *Log) Reserve(n uint32) (flash.Addr, error) {
	addr, err := l.NextFree()
	if err != nil {
		return 0, err
	}
	if uint64(addr)+uint64(flash.RoundUp(n, l.page)) > uint64(l.end) {
		return 0, fmt.Errorf("%w: %d bytes at %s", ErrFull, n, addr)
	}
	return addr, nil
}

// LastOfKind returns the most recent record of kind k.
func (l *Log) LastOfKind(k Kind) (Record, bool, error) {
	var (
		last  Record
		found bool
	)
	_, err := l.walk(func(r Record) {
		if r.Kind == k {
			last, found = r, true
		}
	})
	if err != nil {
		return Record{}, false, err
	}
	return last, found, nil
}

// ReadValue returns the bytes following the header of rec.
func (l *Log) ReadValue(rec Record) ([]byte, error) {
	if rec.Free() {
		return nil, nil
	}
	v := make([]byte, int(rec.Length)-HeaderSize)
	if err := l.r.ReadAt(v, rec.ValueAddr()); err != nil {
		return nil, fmt.Errorf("read record at %s: %w", rec.Addr, err)
	}
	return v, nil
}
