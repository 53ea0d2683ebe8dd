package flashscript

import (
	"encoding/binary"
	"fmt"

	"flashjournal/flash"
	"flashjournal/journal"
)

// InitPayloadSize is the size of the data an InitJournal step points at.
const InitPayloadSize = 4

// InitPayload returns the InitJournal payload for a journal of size bytes:
// the MBR tag, a reserved byte and the size, big-endian.
func InitPayload(size uint16) []byte {
	p := []byte{byte(journal.KindMBR), 0, 0, 0}
	binary.BigEndian.PutUint16(p[2:], size)
	return p
}

// BuildMBR returns the MBR describing g for a journal of journalSize bytes.
func BuildMBR(g flash.Geometry, journalSize uint16) (journal.MBR, error) {
	var table SectorTable
	n, err := FillSectorSizeTable(g, &table)
	if err != nil {
		return journal.MBR{}, err
	}
	size, err := journal.MBRSize(n, g.PageSize())
	if err != nil {
		return journal.MBR{}, fmt.Errorf("%w: %w", ErrGeometry, err)
	}
	return journal.MBR{
		Size:         size,
		JournalSize:  journalSize,
		MinWriteSize: uint8(g.PageSize()),
		Table:        table.Runs(),
	}, nil
}

// initJournal starts a fresh journal at e.ToAddr: the whole window is
// erased, then the MBR is written at its head and again at its tail.
func (en *Engine) initJournal(b Binding, e Entry) error {
	if e.ToAddr != en.cfg.JournalBase {
		return fmt.Errorf("%w: journal at %s, engine expects %s", ErrInvalidPayload, e.ToAddr, en.cfg.JournalBase)
	}
	page := b.To.PageSize()
	if !flash.IsAligned(e.ToAddr, page) {
		return &AlignmentError{Addr: e.ToAddr, Page: page}
	}
	if e.Length < InitPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidPayload, e.Length)
	}
	payload := make([]byte, InitPayloadSize)
	if err := b.From.Read(e, 0, payload); err != nil {
		return asReadError(err, e, 0)
	}
	if journal.Kind(payload[0]) != journal.KindMBR {
		return fmt.Errorf("%w: tag 0x%02X", ErrInvalidPayload, payload[0])
	}
	size := binary.BigEndian.Uint16(payload[2:])

	mbr, err := BuildMBR(b.To, size)
	if err != nil {
		return err
	}
	if uint32(size)%page != 0 || uint32(size) < 2*uint32(mbr.Size)+page {
		return fmt.Errorf("%w: journal size %d with %d byte mbr and %d byte pages", ErrInvalidPayload, size, mbr.Size, page)
	}
	raw, err := mbr.MarshalBinary()
	if err != nil {
		return err
	}

	en.jrnl = nil
	erase := Entry{Op: OpErase, To: e.To, ToAddr: e.ToAddr, Length: uint32(size)}
	if err := en.erase(b, erase, false); err != nil {
		return fmt.Errorf("erase journal: %w", err)
	}
	tail := e.ToAddr + flash.Addr(uint32(size)-uint32(mbr.Size))
	for _, addr := range []flash.Addr{e.ToAddr, tail} {
		w := Entry{Op: OpOverwrite, To: e.To, ToAddr: addr, Length: uint32(len(raw))}
		if err := en.program(Binding{From: bufferSource(raw), To: b.To}, w); err != nil {
			return fmt.Errorf("write mbr at %s: %w", addr, err)
		}
	}
	if _, err := en.Journal(); err != nil {
		return fmt.Errorf("reopen journal: %w", err)
	}
	en.log.Info("journal initialized", "base", e.ToAddr, "size", size, "mbr_size", mbr.Size, "sector_tuples", len(mbr.Table))
	en.emit(Event{Kind: EventJournal, Entry: e, Addr: e.ToAddr, Len: uint32(size)})
	return nil
}
