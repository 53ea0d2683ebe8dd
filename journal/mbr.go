package journal

import (
	"encoding/binary"
	"fmt"
	"math"

	"flashjournal/flash"
)

const (
	// MaxSectorTuples is the capacity of the MBR sector table.
	MaxSectorTuples = 10

	mbrHeaderSize = 6
	mbrTupleSize  = 6
)

// SectorRun is one row of the MBR sector table: Count sectors of Size bytes.
type SectorRun struct {
	Count uint16
	Size  uint32
}

// MBR is the journal header record. Multi-byte fields are little-endian on
// flash:
//
//	tag:u8 mbrSize:u8 journalSize:u16 minWriteSize:u8 sectorTuples:u8
//	{count:u16 size:u32} x sectorTuples
//
// The record is padded with erased bytes up to mbrSize.
type MBR struct {
	Size         uint8
	JournalSize  uint16
	MinWriteSize uint8
	Table        []SectorRun
}

// MBRSize returns the on-flash size of an MBR with the given number of table
// rows: header and rows rounded up to a whole page.
func MBRSize(tuples int, page uint32) (uint8, error) {
	if tuples < 0 || tuples > MaxSectorTuples {
		return 0, fmt.Errorf("mbr: %d sector tuples, at most %d", tuples, MaxSectorTuples)
	}
	if page == 0 || page > math.MaxUint8 {
		return 0, fmt.Errorf("mbr: page size %d does not fit the record", page)
	}
	n := flash.RoundUp(uint32(mbrHeaderSize+mbrTupleSize*tuples), page)
	if n > math.MaxUint8 {
		return 0, fmt.Errorf("mbr: record of %d bytes exceeds 255", n)
	}
	return uint8(n), nil
}

// MarshalBinary encodes the record, Size bytes long.
func (m MBR) MarshalBinary() ([]byte, error) {
	if len(m.Table) > MaxSectorTuples {
		return nil, fmt.Errorf("mbr: %d sector tuples, at most %d", len(m.Table), MaxSectorTuples)
	}
	used := mbrHeaderSize + mbrTupleSize*len(m.Table)
	if int(m.Size) < used {
		return nil, fmt.Errorf("mbr: size %d cannot hold %d bytes", m.Size, used)
	}
	b := make([]byte, m.Size)
	flash.Fill(b)
	b[0] = byte(KindMBR)
	b[1] = m.Size
	binary.LittleEndian.PutUint16(b[2:], m.JournalSize)
	b[4] = m.MinWriteSize
	b[5] = uint8(len(m.Table))
	p := b[mbrHeaderSize:]
	for _, r := range m.Table {
		binary.LittleEndian.PutUint16(p, r.Count)
		binary.LittleEndian.PutUint32(p[2:], r.Size)
		p = p[mbrTupleSize:]
	}
	return b, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (m *MBR) UnmarshalBinary(b []byte) error {
	if len(b) < mbrHeaderSize {
		return fmt.Errorf("mbr: short record (%d bytes)", len(b))
	}
	if Kind(b[0]) != KindMBR {
		return fmt.Errorf("mbr: tag %s", Kind(b[0]))
	}
	size := b[1]
	n := int(b[5])
	if n > MaxSectorTuples {
		return fmt.Errorf("mbr: %d sector tuples, at most %d", n, MaxSectorTuples)
	}
	if used := mbrHeaderSize + mbrTupleSize*n; int(size) < used || len(b) < used {
		return fmt.Errorf("mbr: size %d cannot hold %d tuples", size, n)
	}
	if b[4] == 0 {
		return fmt.Errorf("mbr: zero write size")
	}
	*m = MBR{
		Size:         size,
		JournalSize:  binary.LittleEndian.Uint16(b[2:]),
		MinWriteSize: b[4],
		Table:        make([]SectorRun, n),
	}
	p := b[mbrHeaderSize:]
	for i := range m.Table {
		m.Table[i] = SectorRun{
			Count: binary.LittleEndian.Uint16(p),
			Size:  binary.LittleEndian.Uint32(p[2:]),
		}
		p = p[mbrTupleSize:]
	}
	return nil
}
