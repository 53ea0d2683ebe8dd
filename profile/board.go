package profile

import (
	"errors"
	"fmt"
	"math"

	"flashjournal/flash"
	"flashjournal/flashscript"
)

// ErrInvalidBoard is wrapped by every Board validation failure.
var ErrInvalidBoard = errors.New("invalid board profile")

// SectorRun is Count sectors of Size bytes.
type SectorRun struct {
	Size  uint32 `toml:"size" yaml:"size"`
	Count uint32 `toml:"count" yaml:"count"`
}

// Board describes a target: its flash, the journal window inside it, and the
// RAM window new scripts are staged in.
type Board struct {
	Name        string      `toml:"name" yaml:"name"`
	FlashStart  flash.Addr  `toml:"flash_start" yaml:"flash_start"`
	PageSize    uint32      `toml:"page_size" yaml:"page_size"`
	Sectors     []SectorRun `toml:"sectors" yaml:"sectors"`
	JournalBase flash.Addr  `toml:"journal_base" yaml:"journal_base"`
	JournalSize uint32      `toml:"journal_size" yaml:"journal_size"`
	RAMBase     flash.Addr  `toml:"ram_base" yaml:"ram_base"`
	RAMSize     uint32      `toml:"ram_size" yaml:"ram_size"`
	StagingAddr flash.Addr  `toml:"staging_addr" yaml:"staging_addr"`
	StagingSize uint32      `toml:"staging_size" yaml:"staging_size"`
	BufferSize  int         `toml:"buffer_size" yaml:"buffer_size"`
}

// DefaultBoard returns the values a profile starts from before decoding.
func DefaultBoard() *Board {
	return &Board{
		JournalSize: 4096,
		RAMSize:     4096,
		StagingSize: flashscript.StagingSize,
		BufferSize:  1024,
	}
}

// LoadBoard reads and validates a board profile.
func LoadBoard(path string) (*Board, error) {
	b := DefaultBoard()
	if err := decodeFile(path, b); err != nil {
		return nil, err
	}
	if b.StagingAddr == 0 {
		b.StagingAddr = b.RAMBase
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Layout returns the sector layout of the board's flash.
func (b *Board) Layout() flash.Layout {
	l := make(flash.Layout, 0, len(b.Sectors))
	for _, s := range b.Sectors {
		l = append(l, flash.Run{Size: s.Size, Count: s.Count})
	}
	return l
}

// Geometry returns the board's flash geometry without allocating a device.
func (b *Board) Geometry() flash.Geometry {
	return geometry{b: b, layout: b.Layout()}
}

// Journal returns the journal window.
func (b *Board) Journal() flash.Span {
	return flash.Span{Start: b.JournalBase, Len: b.JournalSize}
}

// Staging returns the staging window in RAM.
func (b *Board) Staging() flash.Span {
	return flash.Span{Start: b.StagingAddr, Len: b.StagingSize}
}

// PayloadAddr is where the InitJournal payload is placed: right after the
// staging window.
func (b *Board) PayloadAddr() flash.Addr {
	return b.StagingAddr + flash.Addr(b.StagingSize)
}

// Validate checks the profile for consistency.
func (b *Board) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidBoard, fmt.Sprintf(format, args...))
	}
	layout := b.Layout()
	if err := layout.Validate(b.FlashStart, b.PageSize); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBoard, err)
	}
	if b.PageSize > math.MaxUint8 {
		return invalid("page size %d does not fit the journal's one-byte write size", b.PageSize)
	}
	g := b.Geometry()
	if b.JournalSize == 0 || b.JournalSize > math.MaxUint16 {
		return invalid("journal size %d out of range", b.JournalSize)
	}
	if b.JournalSize%b.PageSize != 0 {
		return invalid("journal size %d is not a multiple of page size %d", b.JournalSize, b.PageSize)
	}
	flashSpan := flash.Span{Start: b.FlashStart, Len: g.FlashSize()}
	if !flashSpan.ContainsSpan(b.Journal()) {
		return invalid("journal %s outside flash %s", b.Journal(), flashSpan)
	}
	if start, err := flashscript.SectorStart(g, b.JournalBase); err != nil || start != b.JournalBase {
		return invalid("journal base %s is not a sector boundary", b.JournalBase)
	}
	end := b.JournalBase + flash.Addr(b.JournalSize)
	if start, err := flashscript.SectorStart(g, end); err != nil || start != end {
		return invalid("journal end %s is not a sector boundary", end)
	}
	mbr, err := flashscript.BuildMBR(g, uint16(b.JournalSize))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBoard, err)
	}
	if need := 2*uint32(mbr.Size) + b.PageSize; b.JournalSize < need {
		return invalid("journal size %d below %d (two MBR copies and a page)", b.JournalSize, need)
	}

	if b.RAMSize == 0 {
		return invalid("ram size must be non-zero")
	}
	ram := flash.Span{Start: b.RAMBase, Len: b.RAMSize}
	if _, err := ram.End(); err != nil {
		return invalid("ram %s: %v", ram, err)
	}
	if overlaps(ram, flashSpan) {
		return invalid("ram %s overlaps flash %s", ram, flashSpan)
	}
	if b.StagingSize < flashscript.StagingSize || b.StagingSize > math.MaxUint8 {
		return invalid("staging size %d out of range [%d, %d]", b.StagingSize, flashscript.StagingSize, math.MaxUint8)
	}
	window := flash.Span{Start: b.StagingAddr, Len: b.StagingSize + flashscript.InitPayloadSize}
	if !ram.ContainsSpan(window) {
		return invalid("staging %s and its payload do not fit in ram %s", b.Staging(), ram)
	}
	if b.BufferSize < int(b.PageSize) {
		return invalid("buffer size %d below page size %d", b.BufferSize, b.PageSize)
	}
	return nil
}

func overlaps(a, b flash.Span) bool {
	return uint64(a.Start) < uint64(b.Start)+uint64(b.Len) &&
		uint64(b.Start) < uint64(a.Start)+uint64(a.Len)
}

type geometry struct {
	b      *Board
	layout flash.Layout
}

func (g geometry) SectorSize(addr flash.Addr) uint32 {
	if addr < g.b.FlashStart {
		return 0
	}
	_, size, _, ok := g.layout.Locate(uint32(addr - g.b.FlashStart))
	if !ok {
		return 0
	}
	return size
}

func (g geometry) PageSize() uint32 { return g.b.PageSize }

func (g geometry) FlashStart() flash.Addr { return g.b.FlashStart }

func (g geometry) FlashSize() uint32 { return uint32(g.layout.Total()) }
