package profile

import (
	"errors"
	"fmt"
	"math"

	"flashjournal/flash"
	"flashjournal/flashscript"
)

// ErrInvalidScriptFile is wrapped by script file errors.
var ErrInvalidScriptFile = errors.New("invalid script file")

// Step is one script step as written in a script file. Devices are named
// "internal" or "sd"; addresses and lengths are plain integers.
type Step struct {
	Op          string     `toml:"op" yaml:"op"`
	From        string     `toml:"from" yaml:"from"`
	To          string     `toml:"to" yaml:"to"`
	FromAddr    flash.Addr `toml:"from_addr" yaml:"from_addr"`
	ToAddr      flash.Addr `toml:"to_addr" yaml:"to_addr"`
	Length      uint32     `toml:"length" yaml:"length"`
	JournalSize uint32     `toml:"journal_size" yaml:"journal_size"`
}

// ScriptFile is a script as loaded from disk. The terminating empty entry is
// implied.
type ScriptFile struct {
	Name  string `toml:"name" yaml:"name"`
	Steps []Step `toml:"step" yaml:"step"`
}

// LoadScript reads a script file.
func LoadScript(path string) (*ScriptFile, error) {
	var sf ScriptFile
	if err := decodeFile(path, &sf); err != nil {
		return nil, err
	}
	if len(sf.Steps) == 0 {
		return nil, fmt.Errorf("%s: %w: no steps", path, ErrInvalidScriptFile)
	}
	return &sf, nil
}

// Staged is a compiled script together with the RAM image that carries it.
type Staged struct {
	Script flashscript.Script
	// JournalSize is the size requested by a leading init_journal step, or
	// zero.
	JournalSize uint16
	// RAM holds the board's whole RAM window.
	RAM []byte

	board *Board
}

// Staging returns the staging window inside RAM.
func (s *Staged) Staging() []byte {
	off := s.board.StagingAddr - s.board.RAMBase
	return s.RAM[off : off+flash.Addr(s.board.StagingSize)]
}

// Compile converts the file's steps into a script for board b. An
// init_journal step defaults to the board's journal window and reads its
// payload from right after the staging area.
func (sf *ScriptFile) Compile(b *Board) (flashscript.Script, uint16, error) {
	var (
		s           flashscript.Script
		journalSize uint16
	)
	ram := flash.Span{Start: b.RAMBase, Len: b.RAMSize}
	for i, st := range sf.Steps {
		op, err := flashscript.ParseOpCode(st.Op)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: step %d: %w", ErrInvalidScriptFile, i, err)
		}
		from, err := flashscript.ParseDeviceID(st.From)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: step %d: %w", ErrInvalidScriptFile, i, err)
		}
		to, err := flashscript.ParseDeviceID(st.To)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: step %d: %w", ErrInvalidScriptFile, i, err)
		}
		if st.Length > flashscript.MaxLength {
			return nil, 0, fmt.Errorf("%w: step %d: length %d exceeds %d", ErrInvalidScriptFile, i, st.Length, flashscript.MaxLength)
		}
		e := flashscript.Entry{Op: op, From: from, To: to, Length: st.Length, FromAddr: st.FromAddr, ToAddr: st.ToAddr}

		switch op {
		case flashscript.OpEmpty:
			return nil, 0, fmt.Errorf("%w: step %d: empty is implied at the end", ErrInvalidScriptFile, i)
		case flashscript.OpInitJournal:
			size := st.JournalSize
			if size == 0 {
				size = b.JournalSize
			}
			if size > math.MaxUint16 {
				return nil, 0, fmt.Errorf("%w: step %d: journal size %d", ErrInvalidScriptFile, i, size)
			}
			journalSize = uint16(size)
			e.From, e.To = flashscript.DeviceInternal, flashscript.DeviceInternal
			e.FromAddr = b.PayloadAddr()
			e.Length = flashscript.InitPayloadSize
			if e.ToAddr == 0 {
				e.ToAddr = b.JournalBase
			}
		case flashscript.OpWrite, flashscript.OpOverwrite:
			src := flash.Span{Start: st.FromAddr, Len: st.Length}
			if from == flashscript.DeviceInternal && st.Length > 0 && overlaps(src, ram) {
				return nil, 0, fmt.Errorf("%w: step %d: source %s is in ram and would not survive a reset", ErrInvalidScriptFile, i, src)
			}
		}
		if (op == flashscript.OpWrite || op == flashscript.OpOverwrite || op == flashscript.OpErase || op == flashscript.OpPartialErase) &&
			overlaps(flash.Span{Start: st.ToAddr, Len: st.Length}, b.Journal()) {
			return nil, 0, fmt.Errorf("%w: step %d: destination overlaps the journal %s", ErrInvalidScriptFile, i, b.Journal())
		}
		s = append(s, e)
	}
	s = append(s, flashscript.Entry{Op: flashscript.OpEmpty})
	if err := s.Validate(); err != nil {
		return nil, 0, err
	}
	return s, journalSize, nil
}

// Stage compiles the file and builds its RAM image.
func (sf *ScriptFile) Stage(b *Board) (*Staged, error) {
	s, journalSize, err := sf.Compile(b)
	if err != nil {
		return nil, err
	}
	return BuildStaging(b, s, journalSize)
}

// BuildStaging lays s out in a fresh RAM image for board b: the script
// record at the staging address and, when the script starts with
// init_journal, the journal payload right after the staging area.
func BuildStaging(b *Board, s flashscript.Script, journalSize uint16) (*Staged, error) {
	rec, err := s.Encode()
	if err != nil {
		return nil, err
	}
	if uint32(len(rec)) > b.StagingSize {
		return nil, fmt.Errorf("%w: %d byte script record exceeds %d byte staging area", ErrInvalidScriptFile, len(rec), b.StagingSize)
	}
	st := &Staged{Script: s, RAM: make([]byte, b.RAMSize), board: b}
	copy(st.Staging(), rec)
	if s[0].Op == flashscript.OpInitJournal {
		if journalSize == 0 {
			return nil, fmt.Errorf("%w: init_journal without a journal size", ErrInvalidScriptFile)
		}
		if s[0].ToAddr != b.JournalBase {
			return nil, fmt.Errorf("%w: init_journal at %s, board journal at %s", ErrInvalidScriptFile, s[0].ToAddr, b.JournalBase)
		}
		off := b.PayloadAddr() - b.RAMBase
		copy(st.RAM[off:], flashscript.InitPayload(journalSize))
		st.JournalSize = journalSize
	}
	return st, nil
}
