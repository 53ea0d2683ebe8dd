package flashscript

import (
	"encoding/binary"
	"fmt"
	"strings"

	"flashjournal/flash"
	"flashjournal/journal"
)

// OpCode selects what a script step does.
type OpCode uint8

const (
	OpWrite        OpCode = 0x00
	OpOverwrite    OpCode = 0x01
	OpErase        OpCode = 0x02
	OpPartialErase OpCode = 0x03
	OpInitJournal  OpCode = 0x04
	// OpEmpty terminates a script. Erased flash decodes as OpEmpty.
	OpEmpty OpCode = 0x0F
)

var opNames = map[OpCode]string{
	OpWrite:        "write",
	OpOverwrite:    "overwrite",
	OpErase:        "erase",
	OpPartialErase: "partial_erase",
	OpInitJournal:  "init_journal",
	OpEmpty:        "empty",
}

func (op OpCode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("op(0x%X)", uint8(op))
}

// Valid reports whether op is a known opcode.
func (op OpCode) Valid() bool {
	_, ok := opNames[op]
	return ok
}

// ParseOpCode accepts the names printed by String, with '-' or '_'.
func ParseOpCode(s string) (OpCode, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for op, n := range opNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown op %q", s)
}

// DeviceID names a storage device.
type DeviceID uint8

const (
	DeviceInternal DeviceID = 0
	DeviceSDCard   DeviceID = 1
)

func (d DeviceID) String() string {
	switch d {
	case DeviceInternal:
		return "internal"
	case DeviceSDCard:
		return "sd"
	}
	return fmt.Sprintf("device(%d)", uint8(d))
}

// ParseDeviceID accepts "internal", "sd" and "sdcard".
func ParseDeviceID(s string) (DeviceID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "internal", "flash":
		return DeviceInternal, nil
	case "sd", "sdcard", "sd_card":
		return DeviceSDCard, nil
	}
	return 0, fmt.Errorf("unknown device %q", s)
}

const (
	// EntrySize is the encoded size of an Entry.
	EntrySize = 12
	// MaxLength is the largest step length the encoding carries.
	MaxLength = 1<<24 - 1
	// StagingSize is the size of the RAM window a new script is staged in:
	// a record header and nine entries.
	StagingSize = journal.HeaderSize + 9*EntrySize
	// MaxEntries is the most entries, Empty included, a script record holds.
	MaxEntries = (255 - journal.HeaderSize) / EntrySize
)

// Entry is one script step.
//
// On flash an entry is three little-endian words:
//
//	word0 = op | from<<4 | to<<6 | length<<8
//	word1 = fromAddr
//	word2 = toAddr
type Entry struct {
	Op       OpCode
	From     DeviceID
	To       DeviceID
	Length   uint32
	FromAddr flash.Addr
	ToAddr   flash.Addr
}

func (e Entry) String() string {
	if e.Op == OpEmpty {
		return "empty"
	}
	return fmt.Sprintf("%s %s:%s -> %s:%s len=%d", e.Op, e.From, e.FromAddr, e.To, e.ToAddr, e.Length)
}

// Encode writes the entry into b, which must hold EntrySize bytes.
func (e Entry) Encode(b []byte) error {
	if len(b) < EntrySize {
		return fmt.Errorf("%w: entry buffer of %d bytes", ErrInvalidScript, len(b))
	}
	if e.Op > 0x0F || e.From > 3 || e.To > 3 || e.Length > MaxLength {
		return fmt.Errorf("%w: entry %v does not fit the encoding", ErrInvalidScript, e)
	}
	w0 := uint32(e.Op) | uint32(e.From)<<4 | uint32(e.To)<<6 | e.Length<<8
	binary.LittleEndian.PutUint32(b[0:], w0)
	binary.LittleEndian.PutUint32(b[4:], uint32(e.FromAddr))
	binary.LittleEndian.PutUint32(b[8:], uint32(e.ToAddr))
	return nil
}

// DecodeEntry decodes the first EntrySize bytes of b.
func DecodeEntry(b []byte) Entry {
	w0 := binary.LittleEndian.Uint32(b[0:])
	return Entry{
		Op:       OpCode(w0 & 0x0F),
		From:     DeviceID(w0 >> 4 & 0x03),
		To:       DeviceID(w0 >> 6 & 0x03),
		Length:   w0 >> 8,
		FromAddr: flash.Addr(binary.LittleEndian.Uint32(b[4:])),
		ToAddr:   flash.Addr(binary.LittleEndian.Uint32(b[8:])),
	}
}

// Script is an ordered list of steps terminated by one OpEmpty entry.
type Script []Entry

// Validate checks that the script is well formed: known opcodes, exactly
// one Empty at the end, and InitJournal only as the first step.
func (s Script) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: no entries", ErrInvalidScript)
	}
	if len(s) > MaxEntries {
		return fmt.Errorf("%w: %d entries, at most %d", ErrInvalidScript, len(s), MaxEntries)
	}
	for i, e := range s {
		switch {
		case !e.Op.Valid():
			return fmt.Errorf("%w: step %d: %w", ErrInvalidScript, i, &UnsupportedOpCodeError{Op: e.Op})
		case e.Op == OpEmpty && i != len(s)-1:
			return fmt.Errorf("%w: empty entry at step %d before the end", ErrInvalidScript, i)
		case e.Op == OpInitJournal && i != 0:
			return fmt.Errorf("%w: init_journal at step %d is not the first step", ErrInvalidScript, i)
		}
	}
	if s[len(s)-1].Op != OpEmpty {
		return fmt.Errorf("%w: missing terminating empty entry", ErrInvalidScript)
	}
	return nil
}

// Encode returns the script as a journal script record.
func (s Script) Encode() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, journal.HeaderSize+EntrySize*len(s))
	b[0] = byte(journal.KindScript)
	b[1] = uint8(len(b))
	for i, e := range s {
		if err := e.Encode(b[journal.HeaderSize+i*EntrySize:]); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return b, nil
}

// DecodeScript decodes a journal script record. rec may be longer than the
// record; trailing bytes are ignored.
func DecodeScript(rec []byte) (Script, error) {
	if len(rec) < journal.HeaderSize || journal.Kind(rec[0]) != journal.KindScript {
		return nil, fmt.Errorf("%w: not a script record", ErrInvalidScript)
	}
	n := int(rec[1])
	if n > len(rec) || n < journal.HeaderSize+EntrySize || (n-journal.HeaderSize)%EntrySize != 0 {
		return nil, fmt.Errorf("%w: record length %d", ErrInvalidScript, n)
	}
	s := make(Script, 0, (n-journal.HeaderSize)/EntrySize)
	for off := journal.HeaderSize; off < n; off += EntrySize {
		s = append(s, DecodeEntry(rec[off:]))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
