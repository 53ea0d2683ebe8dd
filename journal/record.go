// Package journal reads the append-only record log that makes flash script
// execution resumable.
//
// The journal occupies a fixed flash window. Its first record is the MBR,
// which describes the flash geometry and the window size, and an identical
// copy of the MBR closes the window. Between them, records are laid out
// back to back, each starting on a page boundary:
//
//	tag:u8 length:u8 value[length-2]
//
// The length includes the two header bytes. A tag that still reads as erased
// flash marks the first free slot. Writing is left to the caller; the journal
// only answers where the next record may go.
package journal

import (
	"errors"
	"fmt"

	"flashjournal/flash"
)

// Kind is the tag byte of a record.
type Kind uint8

const (
	KindMBR    Kind = 0x01
	KindScript Kind = 0x02
	KindCommit Kind = 0x03
	KindFree   Kind = Kind(flash.Erased)
)

func (k Kind) String() string {
	switch k {
	case KindMBR:
		return "mbr"
	case KindScript:
		return "script"
	case KindCommit:
		return "commit"
	case KindFree:
		return "free"
	}
	return fmt.Sprintf("kind(0x%02X)", uint8(k))
}

// HeaderSize is the size of the tag and length bytes.
const HeaderSize = 2

// CommitSize is the length of a commit record.
const CommitSize = 3

var (
	ErrNotInitialized = errors.New("journal not initialized")
	ErrCorrupt        = errors.New("journal corrupt")
	ErrFull           = errors.New("journal full")
)

// CorruptError locates a malformed record.
type CorruptError struct {
	Addr   flash.Addr
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("journal corrupt at %s: %s", e.Addr, e.Reason)
}

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

func corrupt(addr flash.Addr, format string, args ...any) error {
	return &CorruptError{Addr: addr, Reason: fmt.Sprintf(format, args...)}
}

// Record is a record header as found in flash.
type Record struct {
	Addr   flash.Addr
	Kind   Kind
	Length uint8
	// Torn marks a record whose write was interrupted before its tag.
	Torn bool
}

// Free reports whether the record is the first free slot.
func (r Record) Free() bool { return r.Kind == KindFree && !r.Torn }

// ValueAddr returns the address of the first byte after the header.
func (r Record) ValueAddr() flash.Addr { return r.Addr + HeaderSize }

func (r Record) String() string {
	if r.Free() {
		return fmt.Sprintf("%s free", r.Addr)
	}
	if r.Torn {
		return fmt.Sprintf("%s torn len=%d", r.Addr, r.Length)
	}
	return fmt.Sprintf("%s %s len=%d", r.Addr, r.Kind, r.Length)
}

// CommitRecord returns the record acknowledging a completed step with op.
func CommitRecord(op uint8) []byte {
	return []byte{byte(KindCommit), CommitSize, op}
}
