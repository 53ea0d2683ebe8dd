package flashscript

import (
	"errors"
	"fmt"

	"flashjournal/flash"
	"flashjournal/journal"
)

var (
	ErrAlignment             = errors.New("destination not page aligned")
	ErrOverwriteConflict     = errors.New("overwrite would need an erase")
	ErrDeviceRead            = errors.New("device read failed")
	ErrDeviceWrite           = errors.New("device write failed")
	ErrDeviceErase           = errors.New("device erase failed")
	ErrUnsupportedOpCode     = errors.New("unsupported opcode")
	ErrGeometryTableOverflow = errors.New("too many distinct sector sizes")
	ErrJournalCorrupt        = journal.ErrCorrupt
	ErrUnknownDevice         = errors.New("unknown device")
	ErrUnsupportedDevice     = errors.New("device does not support the operation")
	ErrAddressRange          = errors.New("address outside the device")
	ErrGeometry              = errors.New("invalid device geometry")
	ErrInvalidScript         = errors.New("invalid script")
	ErrInvalidPayload        = errors.New("invalid init_journal payload")
)

// AlignmentError reports a destination that is not page aligned.
type AlignmentError struct {
	Addr flash.Addr
	Page uint32
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("destination %s not aligned to page size %d", e.Addr, e.Page)
}

func (e *AlignmentError) Is(target error) bool { return target == ErrAlignment }

// OverwriteConflictError reports the first destination byte holding a zero
// bit where the data has a one.
type OverwriteConflictError struct {
	Addr flash.Addr
	Have byte
	Want byte
}

func (e *OverwriteConflictError) Error() string {
	return fmt.Sprintf("cannot overwrite 0x%02X with 0x%02X at %s without erase", e.Have, e.Want, e.Addr)
}

func (e *OverwriteConflictError) Is(target error) bool { return target == ErrOverwriteConflict }

// IO operations reported by DeviceError.
const (
	IORead  = "read"
	IOWrite = "write"
	IOErase = "erase"
)

// DeviceError wraps a failure of the underlying storage.
type DeviceError struct {
	Op     string
	Device DeviceID
	Addr   flash.Addr
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s %s at %s: %v", e.Device, e.Op, e.Addr, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrDeviceRead:
		return e.Op == IORead
	case ErrDeviceWrite:
		return e.Op == IOWrite
	case ErrDeviceErase:
		return e.Op == IOErase
	}
	return false
}

// UnsupportedOpCodeError reports an opcode the engine cannot dispatch.
type UnsupportedOpCodeError struct {
	Op OpCode
}

func (e *UnsupportedOpCodeError) Error() string {
	return fmt.Sprintf("unsupported opcode 0x%X", uint8(e.Op))
}

func (e *UnsupportedOpCodeError) Is(target error) bool { return target == ErrUnsupportedOpCode }

// GeometryTableOverflowError reports a sector size that did not fit in the
// sector table.
type GeometryTableOverflowError struct {
	Size     uint32
	Capacity int
}

func (e *GeometryTableOverflowError) Error() string {
	return fmt.Sprintf("sector size %d does not fit: table holds %d distinct sizes", e.Size, e.Capacity)
}

func (e *GeometryTableOverflowError) Is(target error) bool { return target == ErrGeometryTableOverflow }

// StepError is returned by Execute for the step that halted the script.
// No commit record exists for that step.
type StepError struct {
	Index int
	Addr  flash.Addr
	Entry Entry
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%v) at %s: %v", e.Index, e.Entry, e.Addr, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
