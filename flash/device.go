// Package flash models NOR-style flash devices: the capability contract the
// flash script engine drives, sector layouts with non-uniform sector sizes,
// an in-memory simulator, a file or block device backed image and a fault
// injector that simulates power loss.
package flash

import (
	"bytes"
	"errors"
)

// Erased is the value every byte of a sector holds after an erase.
const Erased byte = 0xFF

var (
	// ErrOutOfRange is returned for accesses outside the device.
	ErrOutOfRange = errors.New("address out of range")
	// ErrUnaligned is returned when a program or erase violates device granularity.
	ErrUnaligned = errors.New("unaligned access")
	// ErrAddressOverflow is returned when address arithmetic leaves the 32-bit space.
	ErrAddressOverflow = errors.New("address overflow")
	// ErrPowerLoss is returned by PowerCut once its budget is spent.
	ErrPowerLoss = errors.New("power lost")
	// ErrLocked is returned when an image is already opened by another process.
	ErrLocked = errors.New("image is locked")
)

// Geometry answers layout questions about a device.
// SectorSize returns 0 for addresses outside the device.
type Geometry interface {
	SectorSize(addr Addr) uint32
	PageSize() uint32
	FlashStart() Addr
	FlashSize() uint32
}

// Device is the raw capability set of a flash device.
//
// Program only clears bits (NOR semantics); the address and length must be
// page aligned. EraseSector takes the first address of a sector and sets the
// whole sector to Erased.
type Device interface {
	Geometry
	Init() error
	ReadAt(p []byte, addr Addr) error
	Program(p []byte, addr Addr) error
	EraseSector(addr Addr) error
}

// Syncer is implemented by devices with a durable backing store.
type Syncer interface {
	Sync() error
}

// IsBlank reports whether every byte of p is Erased.
func IsBlank(p []byte) bool {
	for _, b := range p {
		if b != Erased {
			return false
		}
	}
	return true
}

// Fill sets every byte of p to Erased.
func Fill(p []byte) {
	for i := range p {
		p[i] = Erased
	}
}

// DeviceSpan returns the address range covered by a device.
func DeviceSpan(g Geometry) Span {
	return Span{Start: g.FlashStart(), Len: g.FlashSize()}
}

// Equal reports whether the device holds exactly p at addr.
func Equal(d Device, p []byte, addr Addr) (bool, error) {
	buf := make([]byte, len(p))
	if err := d.ReadAt(buf, addr); err != nil {
		return false, err
	}
	return bytes.Equal(buf, p), nil
}
