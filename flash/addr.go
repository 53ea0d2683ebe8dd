package flash

import (
	"fmt"
	"math"
)

// Addr is an absolute address in a device's address space.
type Addr uint32

func (a Addr) String() string {
	return fmt.Sprintf("0x%08X", uint32(a))
}

// Add returns a+n, or ErrAddressOverflow if the result does not fit in 32 bits.
func (a Addr) Add(n uint32) (Addr, error) {
	s := uint64(a) + uint64(n)
	if s > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s + 0x%X", ErrAddressOverflow, a, n)
	}
	return Addr(s), nil
}

// Sub returns the distance a-b. It fails when b lies above a.
func (a Addr) Sub(b Addr) (uint32, error) {
	if b > a {
		return 0, fmt.Errorf("%w: %s - %s", ErrAddressOverflow, a, b)
	}
	return uint32(a - b), nil
}

// Span is a half-open address range [Start, Start+Len).
type Span struct {
	Start Addr
	Len   uint32
}

// End returns the first address past the span.
func (s Span) End() (Addr, error) {
	return s.Start.Add(s.Len)
}

// Contains reports whether a lies inside the span.
func (s Span) Contains(a Addr) bool {
	return a >= s.Start && uint64(a) < uint64(s.Start)+uint64(s.Len)
}

// ContainsSpan reports whether o lies entirely inside s.
func (s Span) ContainsSpan(o Span) bool {
	return o.Start >= s.Start && uint64(o.Start)+uint64(o.Len) <= uint64(s.Start)+uint64(s.Len)
}

func (s Span) String() string {
	return fmt.Sprintf("[%s, +0x%X)", s.Start, s.Len)
}

// RoundUp rounds n up to a multiple of align. align must be non-zero.
func RoundUp(n, align uint32) uint32 {
	return uint32((uint64(n) + uint64(align) - 1) / uint64(align) * uint64(align))
}

// RoundDown rounds n down to a multiple of align. align must be non-zero.
func RoundDown(n, align uint32) uint32 {
	return n / align * align
}

// IsAligned reports whether a is a multiple of align.
func IsAligned(a Addr, align uint32) bool {
	return align != 0 && uint32(a)%align == 0
}
