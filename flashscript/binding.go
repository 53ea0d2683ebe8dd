package flashscript

import (
	"fmt"

	"flashjournal/flash"
)

// Storage is a readable address space.
type Storage interface {
	Init() error
	ReadAt(p []byte, addr flash.Addr) error
}

// Source is the read side of a step.
type Source interface {
	Init() error
	// Read fills p with step data starting off bytes past e.FromAddr.
	Read(e Entry, off uint32, p []byte) error
}

// Target is the write side of a step.
type Target interface {
	flash.Geometry
	Init() error
	ReadAt(p []byte, addr flash.Addr) error
	Program(p []byte, addr flash.Addr) error
	// Erase erases the sector starting at addr. Sectors that already read
	// as erased are left alone.
	Erase(addr flash.Addr) error
}

// Binding holds the capabilities resolved for one step.
type Binding struct {
	From Source
	To   Target
}

// Internal is the MCU address space: internal flash plus a RAM window.
type Internal struct {
	Flash   flash.Device
	RAMBase flash.Addr
	RAM     []byte
}

func (in *Internal) Init() error { return in.Flash.Init() }

func (in *Internal) ReadAt(p []byte, addr flash.Addr) error {
	ram := flash.Span{Start: in.RAMBase, Len: uint32(len(in.RAM))}
	if len(p) > 0 && ram.ContainsSpan(flash.Span{Start: addr, Len: uint32(len(p))}) {
		copy(p, in.RAM[addr-in.RAMBase:])
		return nil
	}
	return in.Flash.ReadAt(p, addr)
}

// Registry resolves device ids to capabilities. SD is nil when no card is
// attached.
type Registry struct {
	Internal *Internal
	SD       Storage
}

// Bind resolves the capabilities for e and initializes both sides.
func (r *Registry) Bind(e Entry) (Binding, error) {
	from, err := r.source(e.From)
	if err != nil {
		return Binding{}, fmt.Errorf("bind from: %w", err)
	}
	to, err := r.target(e.To)
	if err != nil {
		return Binding{}, fmt.Errorf("bind to: %w", err)
	}
	if err := from.Init(); err != nil {
		return Binding{}, fmt.Errorf("init %s: %w", e.From, err)
	}
	if err := to.Init(); err != nil {
		return Binding{}, fmt.Errorf("init %s: %w", e.To, err)
	}
	return Binding{From: from, To: to}, nil
}

func (r *Registry) source(id DeviceID) (Source, error) {
	switch id {
	case DeviceInternal:
		return addressSource{s: r.Internal, id: id}, nil
	case DeviceSDCard:
		if r.SD == nil {
			return nil, fmt.Errorf("%w: no sd card attached", ErrUnsupportedDevice)
		}
		return addressSource{s: r.SD, id: id}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
}

func (r *Registry) target(id DeviceID) (Target, error) {
	switch id {
	case DeviceInternal:
		return flashTarget{r.Internal.Flash}, nil
	case DeviceSDCard:
		return nil, fmt.Errorf("%w: sd card cannot be written", ErrUnsupportedDevice)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
}

// addressSource reads step data from FromAddr in a storage address space.
type addressSource struct {
	s  Storage
	id DeviceID
}

func (a addressSource) Init() error { return a.s.Init() }

func (a addressSource) Read(e Entry, off uint32, p []byte) error {
	addr, err := e.FromAddr.Add(off)
	if err != nil {
		return &DeviceError{Op: IORead, Device: a.id, Addr: e.FromAddr, Err: err}
	}
	if err := a.s.ReadAt(p, addr); err != nil {
		return &DeviceError{Op: IORead, Device: a.id, Addr: addr, Err: err}
	}
	return nil
}

// bufferSource serves data the engine builds itself: commit records, MBRs
// and staged scripts.
type bufferSource []byte

func (bufferSource) Init() error { return nil }

func (b bufferSource) Read(_ Entry, off uint32, p []byte) error {
	if uint64(off)+uint64(len(p)) > uint64(len(b)) {
		return &DeviceError{Op: IORead, Addr: flash.Addr(off), Err: flash.ErrOutOfRange}
	}
	copy(p, b[off:])
	return nil
}

// flashTarget drives a raw flash device.
type flashTarget struct {
	flash.Device
}

func (t flashTarget) Erase(addr flash.Addr) error {
	size := t.SectorSize(addr)
	if size == 0 {
		return fmt.Errorf("%w: %s", ErrAddressRange, addr)
	}
	blank, err := t.isBlank(addr, size)
	if err != nil {
		return err
	}
	if blank {
		return nil
	}
	return t.EraseSector(addr)
}

func (t flashTarget) isBlank(addr flash.Addr, size uint32) (bool, error) {
	var buf [256]byte
	for done := uint32(0); done < size; {
		n := min(size-done, uint32(len(buf)))
		if err := t.ReadAt(buf[:n], addr+flash.Addr(done)); err != nil {
			return false, err
		}
		if !flash.IsBlank(buf[:n]) {
			return false, nil
		}
		done += n
	}
	return true, nil
}

// sync flushes the device when it is durable.
func (t flashTarget) sync() error {
	if s, ok := t.Device.(flash.Syncer); ok {
		return s.Sync()
	}
	return nil
}
