package flash

import "fmt"

// PowerCut wraps a Device and fails every access after a fixed number of
// mutating operations, the way a board behaves when power is lost mid-run.
// An interrupted Program leaves a prefix of its pages programmed.
type PowerCut struct {
	Device
	remaining int
	tripped   bool
}

// NewPowerCut allows budget program or erase calls before power is lost.
// A negative budget never trips.
func NewPowerCut(d Device, budget int) *PowerCut {
	return &PowerCut{Device: d, remaining: budget}
}

// Tripped reports whether power has been cut.
func (p *PowerCut) Tripped() bool { return p.tripped }

func (p *PowerCut) spend() error {
	if p.tripped {
		return ErrPowerLoss
	}
	if p.remaining < 0 {
		return nil
	}
	if p.remaining == 0 {
		p.tripped = true
		return ErrPowerLoss
	}
	p.remaining--
	return nil
}

func (p *PowerCut) ReadAt(b []byte, addr Addr) error {
	if p.tripped {
		return ErrPowerLoss
	}
	return p.Device.ReadAt(b, addr)
}

func (p *PowerCut) Program(b []byte, addr Addr) error {
	if p.tripped {
		return ErrPowerLoss
	}
	if p.remaining == 0 {
		// Half of the pages make it to the array before the cut.
		page := p.PageSize()
		if n := RoundDown(uint32(len(b))/2, page); n > 0 {
			if err := p.Device.Program(b[:n], addr); err != nil {
				return err
			}
		}
	}
	if err := p.spend(); err != nil {
		return fmt.Errorf("program at %s: %w", addr, err)
	}
	return p.Device.Program(b, addr)
}

func (p *PowerCut) EraseSector(addr Addr) error {
	if err := p.spend(); err != nil {
		return fmt.Errorf("erase at %s: %w", addr, err)
	}
	return p.Device.EraseSector(addr)
}

// Sync forwards to the wrapped device when it is durable.
func (p *PowerCut) Sync() error {
	if s, ok := p.Device.(Syncer); ok {
		return s.Sync()
	}
	return nil
}
