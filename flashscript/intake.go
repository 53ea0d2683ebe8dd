package flashscript

import (
	"errors"
	"fmt"

	"flashjournal/flash"
	"flashjournal/journal"
)

// Submit copies the script staged in staging into the journal and runs it.
// An InitJournal first step resets the journal before the copy. The staging
// slice is zeroed once the script is in the journal.
func (en *Engine) Submit(staging []byte) error {
	if len(staging) < journal.HeaderSize || journal.Kind(staging[0]) != journal.KindScript {
		return fmt.Errorf("%w: staging area holds no script", ErrInvalidScript)
	}
	n := int(staging[1])
	if n > len(staging) {
		return fmt.Errorf("%w: record of %d bytes in a %d byte staging area", ErrInvalidScript, n, len(staging))
	}
	script, err := DecodeScript(staging[:n])
	if err != nil {
		return err
	}

	en.step = 0
	if first := script[0]; first.Op == OpInitJournal {
		b, err := en.reg.Bind(first)
		if err != nil {
			return &StepError{Index: 0, Entry: first, Err: err}
		}
		if err := en.initJournal(b, first); err != nil {
			return &StepError{Index: 0, Entry: first, Err: err}
		}
	}

	addr, err := en.store(staging[:n])
	if err != nil {
		return fmt.Errorf("store script: %w", err)
	}
	clear(staging)
	en.log.Info("script stored", "addr", addr, "steps", len(script)-1)
	return en.Execute(addr + journal.HeaderSize)
}

// store writes rec into the next free journal slot and returns its address.
// The tag byte is programmed last, so a copy cut short never reads as a
// script. The journal walk steps over such a torn slot and the next copy
// goes behind it.
func (en *Engine) store(rec []byte) (flash.Addr, error) {
	jl, err := en.Journal()
	if err != nil {
		return 0, err
	}
	page := jl.PageSize()
	addr, err := jl.Reserve(uint32(len(rec)))
	if err != nil {
		return 0, err
	}
	body := make([]byte, flash.RoundUp(uint32(len(rec)), page))
	flash.Fill(body)
	copy(body, rec)
	body[0] = flash.Erased
	if err := en.writeInternal(body, addr); err != nil {
		return 0, err
	}
	head := body[:min(int(page), len(body))]
	head[0] = rec[0]
	if err := en.writeInternal(head, addr); err != nil {
		return 0, err
	}
	return addr, en.flash.sync()
}

// BootAction reports what Boot did.
type BootAction int

const (
	BootIdle BootAction = iota
	BootResumed
	BootSubmitted
)

func (a BootAction) String() string {
	switch a {
	case BootResumed:
		return "resumed"
	case BootSubmitted:
		return "submitted"
	}
	return "idle"
}

// Boot is the bootloader entry: finish an interrupted script if there is
// one, otherwise run the script waiting in staging, if any.
//
// A journal that fails its integrity checks is only tolerated when the
// staged script starts with InitJournal, which rebuilds it.
func (en *Engine) Boot(staging []byte) (BootAction, error) {
	addr, ok, err := en.FindUnfinished()
	switch {
	case err != nil && errors.Is(err, ErrJournalCorrupt) && stagesInit(staging):
		en.log.Warn("journal corrupt, staged script reinitializes it", "err", err)
	case err != nil:
		return BootIdle, err
	case ok:
		return BootResumed, en.Execute(addr)
	}
	if len(staging) == 0 || journal.Kind(staging[0]) != journal.KindScript {
		en.log.Info("nothing to do")
		return BootIdle, nil
	}
	return BootSubmitted, en.Submit(staging)
}

func stagesInit(staging []byte) bool {
	if len(staging) < journal.HeaderSize+EntrySize || journal.Kind(staging[0]) != journal.KindScript {
		return false
	}
	return DecodeEntry(staging[journal.HeaderSize:]).Op == OpInitJournal
}
