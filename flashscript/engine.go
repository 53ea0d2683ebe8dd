package flashscript

import (
	"errors"
	"fmt"
	"log/slog"

	"flashjournal/flash"
	"flashjournal/journal"
)

// Engine executes flash scripts against the devices of a Registry. It keeps
// working buffers and must not be used by more than one goroutine at a time.
type Engine struct {
	reg   *Registry
	cfg   Config
	log   *slog.Logger
	flash flashTarget
	buf   []byte
	dst   []byte
	jrnl  *journal.Log
	step  int
}

// New returns an engine driving reg.
func New(reg *Registry, opts ...Option) (*Engine, error) {
	if reg == nil || reg.Internal == nil || reg.Internal.Flash == nil {
		return nil, errors.New("flashscript: registry needs an internal flash device")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.journalBaseSet {
		cfg.JournalBase = reg.Internal.Flash.FlashStart()
	}
	return &Engine{
		reg:   reg,
		cfg:   cfg,
		log:   cfg.Logger,
		flash: flashTarget{reg.Internal.Flash},
		buf:   make([]byte, cfg.BufferSize),
		dst:   make([]byte, cfg.BufferSize),
	}, nil
}

// JournalBase returns the configured journal address.
func (en *Engine) JournalBase() flash.Addr { return en.cfg.JournalBase }

// Journal opens the journal on internal flash.
func (en *Engine) Journal() (*journal.Log, error) {
	if en.jrnl != nil {
		return en.jrnl, nil
	}
	if err := en.flash.Init(); err != nil {
		return nil, fmt.Errorf("init internal flash: %w", err)
	}
	l, err := journal.Open(en.flash, en.cfg.JournalBase)
	if err != nil {
		return nil, err
	}
	en.jrnl = l
	return l, nil
}

func (en *Engine) emit(ev Event) {
	ev.Step = en.step
	en.log.Debug(ev.Kind.String(), "step", ev.Step, "op", ev.Entry.Op, "addr", ev.Addr, "len", ev.Len)
	if en.cfg.Progress != nil {
		en.cfg.Progress(ev)
	}
}

// Execute runs the script held in the journal starting with the entry at
// from, which must lie inside a journal script record. Each completed step
// is followed by a commit record. Execute stops at the Empty entry or at the
// first failing step, which is reported as a *StepError.
func (en *Engine) Execute(from flash.Addr) error {
	jl, err := en.Journal()
	if err != nil {
		return err
	}
	rec, err := scriptContaining(jl, from)
	if err != nil {
		return err
	}
	first := int(from-rec.ValueAddr()) / EntrySize
	entries := (int(rec.Length) - journal.HeaderSize) / EntrySize
	en.log.Info("executing script", "script", rec.Addr, "from_step", first, "steps", entries-1)

	var raw [EntrySize]byte
	for i := first; i < entries; i++ {
		addr := rec.ValueAddr() + flash.Addr(i*EntrySize)
		en.step = i
		if err := en.flash.ReadAt(raw[:], addr); err != nil {
			return &StepError{Index: i, Addr: addr, Err: &DeviceError{Op: IORead, Addr: addr, Err: err}}
		}
		e := DecodeEntry(raw[:])
		if e.Op == OpEmpty {
			en.log.Info("script done", "script", rec.Addr, "steps", i)
			en.emit(Event{Kind: EventDone, Entry: e})
			return nil
		}
		if !e.Op.Valid() {
			return &StepError{Index: i, Addr: addr, Entry: e, Err: &UnsupportedOpCodeError{Op: e.Op}}
		}
		en.emit(Event{Kind: EventStep, Entry: e, Addr: e.ToAddr, Len: e.Length})
		if err := en.dispatch(e); err != nil {
			en.log.Error("step failed", "step", i, "entry", e.String(), "err", err)
			return &StepError{Index: i, Addr: addr, Entry: e, Err: err}
		}
		if err := en.commit(e); err != nil {
			return &StepError{Index: i, Addr: addr, Entry: e, Err: fmt.Errorf("commit: %w", err)}
		}
	}
	return fmt.Errorf("%w: script at %s has no terminating empty entry", ErrJournalCorrupt, rec.Addr)
}

// scriptContaining finds the script record whose entries include addr.
func scriptContaining(jl *journal.Log, addr flash.Addr) (journal.Record, error) {
	recs, err := jl.Records()
	if err != nil {
		return journal.Record{}, err
	}
	for _, r := range recs {
		if r.Kind != journal.KindScript {
			continue
		}
		end := r.Addr + flash.Addr(r.Length)
		if addr >= r.ValueAddr() && addr < end {
			if (addr-r.ValueAddr())%EntrySize != 0 {
				break
			}
			return r, nil
		}
	}
	return journal.Record{}, fmt.Errorf("%w: no script entry at %s", ErrInvalidScript, addr)
}

func (en *Engine) dispatch(e Entry) error {
	b, err := en.reg.Bind(e)
	if err != nil {
		return err
	}
	switch e.Op {
	case OpWrite, OpOverwrite:
		return en.program(b, e)
	case OpErase:
		return en.erase(b, e, false)
	case OpPartialErase:
		return en.erase(b, e, true)
	case OpInitJournal:
		// Already applied when the script was submitted.
		return nil
	}
	return &UnsupportedOpCodeError{Op: e.Op}
}

// commit appends the commit record for e and flushes the device.
func (en *Engine) commit(e Entry) error {
	jl, err := en.Journal()
	if err != nil {
		return err
	}
	rec := journal.CommitRecord(uint8(e.Op))
	addr, err := jl.Reserve(uint32(len(rec)))
	if err != nil {
		return err
	}
	if err := en.writeInternal(rec, addr); err != nil {
		return err
	}
	if err := en.flash.sync(); err != nil {
		return err
	}
	en.emit(Event{Kind: EventCommit, Entry: e, Addr: addr, Len: uint32(len(rec))})
	return nil
}

// writeInternal overwrites internal flash at addr with p, padded to a page.
func (en *Engine) writeInternal(p []byte, addr flash.Addr) error {
	e := Entry{Op: OpOverwrite, From: DeviceInternal, To: DeviceInternal, Length: uint32(len(p)), ToAddr: addr}
	return en.program(Binding{From: bufferSource(p), To: en.flash}, e)
}
