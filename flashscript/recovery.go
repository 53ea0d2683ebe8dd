package flashscript

import (
	"errors"

	"flashjournal/flash"
	"flashjournal/journal"
)

// FindUnfinished locates the first step of the most recent script that has
// no commit record. It returns false when there is nothing to resume: no
// journal, no script, or every step committed.
func (en *Engine) FindUnfinished() (flash.Addr, bool, error) {
	jl, err := en.Journal()
	if errors.Is(err, journal.ErrNotInitialized) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	rec, ok, err := jl.LastOfKind(journal.KindScript)
	if err != nil || !ok {
		return 0, false, err
	}
	value, err := jl.ReadValue(rec)
	if err != nil {
		return 0, false, err
	}

	cursor := rec
	for off := 0; off+EntrySize <= len(value); off += EntrySize {
		e := DecodeEntry(value[off:])
		if e.Op == OpEmpty {
			return 0, false, nil
		}
		next, err := jl.Next(cursor)
		if err != nil {
			return 0, false, err
		}
		if next.Free() {
			addr := rec.ValueAddr() + flash.Addr(off)
			en.log.Info("unfinished script", "script", rec.Addr, "step", off/EntrySize, "entry", e.String())
			return addr, true, nil
		}
		if next.Kind != journal.KindCommit {
			return 0, false, &journal.CorruptError{Addr: next.Addr, Reason: "expected commit for step, found " + next.Kind.String()}
		}
		ack, err := jl.ReadValue(next)
		if err != nil {
			return 0, false, err
		}
		if len(ack) != 1 || OpCode(ack[0]) != e.Op {
			return 0, false, &journal.CorruptError{Addr: next.Addr, Reason: "commit does not match step " + e.Op.String()}
		}
		cursor = next
	}
	return 0, false, &journal.CorruptError{Addr: rec.Addr, Reason: "script has no terminating empty entry"}
}
