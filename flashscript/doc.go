// Package flashscript executes flash scripts: short sequences of write,
// overwrite and erase steps applied to raw flash so that a power loss at any
// point can be recovered from.
//
// A script is first copied into the journal, then run step by step. Every
// completed step is acknowledged with a commit record before the next one
// starts, so after a reset FindUnfinished can locate the first step without
// a commit and Execute can resume from there. Steps are idempotent: a step
// that was interrupted, or that completed without its commit reaching
// flash, runs again with the same result.
//
// Typical boot flow:
//
//	reg := &flashscript.Registry{
//	    Internal: &flashscript.Internal{Flash: dev, RAMBase: 0x20000000, RAM: ram},
//	    SD:       card,
//	}
//	eng, err := flashscript.New(reg, flashscript.WithJournalBase(0x08004000))
//	if err != nil {
//	    return err
//	}
//	action, err := eng.Boot(ram[:flashscript.StagingSize])
//
// Write, Overwrite and the erase steps go through the engine's planner and
// writer. Write erases a destination sector whenever its contents differ,
// including the bytes of that sector in front of the destination, so Write
// destinations belong on sector boundaries. Overwrite never erases and fails
// with ErrOverwriteConflict when the destination cannot be reached by
// clearing bits only. Cells of the last page past Length are not checked.
package flashscript
