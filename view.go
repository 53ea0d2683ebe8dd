package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"flashjournal/flash"
	"flashjournal/flashscript"
	"flashjournal/profile"
	"flashjournal/retrodfrg"
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// view turns engine events into either the fullscreen sector map or plain
// progress lines.
type view struct {
	out  io.Writer
	img  *flash.Image
	ui   *retrodfrg.UI
	smap *retrodfrg.SectorMap
	prog retrodfrg.Progress
}

func newView(out io.Writer, img *flash.Image, fullscreen bool) (*view, error) {
	v := &view{out: out, img: img, smap: retrodfrg.NewSectorMap(img.Layout().Sectors())}
	if !fullscreen {
		return v, nil
	}
	ui, err := retrodfrg.NewUI()
	if err != nil {
		return nil, fmt.Errorf("ui init: %w", err)
	}
	v.ui = ui
	return v, nil
}

func (v *view) begin(b *profile.Board, title string, steps int) {
	v.prog = retrodfrg.Progress{Steps: steps, Started: time.Now()}
	v.mark(b.JournalBase, b.JournalSize, retrodfrg.Journal)
	if v.ui == nil {
		return
	}
	name := b.Name
	if name == "" {
		name = "board"
	}
	v.ui.SetTitle(fmt.Sprintf("%s – %s", title, name))
	v.ui.SetSummaryLines([]string{
		fmt.Sprintf("Flash: %s  %d sectors  page %d", b.FlashStart, v.smap.Len(), b.PageSize),
		fmt.Sprintf("Journal: %s  Staging: %s", b.Journal(), b.Staging()),
	})
	v.ui.SetLegend([]string{"Legend:  " + retrodfrg.Legend() + " | Q to stop"})
	v.ui.SetSectorMap(v.smap)
	v.ui.SetPhases([]string{"Journal", "Steps", "Done"})
	v.ui.SetStatusLines(retrodfrg.StatusLines(v.prog, time.Now()))
	v.ui.LayoutAndDraw()
}

// mark sets the state of every sector touching [addr, addr+n).
func (v *view) mark(addr flash.Addr, n uint32, st retrodfrg.State) {
	end := uint64(addr) + uint64(max(n, 1))
	for a := uint64(addr); a < end; {
		i, ok := v.img.SectorIndex(flash.Addr(a))
		if !ok {
			return
		}
		v.smap.Mark(i, st)
		start, err := flashscript.SectorStart(v.img, flash.Addr(a))
		if err != nil {
			return
		}
		a = uint64(start) + uint64(v.img.SectorSize(start))
	}
}

func (v *view) event(ev flashscript.Event) {
	switch ev.Kind {
	case flashscript.EventStep:
		v.prog.Step = ev.Step + 1
		v.prog.CurrentOp = ev.Entry.String()
		if v.ui == nil {
			fmt.Fprintf(v.out, "step %d/%d: %s\n", v.prog.Step, v.prog.Steps, ev.Entry)
		} else if ev.Step > 0 || ev.Entry.Op != flashscript.OpInitJournal {
			v.ui.SetPhaseDone("Journal")
		}
	case flashscript.EventErase:
		v.prog.Erases++
		v.mark(ev.Addr, ev.Len, retrodfrg.Erased)
	case flashscript.EventProgram:
		v.prog.Bytes += int64(ev.Len)
		v.mark(ev.Addr, ev.Len, retrodfrg.Programmed)
	case flashscript.EventEqual:
		v.mark(ev.Addr, ev.Len, retrodfrg.Equal)
	case flashscript.EventJournal:
		v.mark(ev.Addr, ev.Len, retrodfrg.Journal)
		if v.ui != nil {
			v.ui.SetPhaseDone("Journal")
		}
	case flashscript.EventDone:
		v.prog.CurrentOp = "done"
		if v.ui != nil {
			v.ui.SetPhaseDone("Journal")
			v.ui.SetPhaseDone("Steps")
			v.ui.SetPhaseDone("Done")
		}
	}
	if v.ui != nil {
		v.ui.SetStatusLines(retrodfrg.StatusLines(v.prog, time.Now()))
		v.ui.Refresh()
	}
}

// end draws the final state and, on the fullscreen view, leaves it up for
// a moment or until a key is pressed.
func (v *view) end(err error) {
	if v.ui == nil {
		return
	}
	if err != nil {
		v.prog.CurrentOp = "FAILED: " + err.Error()
	}
	v.ui.SetStatusLines(retrodfrg.StatusLines(v.prog, time.Now()))
	v.ui.LayoutAndDraw()
	_ = retrodfrg.WaitWithStop(v.ui, 2*time.Second)
}

func (v *view) stopped() bool {
	return v.ui != nil && v.ui.IsStopped()
}

func (v *view) close() {
	if v.ui != nil {
		v.ui.Close()
	}
}
