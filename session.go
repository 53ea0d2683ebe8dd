package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"flashjournal/extstore"
	"flashjournal/flash"
	"flashjournal/flashscript"
	"flashjournal/journal"
	"flashjournal/profile"
)

// session is one command's view of a board: its profile, the opened flash
// image, the optional SD card and the logger tagged with a run id.
type session struct {
	cmd   *cobra.Command
	out   io.Writer
	board *profile.Board
	img   *flash.Image
	dev   flash.Device
	cut   *flash.PowerCut
	sd    *extstore.Device
	log   *slog.Logger
	view  *view

	closers []io.Closer
}

func openSession(cmd *cobra.Command, gf *globalFlags, rf *runFlags) (*session, error) {
	s := &session{cmd: cmd, out: cmd.OutOrStdout()}
	opened := false
	defer func() {
		if !opened {
			s.Close()
		}
	}()

	wantUI := rf.ui && isTerminal(os.Stdout)
	var logw io.Writer = cmd.ErrOrStderr()
	switch {
	case gf.logFile != "":
		f, err := os.OpenFile(gf.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		s.closers = append(s.closers, f)
		logw = f
	case wantUI:
		// The screen owns the terminal.
		logw = io.Discard
	}
	log, err := newLogger(logw, gf.logLevel, gf.logJSON)
	if err != nil {
		return nil, err
	}
	s.log = log.With("run", uuid.NewString())

	if s.board, err = profile.LoadBoard(rf.profilePath); err != nil {
		return nil, err
	}
	b := s.board
	if s.img, err = flash.OpenImage(rf.imagePath, b.FlashStart, b.PageSize, b.Layout()); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.img)

	if rf.sdPath != "" {
		timeout := rf.readTimeout
		if timeout <= 0 {
			timeout = extstore.DefaultTimeout
		}
		if s.sd, err = extstore.Open(rf.sdPath, extstore.WithTimeout(timeout), extstore.WithLogger(s.log)); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.sd)
	}

	if s.view, err = newView(s.out, s.img, wantUI); err != nil {
		return nil, err
	}

	s.dev = s.img
	if rf.powerCut >= 0 {
		s.cut = flash.NewPowerCut(s.img, rf.powerCut)
		s.dev = s.cut
		s.log.Warn("power cut armed", "after_ops", rf.powerCut)
	}
	s.dev = &stopDevice{Device: s.dev, stopped: s.stopped}

	s.log.Info("session opened", "board", b.Name, "image", rf.imagePath, "sd", rf.sdPath, "journal", b.Journal().String())
	opened = true
	return s, nil
}

// stopped reports whether the user or a signal asked the run to stop.
func (s *session) stopped() bool {
	if ctx := s.cmd.Context(); ctx != nil && ctx.Err() != nil {
		return true
	}
	return s.view.stopped()
}

func (s *session) Close() {
	if s.view != nil {
		s.view.close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && s.log != nil {
			s.log.Warn("close failed", "err", err)
		}
	}
	s.closers = nil
}

// engine builds an engine over the session's devices with ram as the
// internal RAM window.
func (s *session) engine(ram []byte) (*flashscript.Engine, error) {
	b := s.board
	reg := &flashscript.Registry{
		Internal: &flashscript.Internal{Flash: s.dev, RAMBase: b.RAMBase, RAM: ram},
	}
	if s.sd != nil {
		reg.SD = s.sd
	}
	return flashscript.New(reg,
		flashscript.WithLogger(s.log),
		flashscript.WithBufferSize(b.BufferSize),
		flashscript.WithJournalBase(b.JournalBase),
		flashscript.WithProgress(s.view.event),
	)
}

// apply runs the board's boot flow with sf staged in RAM.
func (s *session) apply(sf *profile.ScriptFile, path string) error {
	staged, err := sf.Stage(s.board)
	if err != nil {
		return err
	}
	eng, err := s.engine(staged.RAM)
	if err != nil {
		return err
	}
	s.view.begin(s.board, "APPLY "+path, len(staged.Script)-1)
	action, err := eng.Boot(staged.Staging())
	s.view.end(err)
	if err != nil {
		return s.runError(err)
	}
	switch action {
	case flashscript.BootResumed:
		fmt.Fprintf(s.out, "Resumed an unfinished script; %s was not run. Apply it again to run it.\n", path)
	case flashscript.BootSubmitted:
		fmt.Fprintf(s.out, "Applied %s (%d steps)\n", path, len(staged.Script)-1)
	default:
		fmt.Fprintln(s.out, "Nothing to do")
	}
	return nil
}

// resume finishes an interrupted script without staging a new one.
func (s *session) resume() error {
	eng, err := s.engine(make([]byte, s.board.RAMSize))
	if err != nil {
		return err
	}
	addr, ok, err := eng.FindUnfinished()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(s.out, "Nothing to resume")
		return nil
	}
	s.view.begin(s.board, "RESUME", s.scriptSteps(eng, addr))
	err = eng.Execute(addr)
	s.view.end(err)
	if err != nil {
		return s.runError(err)
	}
	fmt.Fprintf(s.out, "Resumed script at %s\n", addr)
	return nil
}

// scriptSteps returns the number of steps of the script holding addr, or 0
// when it cannot be found.
func (s *session) scriptSteps(eng *flashscript.Engine, addr flash.Addr) int {
	jl, err := eng.Journal()
	if err != nil {
		return 0
	}
	rec, ok, err := jl.LastOfKind(journal.KindScript)
	if err != nil || !ok || addr < rec.ValueAddr() {
		return 0
	}
	return (int(rec.Length)-journal.HeaderSize)/flashscript.EntrySize - 1
}

func (s *session) runError(err error) error {
	switch {
	case s.cut != nil && s.cut.Tripped():
		fmt.Fprintln(s.out, "Power cut. Run resume or apply again to finish the script.")
		return fmt.Errorf("simulated power loss: %w", err)
	case errors.Is(err, errInterrupted):
		fmt.Fprintln(s.out, "Stopped. Run resume or apply again to finish the script.")
	}
	return err
}

// stopDevice fails program and erase calls once a stop was requested, so a
// run ends at the next flash operation and stays resumable.
type stopDevice struct {
	flash.Device
	stopped func() bool
}

func (d *stopDevice) Program(p []byte, addr flash.Addr) error {
	if d.stopped() {
		return errInterrupted
	}
	return d.Device.Program(p, addr)
}

func (d *stopDevice) EraseSector(addr flash.Addr) error {
	if d.stopped() {
		return errInterrupted
	}
	return d.Device.EraseSector(addr)
}

func (d *stopDevice) Sync() error {
	if sy, ok := d.Device.(flash.Syncer); ok {
		return sy.Sync()
	}
	return nil
}
