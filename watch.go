package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"flashjournal/profile"
)

// isScriptFile reports whether name looks like a script file.
func isScriptFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml", ".yaml", ".yml":
		return !strings.HasPrefix(filepath.Base(name), ".")
	}
	return false
}

// watch applies each script file written into dir. Changes to a file are
// debounced so a script is applied once it has been fully written. Scripts
// are applied one at a time, in the order they settle.
func (s *session) watch(ctx context.Context, dir string, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}
	s.log.Info("watching for scripts", "dir", dir)
	fmt.Fprintf(s.out, "Watching %s for scripts\n", dir)

	// Finish whatever an earlier run left behind before taking new work.
	if err := s.resume(); err != nil {
		return err
	}

	deb := newDebouncer(debounce)
	defer deb.stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("watch stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isScriptFile(ev.Name) {
				continue
			}
			deb.touch(ctx, ev.Name)

		case st := <-deb.ready:
			if !deb.settle(st) {
				continue
			}
			if err := s.applyFile(st.name); err != nil {
				if s.stopped() {
					return err
				}
				s.log.Error("apply failed", "script", st.name, "err", err)
				fmt.Fprintf(s.out, "%s: %v\n", filepath.Base(st.name), err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", "err", err)
		}
	}
}

// settled reports that the timer armed for name as number seq has fired.
type settled struct {
	name string
	seq  uint64
}

type armed struct {
	timer *time.Timer
	seq   uint64
}

// debouncer holds a file back until it has gone quiet for delay. Only the
// latest timer armed for a file counts; an older one that fired before it
// could be stopped is ignored by settle.
type debouncer struct {
	delay   time.Duration
	ready   chan settled
	pending map[string]armed
	seq     uint64
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay, ready: make(chan settled, 16), pending: make(map[string]armed)}
}

// touch (re)arms the timer for name.
func (d *debouncer) touch(ctx context.Context, name string) {
	if a, ok := d.pending[name]; ok {
		a.timer.Stop()
	}
	d.seq++
	st := settled{name: name, seq: d.seq}
	d.pending[name] = armed{seq: st.seq, timer: time.AfterFunc(d.delay, func() {
		select {
		case d.ready <- st:
		case <-ctx.Done():
		}
	})}
}

// settle reports whether st is the current timer for its file and, if so,
// forgets the file.
func (d *debouncer) settle(st settled) bool {
	a, ok := d.pending[st.name]
	if !ok || a.seq != st.seq {
		return false
	}
	delete(d.pending, st.name)
	return true
}

func (d *debouncer) stop() {
	for name, a := range d.pending {
		a.timer.Stop()
		delete(d.pending, name)
	}
}

// applyFile loads and applies one script file.
func (s *session) applyFile(path string) error {
	sf, err := profile.LoadScript(path)
	if err != nil {
		return err
	}
	s.log.Info("applying script", "script", path, "steps", len(sf.Steps))
	return s.apply(sf, path)
}
