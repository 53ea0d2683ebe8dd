package main

import (
	"errors"
	"fmt"
	"io"

	"flashjournal/flash"
	"flashjournal/flashscript"
	"flashjournal/journal"
)

// dump prints the journal: its MBR, then every record with script entries
// expanded. The entry the recovery scan would resume from is marked.
func (s *session) dump(w io.Writer) error {
	jl, err := journal.Open(s.img, s.board.JournalBase)
	if errors.Is(err, journal.ErrNotInitialized) {
		fmt.Fprintf(w, "Journal at %s is not initialized\n", s.board.JournalBase)
		return nil
	}
	if err != nil {
		return err
	}

	eng, err := s.engine(make([]byte, s.board.RAMSize))
	if err != nil {
		return err
	}
	next, unfinished, err := eng.FindUnfinished()
	if err != nil {
		s.log.Warn("recovery scan failed", "err", err)
	}

	m := jl.MBR()
	fmt.Fprintf(w, "MBR at %s: %d bytes, journal %d bytes, write size %d\n", jl.Base(), m.Size, m.JournalSize, m.MinWriteSize)
	for _, r := range m.Table {
		fmt.Fprintf(w, "  %6d sectors of %d bytes\n", r.Count, r.Size)
	}
	fmt.Fprintf(w, "Log %s .. %s\n", jl.Start(), jl.End())

	recs, walkErr := jl.Records()
	for _, rec := range recs {
		if rec.Torn {
			fmt.Fprintf(w, "%s  %-6s len=%d\n", rec.Addr, "torn", rec.Length)
			continue
		}
		fmt.Fprintf(w, "%s  %-6s len=%d\n", rec.Addr, rec.Kind, rec.Length)
		v, err := jl.ReadValue(rec)
		if err != nil {
			return err
		}
		switch rec.Kind {
		case journal.KindScript:
			for i := 0; i+flashscript.EntrySize <= len(v); i += flashscript.EntrySize {
				addr := rec.ValueAddr() + flash.Addr(i)
				marker := ""
				if unfinished && addr == next {
					marker = "  <- next"
				}
				fmt.Fprintf(w, "    %2d %s%s\n", i/flashscript.EntrySize, flashscript.DecodeEntry(v[i:]), marker)
			}
		case journal.KindCommit:
			if len(v) > 0 {
				fmt.Fprintf(w, "    op %s\n", flashscript.OpCode(v[0]))
			}
		}
	}
	if walkErr != nil {
		fmt.Fprintf(w, "Damaged: %v\n", walkErr)
		return walkErr
	}
	if !unfinished {
		fmt.Fprintln(w, "No unfinished script")
	}
	return nil
}
