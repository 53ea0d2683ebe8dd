// flashjournal.go
// Power-safe flash script runner for NOR flash images.
// Cobra CLI + tcell fullscreen sector map. One glyph per SECTOR.
//
// A board profile describes the flash layout, the journal window and the
// RAM staging area. Scripts are staged into RAM, copied into the on-flash
// journal and executed step by step; every finished step is committed so
// an interrupted run resumes where it stopped.
//
// Build:
//
//	go build -o flashjournal .
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flashjournal/extstore"
	"flashjournal/flash"
	"flashjournal/flashscript"
	"flashjournal/journal"
	"flashjournal/profile"
	"flashjournal/retrodfrg"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to process exit codes: 3 for a failed step, 4 for
// a damaged journal, 130 for an interrupted run, 2 otherwise.
func exitCode(err error) int {
	var se *flashscript.StepError
	switch {
	case errors.Is(err, errInterrupted):
		return 130
	case errors.Is(err, flashscript.ErrJournalCorrupt):
		return 4
	case errors.As(err, &se):
		return 3
	}
	return 2
}

var errInterrupted = errors.New("interrupted")

// globalFlags are shared by every command.
type globalFlags struct {
	logLevel string
	logJSON  bool
	logFile  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	must(err)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var gf globalFlags
	root := &cobra.Command{
		Use:           "flashjournal",
		Short:         "Power-safe flash script runner",
		Long:          "Stage, journal and execute flash scripts against NOR flash images, resuming interrupted runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&gf.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&gf.logJSON, "log-json", false, "log as JSON")
	root.PersistentFlags().StringVar(&gf.logFile, "log-file", "", "append logs to this file instead of stderr")

	root.AddCommand(
		newImageCmd(),
		newGeometryCmd(),
		newApplyCmd(&gf),
		newResumeCmd(&gf),
		newJournalCmd(&gf),
		newWatchCmd(&gf),
	)
	return root
}

func newImageCmd() *cobra.Command {
	imageCmd := &cobra.Command{
		Use:   "image",
		Short: "Flash image utilities",
	}

	var profilePath, out string
	var force bool
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a blank (erased) flash image for a board",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := profile.LoadBoard(profilePath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", out)
			}
			img, err := flash.CreateImage(out, b.FlashStart, b.PageSize, b.Layout())
			if err != nil {
				return err
			}
			if err := img.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s: %s of erased flash at %s (%d sectors)\n",
				out, retrodfrg.Human(int64(b.Layout().Total())), b.FlashStart, b.Layout().Sectors())
			return nil
		},
	}
	createCmd.Flags().StringVar(&profilePath, "profile", "", "board profile (TOML or YAML)")
	createCmd.Flags().StringVar(&out, "out", "", "image file to create")
	createCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing image")
	_ = createCmd.MarkFlagRequired("profile")
	_ = createCmd.MarkFlagRequired("out")

	imageCmd.AddCommand(createCmd)
	return imageCmd
}

func newGeometryCmd() *cobra.Command {
	var profilePath string
	cmd := &cobra.Command{
		Use:   "geometry",
		Short: "Show the sector layout, MBR table and journal window of a board",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := profile.LoadBoard(profilePath)
			if err != nil {
				return err
			}
			return printGeometry(cmd.OutOrStdout(), b)
		},
	}
	cmd.Flags().StringVar(&profilePath, "profile", "", "board profile (TOML or YAML)")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func printGeometry(w io.Writer, b *profile.Board) error {
	g := b.Geometry()
	var table flashscript.SectorTable
	n, err := flashscript.FillSectorSizeTable(g, &table)
	if err != nil {
		return err
	}
	mbr, err := flashscript.BuildMBR(g, uint16(b.JournalSize))
	if err != nil {
		return err
	}
	name := b.Name
	if name == "" {
		name = "<unnamed>"
	}
	fmt.Fprintf(w, "Board:      %s\n", name)
	fmt.Fprintf(w, "Flash:      %s  page %d  %s\n", flash.Span{Start: b.FlashStart, Len: g.FlashSize()}, b.PageSize, retrodfrg.Human(int64(g.FlashSize())))
	fmt.Fprintln(w, "Sectors:")
	addr := b.FlashStart
	for _, r := range b.Layout() {
		fmt.Fprintf(w, "  %s  %4d x %-8d\n", addr, r.Count, r.Size)
		addr += flash.Addr(uint64(r.Size) * uint64(r.Count))
	}
	fmt.Fprintf(w, "Size table: %d of %d slots\n", n, journal.MaxSectorTuples)
	for _, r := range table.Runs() {
		fmt.Fprintf(w, "  %6d sectors of %d bytes\n", r.Count, r.Size)
	}
	fmt.Fprintf(w, "Journal:    %s  MBR %d bytes, log %d bytes\n", b.Journal(), mbr.Size, b.JournalSize-2*uint32(mbr.Size))
	fmt.Fprintf(w, "Staging:    %s  payload at %s\n", b.Staging(), b.PayloadAddr())
	return nil
}

// runFlags are shared by apply, resume and watch.
type runFlags struct {
	profilePath string
	imagePath   string
	sdPath      string
	ui          bool
	powerCut    int
	readTimeout time.Duration
}

func (rf *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&rf.profilePath, "profile", "", "board profile (TOML or YAML)")
	cmd.Flags().StringVar(&rf.imagePath, "image", "", "flash image")
	cmd.Flags().StringVar(&rf.sdPath, "sd", "", "SD card image step data is read from")
	cmd.Flags().BoolVar(&rf.ui, "ui", false, "show the fullscreen sector map (terminals only)")
	cmd.Flags().IntVar(&rf.powerCut, "power-cut", -1, "simulate a power loss after N program/erase operations")
	cmd.Flags().DurationVar(&rf.readTimeout, "read-timeout", extstore.DefaultTimeout, "SD card read timeout")
	_ = cmd.MarkFlagRequired("profile")
	_ = cmd.MarkFlagRequired("image")
}

func newApplyCmd(gf *globalFlags) *cobra.Command {
	var rf runFlags
	var scriptPath string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Boot a board: resume an unfinished script, else run the given one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sf, err := profile.LoadScript(scriptPath)
			if err != nil {
				return err
			}
			s, err := openSession(cmd, gf, &rf)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.apply(sf, scriptPath)
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&scriptPath, "script", "", "script file (TOML or YAML)")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func newResumeCmd(gf *globalFlags) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Finish an interrupted script, if the journal holds one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, gf, &rf)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.resume()
		},
	}
	rf.register(cmd)
	return cmd
}

func newJournalCmd(gf *globalFlags) *cobra.Command {
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the on-flash journal",
	}
	var rf runFlags
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "List the MBR and every journal record, marking the unfinished step",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, gf, &rf)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.dump(cmd.OutOrStdout())
		},
	}
	dumpCmd.Flags().StringVar(&rf.profilePath, "profile", "", "board profile (TOML or YAML)")
	dumpCmd.Flags().StringVar(&rf.imagePath, "image", "", "flash image")
	_ = dumpCmd.MarkFlagRequired("profile")
	_ = dumpCmd.MarkFlagRequired("image")
	rf.powerCut = -1
	journalCmd.AddCommand(dumpCmd)
	return journalCmd
}

func newWatchCmd(gf *globalFlags) *cobra.Command {
	var rf runFlags
	var dir string
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply every script file dropped into a directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rf.ui {
				return errors.New("--ui is not supported with watch")
			}
			s, err := openSession(cmd, gf, &rf)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.watch(cmd.Context(), dir, debounce)
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&dir, "dir", "", "directory to watch for script files")
	cmd.Flags().DurationVar(&debounce, "debounce", 200*time.Millisecond, "wait this long after the last change before applying")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

// newLogger builds the process logger. Level names are case-insensitive.
func newLogger(w io.Writer, level string, asJSON bool) (*slog.Logger, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lv}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
