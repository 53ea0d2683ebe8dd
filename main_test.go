package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashjournal/flash"
	"flashjournal/flashscript"
)

const testBoard = `
name = "devkit"
flash_start = 0x08000000
page_size = 8
sectors = [{ size = 64, count = 8 }, { size = 256, count = 2 }]
journal_base = 0x08000200
journal_size = 256
ram_base = 0x20000000
ram_size = 512
buffer_size = 32
`

const testScript = `
name = "upgrade"

[[step]]
op = "init_journal"

[[step]]
op = "write"
from = "sd"
from_addr = 0x100
to_addr = 0x08000000
length = 100
`

type fixture struct {
	dir     string
	profile string
	image   string
	sd      string
	script  string
	sdData  []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		profile: filepath.Join(dir, "board.toml"),
		image:   filepath.Join(dir, "flash.img"),
		sd:      filepath.Join(dir, "sd.img"),
		script:  filepath.Join(dir, "upgrade.toml"),
		sdData:  make([]byte, 1024),
	}
	for i := range f.sdData {
		f.sdData[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(f.profile, []byte(testBoard), 0o644))
	require.NoError(t, os.WriteFile(f.script, []byte(testScript), 0o644))
	require.NoError(t, os.WriteFile(f.sd, f.sdData, 0o644))

	out, err := run(t, "image", "create", "--profile", f.profile, "--out", f.image)
	require.NoError(t, err)
	assert.Contains(t, out, "Created")
	return f
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(append([]string{"--log-level", "debug"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (f *fixture) flashBytes(t *testing.T, n int) []byte {
	t.Helper()
	b, err := os.ReadFile(f.image)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(b), n)
	return b[:n]
}

func TestImageCreate(t *testing.T) {
	f := newFixture(t)
	b, err := os.ReadFile(f.image)
	require.NoError(t, err)
	assert.Len(t, b, 8*64+2*256)
	assert.True(t, flash.IsBlank(b))

	_, err = run(t, "image", "create", "--profile", f.profile, "--out", f.image)
	assert.ErrorContains(t, err, "--force")

	_, err = run(t, "image", "create", "--profile", f.profile, "--out", f.image, "--force")
	assert.NoError(t, err)
}

func TestGeometry(t *testing.T) {
	f := newFixture(t)
	out, err := run(t, "geometry", "--profile", f.profile)
	require.NoError(t, err)
	assert.Contains(t, out, "Board:      devkit")
	assert.Contains(t, out, "8 x 64")
	assert.Contains(t, out, "2 x 256")
	assert.Contains(t, out, "Journal:")
	assert.Contains(t, out, "Staging:")
}

func TestApplyAndDump(t *testing.T) {
	f := newFixture(t)

	out, err := run(t, "journal", "dump", "--profile", f.profile, "--image", f.image)
	require.NoError(t, err)
	assert.Contains(t, out, "not initialized")

	out, err = run(t, "apply", "--profile", f.profile, "--image", f.image, "--sd", f.sd, "--script", f.script)
	require.NoError(t, err)
	assert.Contains(t, out, "step 1/2")
	assert.Contains(t, out, "Applied")
	assert.Equal(t, f.sdData[0x100:0x100+100], f.flashBytes(t, 100))

	out, err = run(t, "journal", "dump", "--profile", f.profile, "--image", f.image)
	require.NoError(t, err)
	assert.Contains(t, out, "MBR at 0x08000200")
	assert.Contains(t, out, "script")
	assert.Contains(t, out, "commit")
	assert.Contains(t, out, "No unfinished script")
	assert.NotContains(t, out, "<- next")

	out, err = run(t, "resume", "--profile", f.profile, "--image", f.image, "--sd", f.sd)
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to resume")
}

func TestApplyPowerCutThenResume(t *testing.T) {
	f := newFixture(t)

	// Enough operations to set up the journal and store the script, but
	// not to finish the write step.
	out, err := run(t, "apply", "--profile", f.profile, "--image", f.image, "--sd", f.sd, "--script", f.script, "--power-cut", "7")
	require.Error(t, err)
	assert.ErrorIs(t, err, flash.ErrPowerLoss)
	assert.Contains(t, out, "Power cut")

	out, err = run(t, "journal", "dump", "--profile", f.profile, "--image", f.image)
	require.NoError(t, err)
	assert.Contains(t, out, "<- next")

	out, err = run(t, "resume", "--profile", f.profile, "--image", f.image, "--sd", f.sd)
	require.NoError(t, err)
	assert.Contains(t, out, "Resumed script at")
	assert.Equal(t, f.sdData[0x100:0x100+100], f.flashBytes(t, 100))

	out, err = run(t, "journal", "dump", "--profile", f.profile, "--image", f.image)
	require.NoError(t, err)
	assert.Contains(t, out, "No unfinished script")
}

// syncBuffer lets a test read output while a command is still writing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchAppliesDroppedScript(t *testing.T) {
	f := newFixture(t)
	in := t.TempDir()

	var stdout, stderr syncBuffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs([]string{"watch", "--profile", f.profile, "--image", f.image, "--sd", f.sd,
		"--dir", in, "--debounce", "20ms"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Nothing to resume")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "upgrade.toml"), []byte(testScript), 0o644))
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Applied")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Equal(t, f.sdData[0x100:0x100+100], f.flashBytes(t, 100))
	assert.NotContains(t, stdout.String(), "notes.txt")
}

func TestApplyMissingSD(t *testing.T) {
	f := newFixture(t)
	_, err := run(t, "apply", "--profile", f.profile, "--image", f.image, "--script", f.script)
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))
}

func TestRequiredFlags(t *testing.T) {
	_, err := run(t, "apply")
	assert.ErrorContains(t, err, "required flag")

	_, err = run(t, "watch", "--profile", "p", "--image", "i", "--dir", ".", "--ui")
	assert.ErrorContains(t, err, "--ui")
}

func TestExitCode(t *testing.T) {
	step := &flashscript.StepError{Index: 1, Err: flashscript.ErrOverwriteConflict}
	for _, tc := range []struct {
		err  error
		want int
	}{
		{errors.New("boom"), 2},
		{fmt.Errorf("stop: %w", errInterrupted), 130},
		{fmt.Errorf("walk: %w", flashscript.ErrJournalCorrupt), 4},
		{step, 3},
		{fmt.Errorf("simulated power loss: %w", step), 3},
	} {
		assert.Equal(t, tc.want, exitCode(tc.err), tc.err.Error())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "WARN", true)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger(&buf, "loud", false)
	assert.ErrorContains(t, err, "--log-level")
}

func TestIsScriptFile(t *testing.T) {
	assert.True(t, isScriptFile("/in/a.toml"))
	assert.True(t, isScriptFile("/in/b.YAML"))
	assert.True(t, isScriptFile("c.yml"))
	assert.False(t, isScriptFile("/in/.a.toml"))
	assert.False(t, isScriptFile("/in/a.toml.swp"))
	assert.False(t, isScriptFile("/in/notes.txt"))
}

func TestStopDevice(t *testing.T) {
	mem, err := flash.NewMemory(0x1000, 8, flash.Layout{{Size: 64, Count: 2}})
	require.NoError(t, err)
	stop := false
	d := &stopDevice{Device: mem, stopped: func() bool { return stop }}

	require.NoError(t, d.Program([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0x1000))
	stop = true
	assert.ErrorIs(t, d.Program([]byte{0, 0, 0, 0, 0, 0, 0, 0}, 0x1000), errInterrupted)
	assert.ErrorIs(t, d.EraseSector(0x1000), errInterrupted)
	assert.NoError(t, d.Sync())

	got := make([]byte, 8)
	require.NoError(t, d.ReadAt(got, 0x1000))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got)
}

func TestDebouncerKeepsOnlyLatestTimer(t *testing.T) {
	d := newDebouncer(time.Hour)
	ctx := context.Background()

	d.touch(ctx, "a.toml")
	d.touch(ctx, "a.toml")
	// The first timer fired before the second touch could stop it.
	assert.False(t, d.settle(settled{name: "a.toml", seq: 1}))
	assert.True(t, d.settle(settled{name: "a.toml", seq: 2}))
	assert.False(t, d.settle(settled{name: "a.toml", seq: 2}))

	d.touch(ctx, "b.toml")
	d.stop()
	assert.Empty(t, d.pending)
	assert.False(t, d.settle(settled{name: "b.toml", seq: 3}))
}

func TestDebouncerFires(t *testing.T) {
	d := newDebouncer(5 * time.Millisecond)
	defer d.stop()
	d.touch(context.Background(), "a.toml")

	select {
	case st := <-d.ready:
		assert.Equal(t, "a.toml", st.name)
		assert.True(t, d.settle(st))
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
}
