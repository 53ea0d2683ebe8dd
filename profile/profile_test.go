package profile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashjournal/extstore"
	"flashjournal/flash"
	"flashjournal/flashscript"
	"flashjournal/journal"
)

const boardTOML = `
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

const boardYAML = `
name: devkit
flash_start: 0x08000000
page_size: 8
sectors:
  - {size: 64, count: 8}
  - {size: 256, count: 2}
journal_base: 0x08000200
journal_size: 256
ram_base: 0x20000000
ram_size: 512
buffer_size: 32
`

const scriptTOML = `
name = "upgrade"

[[step]]
op = "init_journal"

[[step]]
op = "erase"
to_addr = 0x08000000
length = 0x80

[[step]]
op = "write"
from = "sd"
from_addr = 0x100
to_addr = 0x08000000
length = 100

[[step]]
op = "overwrite"
from = "internal"
from_addr = 0x08000000
to_addr = 0x08000300
length = 16
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testBoard(t *testing.T) *Board {
	t.Helper()
	b, err := LoadBoard(writeFile(t, "board.toml", boardTOML))
	require.NoError(t, err)
	return b
}

func TestLoadBoard(t *testing.T) {
	b := testBoard(t)
	assert.Equal(t, "devkit", b.Name)
	assert.Equal(t, flash.Addr(0x08000000), b.FlashStart)
	assert.Equal(t, flash.Layout{{Size: 64, Count: 8}, {Size: 256, Count: 2}}, b.Layout())
	assert.Equal(t, b.RAMBase, b.StagingAddr)
	assert.Equal(t, uint32(flashscript.StagingSize), b.StagingSize)
	assert.Equal(t, b.RAMBase+flashscript.StagingSize, b.PayloadAddr())

	y, err := LoadBoard(writeFile(t, "board.yaml", boardYAML))
	require.NoError(t, err)
	assert.Equal(t, b, y)
}

func TestLoadBoardErrors(t *testing.T) {
	_, err := LoadBoard(writeFile(t, "board.toml", boardTOML+"colour = \"blue\"\n"))
	assert.ErrorContains(t, err, "unknown key")

	_, err = LoadBoard(writeFile(t, "board.yaml", boardYAML+"colour: blue\n"))
	assert.ErrorContains(t, err, "decode YAML")

	_, err = LoadBoard(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// No extension: TOML is tried first.
	b, err := LoadBoard(writeFile(t, "board", boardTOML))
	require.NoError(t, err)
	assert.Equal(t, "devkit", b.Name)
}

func TestBoardGeometry(t *testing.T) {
	g := testBoard(t).Geometry()
	assert.Equal(t, uint32(0x400), g.FlashSize())
	assert.Equal(t, uint32(64), g.SectorSize(0x08000000))
	assert.Equal(t, uint32(64), g.SectorSize(0x080001FF))
	assert.Equal(t, uint32(256), g.SectorSize(0x08000200))
	assert.Zero(t, g.SectorSize(0x08000400))
	assert.Zero(t, g.SectorSize(0x07FFFFFF))
}

func TestBoardValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *Board)
	}{
		{"no sectors", func(b *Board) { b.Sectors = nil }},
		{"page too large", func(b *Board) {
			b.PageSize = 256
			b.Sectors = []SectorRun{{Size: 1024, Count: 4}}
		}},
		{"journal not page aligned", func(b *Board) { b.JournalSize = 252 }},
		{"journal past flash", func(b *Board) { b.JournalBase = 0x08000300; b.JournalSize = 512 }},
		{"journal base inside a sector", func(b *Board) { b.JournalBase = 0x08000220; b.JournalSize = 0xE0 }},
		{"journal end inside a sector", func(b *Board) { b.JournalSize = 128 }},
		{"journal too small", func(b *Board) {
			b.Sectors = []SectorRun{{Size: 16, Count: 64}}
			b.JournalBase = b.FlashStart
			b.JournalSize = 32
		}},
		{"ram overlaps flash", func(b *Board) { b.RAMBase = 0x08000100; b.StagingAddr = 0x08000100 }},
		{"staging too small", func(b *Board) { b.StagingSize = 20 }},
		{"staging outside ram", func(b *Board) { b.StagingAddr = b.RAMBase + 400 }},
		{"buffer below page", func(b *Board) { b.BufferSize = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBoard(t)
			tt.mutate(b)
			assert.ErrorIs(t, b.Validate(), ErrInvalidBoard)
		})
	}
}

func TestCompile(t *testing.T) {
	b := testBoard(t)
	sf, err := LoadScript(writeFile(t, "upgrade.toml", scriptTOML))
	require.NoError(t, err)
	assert.Equal(t, "upgrade", sf.Name)

	s, size, err := sf.Compile(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(256), size)
	assert.Equal(t, flashscript.Script{
		{Op: flashscript.OpInitJournal, FromAddr: b.PayloadAddr(), ToAddr: b.JournalBase, Length: flashscript.InitPayloadSize},
		{Op: flashscript.OpErase, ToAddr: 0x08000000, Length: 0x80},
		{Op: flashscript.OpWrite, From: flashscript.DeviceSDCard, FromAddr: 0x100, ToAddr: 0x08000000, Length: 100},
		{Op: flashscript.OpOverwrite, FromAddr: 0x08000000, ToAddr: 0x08000300, Length: 16},
		{Op: flashscript.OpEmpty},
	}, s)
}

func TestCompileRejects(t *testing.T) {
	b := testBoard(t)
	tests := []struct {
		name string
		step Step
	}{
		{"unknown op", Step{Op: "format"}},
		{"unknown device", Step{Op: "write", From: "usb", ToAddr: 0x08000000, Length: 8}},
		{"explicit empty", Step{Op: "empty"}},
		{"ram source", Step{Op: "write", FromAddr: 0x20000010, ToAddr: 0x08000000, Length: 8}},
		{"into journal", Step{Op: "write", From: "sd", ToAddr: 0x080001F8, Length: 16}},
		{"erase journal", Step{Op: "partial_erase", ToAddr: 0x08000200, Length: 256}},
		{"too long", Step{Op: "write", From: "sd", ToAddr: 0x08000000, Length: 1 << 24}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sf := &ScriptFile{Steps: []Step{tt.step}}
			_, _, err := sf.Compile(b)
			assert.ErrorIs(t, err, ErrInvalidScriptFile)
		})
	}

	sf := &ScriptFile{Steps: []Step{{Op: "erase", ToAddr: 0x08000000, Length: 64}, {Op: "init_journal"}}}
	_, _, err := sf.Compile(b)
	assert.ErrorIs(t, err, flashscript.ErrInvalidScript)

	_, err = LoadScript(writeFile(t, "empty.yaml", "name: nothing\n"))
	assert.ErrorIs(t, err, ErrInvalidScriptFile)
}

func TestBuildStaging(t *testing.T) {
	b := testBoard(t)
	sf, err := LoadScript(writeFile(t, "upgrade.toml", scriptTOML))
	require.NoError(t, err)
	st, err := sf.Stage(b)
	require.NoError(t, err)

	require.Len(t, st.RAM, int(b.RAMSize))
	staging := st.Staging()
	require.Len(t, staging, flashscript.StagingSize)
	assert.Equal(t, byte(journal.KindScript), staging[0])
	got, err := flashscript.DecodeScript(staging)
	require.NoError(t, err)
	assert.Equal(t, st.Script, got)

	off := b.PayloadAddr() - b.RAMBase
	assert.Equal(t, flashscript.InitPayload(256), st.RAM[off:off+flashscript.InitPayloadSize])
	assert.Equal(t, uint16(256), st.JournalSize)

	// Nine steps and the terminator do not fit in the staging area.
	var long ScriptFile
	for i := 0; i < 9; i++ {
		long.Steps = append(long.Steps, Step{Op: "erase", ToAddr: 0x08000000, Length: 64})
	}
	_, err = long.Stage(b)
	assert.ErrorIs(t, err, ErrInvalidScriptFile)
}

func TestStagedScriptRuns(t *testing.T) {
	b := testBoard(t)
	dev, err := flash.NewMemory(b.FlashStart, b.PageSize, b.Layout())
	require.NoError(t, err)
	card := make([]byte, 1024)
	for i := range card {
		card[i] = byte(i * 7)
	}
	sd := extstore.New(bytes.NewReader(card), int64(len(card)))
	defer sd.Close()

	sf, err := LoadScript(writeFile(t, "upgrade.toml", scriptTOML))
	require.NoError(t, err)
	st, err := sf.Stage(b)
	require.NoError(t, err)

	reg := &flashscript.Registry{
		Internal: &flashscript.Internal{Flash: dev, RAMBase: b.RAMBase, RAM: st.RAM},
		SD:       sd,
	}
	eng, err := flashscript.New(reg, flashscript.WithJournalBase(b.JournalBase), flashscript.WithBufferSize(b.BufferSize))
	require.NoError(t, err)

	action, err := eng.Boot(st.Staging())
	require.NoError(t, err)
	assert.Equal(t, flashscript.BootSubmitted, action)

	got := make([]byte, 100)
	require.NoError(t, dev.ReadAt(got, 0x08000000))
	assert.Equal(t, card[0x100:0x100+100], got)
	copied := make([]byte, 16)
	require.NoError(t, dev.ReadAt(copied, 0x08000300))
	assert.Equal(t, card[0x100:0x110], copied)
	assert.Equal(t, make([]byte, flashscript.StagingSize), st.Staging())

	_, unfinished, err := eng.FindUnfinished()
	require.NoError(t, err)
	assert.False(t, unfinished)
}
