package flashscript

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashjournal/flash"
	"flashjournal/journal"
)

// zeroGeometry reports sectors of size zero.
type zeroGeometry struct{}

func (zeroGeometry) SectorSize(flash.Addr) uint32 { return 0 }
func (zeroGeometry) PageSize() uint32             { return 8 }
func (zeroGeometry) FlashStart() flash.Addr       { return 0 }
func (zeroGeometry) FlashSize() uint32            { return 1024 }

func testDevice(t *testing.T) *flash.Memory {
	t.Helper()
	dev, err := flash.NewMemory(flashBase, testPage, testLayout)
	require.NoError(t, err)
	return dev
}

func TestSectorStart(t *testing.T) {
	dev := testDevice(t)
	tests := []struct {
		addr flash.Addr
		want flash.Addr
	}{
		{flashBase, flashBase},
		{flashBase + 0x41, flashBase + 0x40},
		{flashBase + 0x7F, flashBase + 0x40},
		{flashBase + 0x200, flashBase + 0x200},
		{flashBase + 0x2FF, flashBase + 0x200},
		{flashBase + 0x300, flashBase + 0x300},
		{flashBase + 0x400, flashBase + 0x400},
	}
	for _, tt := range tests {
		got, err := SectorStart(dev, tt.addr)
		require.NoError(t, err, tt.addr)
		assert.Equal(t, tt.want, got, tt.addr)
	}

	_, err := SectorStart(dev, flashBase+0x401)
	assert.ErrorIs(t, err, ErrAddressRange)
	_, err = SectorStart(dev, flashBase-1)
	assert.ErrorIs(t, err, ErrAddressRange)
	_, err = SectorStart(zeroGeometry{}, 0x10)
	assert.ErrorIs(t, err, ErrGeometry)
}

func TestFillSectorSizeTable(t *testing.T) {
	dev, err := flash.NewMemory(0, 256, flash.Layout{{Size: 4096, Count: 16}, {Size: 65536, Count: 1}})
	require.NoError(t, err)

	var table SectorTable
	n, err := FillSectorSizeTable(dev, &table)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []journal.SectorRun{{Count: 16, Size: 4096}, {Count: 1, Size: 65536}}, table.Runs())
}

func TestFillSectorSizeTableMergesRepeatedSizes(t *testing.T) {
	dev, err := flash.NewMemory(0, 8, flash.Layout{{Size: 16, Count: 2}, {Size: 32, Count: 1}, {Size: 16, Count: 3}})
	require.NoError(t, err)

	var table SectorTable
	n, err := FillSectorSizeTable(dev, &table)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []journal.SectorRun{{Count: 5, Size: 16}, {Count: 1, Size: 32}}, table.Runs())
}

func TestFillSectorSizeTableOverflow(t *testing.T) {
	var layout flash.Layout
	for i := 1; i <= journal.MaxSectorTuples+1; i++ {
		layout = append(layout, flash.Run{Size: uint32(8 * i), Count: 1})
	}
	dev, err := flash.NewMemory(0, 8, layout)
	require.NoError(t, err)

	var table SectorTable
	n, err := FillSectorSizeTable(dev, &table)
	assert.ErrorIs(t, err, ErrGeometryTableOverflow)
	assert.Equal(t, journal.MaxSectorTuples, n)
	var oe *GeometryTableOverflowError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, uint32(88), oe.Size)
}

func TestSectorTableCountLimit(t *testing.T) {
	var table SectorTable
	for i := 0; i < 0xFFFF; i++ {
		require.NoError(t, table.Add(8))
	}
	assert.ErrorIs(t, table.Add(8), ErrGeometry)
}

func TestPlanErase(t *testing.T) {
	dev := testDevice(t)
	sectors := func(offs ...uint32) []flash.Addr {
		var out []flash.Addr
		for _, o := range offs {
			out = append(out, flashBase+flash.Addr(o))
		}
		return out
	}
	tests := []struct {
		name    string
		start   uint32
		length  uint32
		partial bool
		want    []flash.Addr
	}{
		{name: "zero length", start: 0x44, length: 0},
		{name: "full inside one sector", start: 0x44, length: 0x10, want: sectors(0x40)},
		{name: "full rounds down and covers", start: 0x30, length: 0x200, want: sectors(0, 0x40, 0x80, 0xC0, 0x100, 0x140, 0x180, 0x1C0, 0x200)},
		{name: "full last sector", start: 0x300, length: 0x100, want: sectors(0x300)},
		{name: "partial trims both ends", start: 0x30, length: 0x200, partial: true, want: sectors(0x40, 0x80, 0xC0, 0x100, 0x140, 0x180, 0x1C0)},
		{name: "partial inside one sector", start: 0x204, length: 8, partial: true},
		{name: "partial aligned", start: 0, length: 0x80, partial: true, want: sectors(0, 0x40)},
		{name: "partial up to flash end", start: 0x1F0, length: 0x210, partial: true, want: sectors(0x200, 0x300)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PlanErase(dev, flashBase+flash.Addr(tt.start), tt.length, tt.partial)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := PlanErase(dev, flashBase+0x300, 0x101, false)
	assert.ErrorIs(t, err, ErrAddressRange)
	_, err = PlanErase(dev, flashBase-8, 0x10, true)
	assert.ErrorIs(t, err, ErrAddressRange)
}

func TestPlanEraseProperties(t *testing.T) {
	dev := testDevice(t)
	size := dev.FlashSize()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("full erase covers the range from its sector start", prop.ForAll(
		func(off, length uint32) bool {
			length = min(length, size-off)
			start := flashBase + flash.Addr(off)
			plan, err := PlanErase(dev, start, length, false)
			if err != nil {
				return false
			}
			if length == 0 {
				return len(plan) == 0
			}
			first, _ := SectorStart(dev, start)
			if len(plan) == 0 || plan[0] != first {
				return false
			}
			for i := 1; i < len(plan); i++ {
				if plan[i] != plan[i-1]+flash.Addr(dev.SectorSize(plan[i-1])) {
					return false
				}
			}
			last := plan[len(plan)-1]
			end := uint64(last) + uint64(dev.SectorSize(last))
			return end >= uint64(start)+uint64(length) && uint64(last) < uint64(start)+uint64(length)
		},
		gen.UInt32Range(0, size-1),
		gen.UInt32Range(0, size),
	))

	properties.Property("partial erase keeps only the sectors wholly inside the range", prop.ForAll(
		func(off, length uint32) bool {
			length = min(length, size-off)
			start := uint64(flashBase) + uint64(off)
			full, err := PlanErase(dev, flash.Addr(start), length, false)
			if err != nil {
				return false
			}
			partial, err := PlanErase(dev, flash.Addr(start), length, true)
			if err != nil {
				return false
			}
			var want []flash.Addr
			for _, s := range full {
				if uint64(s) >= start && uint64(s)+uint64(dev.SectorSize(s)) <= start+uint64(length) {
					want = append(want, s)
				}
			}
			if len(want) != len(partial) {
				return false
			}
			for i := range want {
				if want[i] != partial[i] {
					return false
				}
			}
			return true
		},
		gen.UInt32Range(0, size-1),
		gen.UInt32Range(0, size),
	))

	properties.TestingRun(t)
}
