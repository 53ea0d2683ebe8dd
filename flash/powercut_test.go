package flash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPowerCutBudget(t *testing.T) {
	m := newTestMemory(t)
	pc := NewPowerCut(m, 2)

	require.NoError(t, pc.Program(make([]byte, 8), 0x1000))
	require.NoError(t, pc.EraseSector(0x1010))
	assert.False(t, pc.Tripped())

	err := pc.EraseSector(0x1020)
	assert.ErrorIs(t, err, ErrPowerLoss)
	assert.True(t, pc.Tripped())

	assert.ErrorIs(t, pc.ReadAt(make([]byte, 8), 0x1000), ErrPowerLoss)
	assert.ErrorIs(t, pc.Program(make([]byte, 8), 0x1000), ErrPowerLoss)
	assert.Equal(t, Stats{Programs: 1, Erases: 1}, m.Stats())
}

func TestPowerCutTornProgram(t *testing.T) {
	m := newTestMemory(t)
	pc := NewPowerCut(m, 0)

	err := pc.Program(make([]byte, 32), 0x1000)
	assert.ErrorIs(t, err, ErrPowerLoss)

	got := make([]byte, 32)
	require.NoError(t, m.ReadAt(got, 0x1000))
	assert.Equal(t, make([]byte, 16), got[:16])
	assert.Equal(t, blank(16), got[16:])
}

func TestPowerCutUnlimited(t *testing.T) {
	pc := NewPowerCut(newTestMemory(t), -1)
	for i := 0; i < 100; i++ {
		require.NoError(t, pc.EraseSector(0x1000))
	}
	assert.False(t, pc.Tripped())
	assert.NoError(t, pc.Sync())
}
