package flashscript

import (
	"testing"

	"github.com/stretchr/testify/require"

	"flashjournal/flash"
	"flashjournal/journal"
)

const (
	flashBase   flash.Addr = 0x08000000
	ramBase     flash.Addr = 0x20000000
	journalBase            = flashBase + 0x200
	journalSize            = 256
	testPage               = 8
	payloadAddr            = ramBase + StagingSize
)

// testLayout: eight 64 byte sectors then two 256 byte sectors. The journal
// owns the first large sector.
var testLayout = flash.Layout{{Size: 64, Count: 8}, {Size: 256, Count: 2}}

// memStorage is a read-only address space standing in for an SD card.
type memStorage struct {
	base  flash.Addr
	data  []byte
	inits int
	err   error
}

func (m *memStorage) Init() error {
	m.inits++
	return nil
}

func (m *memStorage) ReadAt(p []byte, addr flash.Addr) error {
	if m.err != nil {
		return m.err
	}
	if addr < m.base || int(addr-m.base)+len(p) > len(m.data) {
		return flash.ErrOutOfRange
	}
	copy(p, m.data[addr-m.base:])
	return nil
}

type rig struct {
	dev    *flash.Memory
	ram    []byte
	sd     *memStorage
	reg    *Registry
	eng    *Engine
	events []Event
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	dev, err := flash.NewMemory(flashBase, testPage, testLayout)
	require.NoError(t, err)
	r := &rig{dev: dev, ram: make([]byte, 512)}
	sd := make([]byte, 4096)
	for i := range sd {
		sd[i] = byte(i)
	}
	r.sd = &memStorage{data: sd}
	r.reg = &Registry{
		Internal: &Internal{Flash: dev, RAMBase: ramBase, RAM: r.ram},
		SD:       r.sd,
	}
	r.eng = r.newEngine(t, opts...)
	return r
}

// newEngine builds a fresh engine over the rig's devices, as after a reset.
func (r *rig) newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithJournalBase(journalBase),
		WithBufferSize(32),
		WithProgress(func(ev Event) { r.events = append(r.events, ev) }),
	}
	eng, err := New(r.reg, append(base, opts...)...)
	require.NoError(t, err)
	return eng
}

// stage encodes s into the staging window and returns it.
func (r *rig) stage(t *testing.T, s Script) []byte {
	t.Helper()
	rec, err := s.Encode()
	require.NoError(t, err)
	staging := r.ram[:StagingSize]
	clear(staging)
	copy(staging, rec)
	copy(r.ram[StagingSize:], InitPayload(journalSize))
	return staging
}

// initJournal creates an empty journal without a script record.
func (r *rig) initJournal(t *testing.T) {
	t.Helper()
	e := Entry{Op: OpInitJournal, ToAddr: journalBase, Length: InitPayloadSize}
	b := Binding{From: bufferSource(InitPayload(journalSize)), To: r.eng.flash}
	require.NoError(t, r.eng.initJournal(b, e))
}

func (r *rig) put(t *testing.T, addr flash.Addr, data []byte) {
	t.Helper()
	buf := make([]byte, flash.RoundUp(uint32(len(data)), testPage))
	flash.Fill(buf)
	copy(buf, data)
	require.NoError(t, r.dev.Program(buf, addr))
}

func (r *rig) read(t *testing.T, addr flash.Addr, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	require.NoError(t, r.dev.ReadAt(p, addr))
	return p
}

func (r *rig) records(t *testing.T) []journal.Record {
	t.Helper()
	jl, err := journal.Open(r.dev, journalBase)
	require.NoError(t, err)
	recs, err := jl.Records()
	require.NoError(t, err)
	return recs
}

func initStep() Entry {
	return Entry{Op: OpInitJournal, From: DeviceInternal, To: DeviceInternal, FromAddr: payloadAddr, ToAddr: journalBase, Length: InitPayloadSize}
}

func empty() Entry { return Entry{Op: OpEmpty} }

func blank(n int) []byte {
	b := make([]byte, n)
	flash.Fill(b)
	return b
}

func countEvents(evs []Event, k EventKind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == k {
			n++
		}
	}
	return n
}
