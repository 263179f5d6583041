package rtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcudbg/api"
	"mcudbg/memory"
	"mcudbg/probe"
	"mcudbg/target"
)

const (
	cbAddr   = uint64(0x2000_1000)
	upBuf    = uint64(0x2000_2000)
	downBuf  = uint64(0x2000_3000)
	ringSize = 64
)

type symMap map[string]uint64

func (m symMap) LookupSymbol(name string) (uint64, bool) {
	a, ok := m[name]
	return a, ok
}

func newFixture(t *testing.T) (*Manager, *memory.Accessor, *probe.Sim) {
	t.Helper()
	desc, err := target.Lookup("sim")
	require.NoError(t, err)
	sim := probe.NewSim(desc)
	return NewManager(), memory.New(sim, desc), sim
}

// layControlBlock writes a valid control block with one up and one down
// channel.
func layControlBlock(sim *probe.Sim) {
	sim.Poke(cbAddr, []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00"))
	sim.PokeWord(cbAddr+offUpCount, 1)
	sim.PokeWord(cbAddr+offDownCount, 1)

	up := cbAddr + offBuffers
	sim.PokeWord(up+descBuffer, uint32(upBuf))
	sim.PokeWord(up+descBufSize, ringSize)
	sim.PokeWord(up+descWrOff, 0)
	sim.PokeWord(up+descRdOff, 0)

	down := up + descSize
	sim.PokeWord(down+descBuffer, uint32(downBuf))
	sim.PokeWord(down+descBufSize, ringSize)
	sim.PokeWord(down+descWrOff, 0)
	sim.PokeWord(down+descRdOff, 0)
}

// produce appends data to the up ring the way target firmware would.
func produce(t *testing.T, sim *probe.Sim, mem *memory.Accessor, data []byte) {
	t.Helper()
	wr, err := mem.ReadWord(cbAddr + offBuffers + descWrOff)
	require.NoError(t, err)
	for _, b := range data {
		sim.Poke(upBuf+uint64(wr), []byte{b})
		wr = (wr + 1) % ringSize
	}
	sim.PokeWord(cbAddr+offBuffers+descWrOff, wr)
}

func TestLocateViaSymbol(t *testing.T) {
	m, mem, sim := newFixture(t)
	layControlBlock(sim)

	st := m.Locate(mem, symMap{"_SEGGER_RTT": cbAddr})
	assert.Equal(t, StatusAttached, st)
	assert.Equal(t, 1, m.Channels())
}

func TestLocateByScan(t *testing.T) {
	m, mem, sim := newFixture(t)
	layControlBlock(sim)

	st := m.Locate(mem, nil)
	assert.Equal(t, StatusAttached, st)
}

func TestSymbolBeforeInitIsPending(t *testing.T) {
	m, mem, sim := newFixture(t)
	// Symbol known, magic not yet written by the target.
	st := m.Locate(mem, symMap{"_SEGGER_RTT": cbAddr})
	assert.Equal(t, StatusPending, st)

	// The target runs its init; the next locate attaches.
	layControlBlock(sim)
	st = m.Locate(mem, symMap{"_SEGGER_RTT": cbAddr})
	assert.Equal(t, StatusAttached, st)
}

func TestNoBlockAnywhere(t *testing.T) {
	m, mem, _ := newFixture(t)
	assert.Equal(t, StatusNotFound, m.Locate(mem, nil))
}

func TestImplausibleCountsRejected(t *testing.T) {
	m, mem, sim := newFixture(t)
	layControlBlock(sim)
	sim.PokeWord(cbAddr+offUpCount, 5000)

	st := m.Locate(mem, symMap{"_SEGGER_RTT": cbAddr})
	assert.Equal(t, StatusPending, st, "garbage counts read as not initialized yet")
}

func TestPollDrainsAndAdvances(t *testing.T) {
	m, mem, sim := newFixture(t)
	layControlBlock(sim)
	require.Equal(t, StatusAttached, m.Locate(mem, nil))

	produce(t, sim, mem, []byte("hello"))
	events, err := m.Poll(mem)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Channel)
	assert.Equal(t, []byte("hello"), events[0].Data)
	assert.False(t, events[0].Overflow)

	// Read offset was written back; an idle poll yields nothing.
	rd, err := mem.ReadWord(cbAddr + offBuffers + descRdOff)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), rd)
	events, err = m.Poll(mem)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPollHandlesWrap(t *testing.T) {
	m, mem, sim := newFixture(t)
	layControlBlock(sim)
	// Start near the end of the ring so the payload wraps.
	sim.PokeWord(cbAddr+offBuffers+descWrOff, ringSize-3)
	sim.PokeWord(cbAddr+offBuffers+descRdOff, ringSize-3)
	require.Equal(t, StatusAttached, m.Locate(mem, nil))

	produce(t, sim, mem, []byte("wraparound"))
	events, err := m.Poll(mem)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []byte("wraparound"), events[0].Data)
}

func TestOverflowFlaggedExactlyOnce(t *testing.T) {
	m, mem, sim := newFixture(t)
	layControlBlock(sim)
	require.Equal(t, StatusAttached, m.Locate(mem, nil))

	// The target overwrote unread data and moved RdOff itself.
	produce(t, sim, mem, []byte("abc"))
	sim.PokeWord(cbAddr+offBuffers+descRdOff, 2)

	events, err := m.Poll(mem)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Overflow)
	assert.Equal(t, []byte("c"), events[0].Data)

	// Offsets resynced: the next payload carries no overflow flag.
	produce(t, sim, mem, []byte("def"))
	events, err = m.Poll(mem)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Overflow)
	assert.Equal(t, []byte("def"), events[0].Data)
}

func TestMidUpdateSkipped(t *testing.T) {
	m, mem, sim := newFixture(t)
	layControlBlock(sim)
	require.Equal(t, StatusAttached, m.Locate(mem, nil))

	// A write offset beyond the ring means the descriptor is mid-update.
	sim.PokeWord(cbAddr+offBuffers+descWrOff, ringSize+7)
	events, err := m.Poll(mem)
	require.NoError(t, err)
	assert.Empty(t, events)

	sim.PokeWord(cbAddr+offBuffers+descWrOff, 0)
	produce(t, sim, mem, []byte("ok"))
	events, err = m.Poll(mem)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []byte("ok"), events[0].Data)
}

func TestDownChannelWrite(t *testing.T) {
	m, mem, sim := newFixture(t)
	layControlBlock(sim)
	require.Equal(t, StatusAttached, m.Locate(mem, nil))

	n, err := m.Write(mem, 0, []byte("reboot\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	buf := make([]byte, 7)
	require.NoError(t, sim.ReadMemory(downBuf, buf))
	assert.Equal(t, []byte("reboot\n"), buf)

	wr, err := mem.ReadWord(cbAddr + offBuffers + descSize + descWrOff)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), wr)
}

func TestDownChannelBoundedByFreeSpace(t *testing.T) {
	m, mem, sim := newFixture(t)
	layControlBlock(sim)
	require.Equal(t, StatusAttached, m.Locate(mem, nil))

	// One byte of the ring is always kept free.
	big := make([]byte, ringSize+20)
	n, err := m.Write(mem, 0, big)
	require.NoError(t, err)
	assert.Equal(t, ringSize-1, n)

	_, err = m.Write(mem, 3, []byte("x"))
	assert.Equal(t, api.ErrNotFound, api.CodeOf(err))
}

func TestWriteBeforeAttachRejected(t *testing.T) {
	m, mem, _ := newFixture(t)
	_, err := m.Write(mem, 0, []byte("x"))
	assert.Equal(t, api.ErrNotFound, api.CodeOf(err))
}
