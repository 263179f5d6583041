package symbols

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcudbg/api"
)

// Synthetic .debug_frame entries for a tiny firmware: main at 0x08000000
// calls foo at 0x08000100. Offsets are small enough that every LEB128 fits
// in one byte.

func entry(id uint32, body []byte) []byte {
	out := make([]byte, 8, 8+len(body))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(body)+4))
	binary.LittleEndian.PutUint32(out[4:], id)
	return append(out, body...)
}

// cieBody: version 1, no augmentation, code align 2, data align -4, RA in
// r14, initial rule CFA = r13+0.
func cieBody() []byte {
	return []byte{
		1,          // version
		0,          // augmentation ""
		0x02,       // code alignment
		0x7C,       // data alignment -4
		14,         // return address register
		0x0C, 13, 0, // DW_CFA_def_cfa r13, 0
	}
}

func fdeBody(low, rng uint32, instr ...byte) []byte {
	out := make([]byte, 8, 8+len(instr))
	binary.LittleEndian.PutUint32(out[0:], low)
	binary.LittleEndian.PutUint32(out[4:], rng)
	return append(out, instr...)
}

// prologue CFI for foo: after one code unit the frame is CFA = sp+8 with
// lr at cfa-4 and r7 at cfa-8.
func fooInstr() []byte {
	return []byte{
		0x41,       // DW_CFA_advance_loc 1 (one code unit = 2 bytes)
		0x0E, 8,    // DW_CFA_def_cfa_offset 8
		0x8E, 1,    // DW_CFA_offset r14, cfa-4
		0x87, 2,    // DW_CFA_offset r7, cfa-8
	}
}

func testTable(t *testing.T) *FrameTable {
	t.Helper()
	raw := entry(0xffffffff, cieBody())
	raw = append(raw, entry(0, fdeBody(0x0800_0100, 0x40, fooInstr()...))...)
	raw = append(raw, entry(0, fdeBody(0x0800_0000, 0x40, 0x07, 14))...) // main: RA undefined
	ft, err := parseFrameTable(raw)
	require.NoError(t, err)
	return ft
}

func testSnapshot(t *testing.T) *Snapshot {
	return &Snapshot{
		syms: map[string]uint64{},
		funcs: []Function{
			{Name: "main", Low: 0x0800_0000, High: 0x0800_0040},
			{Name: "foo", Low: 0x0800_0100, High: 0x0800_0140},
		},
		frames: testTable(t),
	}
}

type memMap map[uint64]uint32

func (m memMap) ReadWord(addr uint64) (uint32, error) { return m[addr], nil }

// constReader answers every load with the same word.
type constReader uint32

func (c constReader) ReadWord(uint64) (uint32, error) { return uint32(c), nil }

func inTestRam(addr uint64) bool {
	return addr >= 0x2000_0000 && addr < 0x2000_8000
}

func TestParseFrameTable(t *testing.T) {
	ft := testTable(t)
	require.Len(t, ft.fdes, 2)
	assert.Equal(t, uint64(0x0800_0000), ft.fdes[0].low, "sorted by pc")

	assert.NotNil(t, ft.fdeFor(0x0800_0120))
	assert.NotNil(t, ft.fdeFor(0x0800_0100))
	assert.Nil(t, ft.fdeFor(0x0800_0140), "high bound is exclusive")
	assert.Nil(t, ft.fdeFor(0x0800_0080))
}

func TestRowReflectsPrologue(t *testing.T) {
	ft := testTable(t)

	// Before the prologue advanced, only the CIE rules apply.
	row, cie, err := ft.rowFor(0x0800_0100)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, uint64(13), row.cfaReg)
	assert.Equal(t, int64(0), row.cfaOff)
	assert.NotContains(t, row.regs, cie.raReg)

	// Past it, the saved registers are on the stack.
	row, cie, err = ft.rowFor(0x0800_0120)
	require.NoError(t, err)
	assert.Equal(t, int64(8), row.cfaOff)
	assert.Equal(t, regRule{kind: ruleOffset, off: -4}, row.regs[cie.raReg])
	assert.Equal(t, regRule{kind: ruleOffset, off: -8}, row.regs[7])
}

func TestParseRejectsMalformed(t *testing.T) {
	// 64-bit format marker.
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, 0xffffffff)
	_, err := parseFrameTable(raw)
	assert.Error(t, err)

	// FDE pointing at a CIE that does not exist.
	_, err = parseFrameTable(entry(0x1234, fdeBody(0, 16)))
	assert.Error(t, err)

	// Length running past the end of the section.
	raw = make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, 100)
	_, err = parseFrameTable(raw)
	assert.Error(t, err)

	// A zero length entry terminates cleanly.
	ft, err := parseFrameTable(append(entry(0xffffffff, cieBody()), 0, 0, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, ft.fdes)
}

func TestUnwindTwoFrames(t *testing.T) {
	s := testSnapshot(t)
	mem := memMap{
		0x2000_0F04: 0x0800_0011, // saved lr: return into main
		0x2000_0F00: 0x0000_0007, // saved r7
	}

	frames, truncated, err := s.Unwind(0x0800_0121, 0x2000_0F00, 0xDEAD_0001, mem, inTestRam)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(0x0800_0120), frames[0].PC)
	assert.Equal(t, "foo", frames[0].Function)
	assert.Equal(t, uint64(0x0800_0010), frames[1].PC)
	assert.Equal(t, "main", frames[1].Function, "walk ends where the RA rule is undefined")
}

func TestUnwindLeafUsesLinkRegister(t *testing.T) {
	s := testSnapshot(t)

	// At foo's entry nothing is saved yet; the return address is still in lr.
	frames, _, err := s.Unwind(0x0800_0100, 0x2000_0F00, 0x0800_0011, memMap{}, inTestRam)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "main", frames[1].Function)
}

func TestUnwindStopsAtExcReturn(t *testing.T) {
	s := testSnapshot(t)
	frames, truncated, err := s.Unwind(0xFFFF_FFF9, 0x2000_0F00, 0, memMap{}, inTestRam)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Len(t, frames, 1, "EXC_RETURN marks the root")
}

func TestUnwindStopsOutsideFrameInfo(t *testing.T) {
	s := testSnapshot(t)
	// No FDE covers this pc; the walk ends without error.
	frames, _, err := s.Unwind(0x0800_0500, 0x2000_0F00, 0, memMap{}, inTestRam)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestUnwindTruncatesAtFrameCap(t *testing.T) {
	s := testSnapshot(t)

	// Every stack load yields a return address back into foo, each frame 8
	// bytes above the last: an unbounded chain cut off at the cap.
	frames, truncated, err := s.Unwind(0x0800_0121, 0x2000_0F00, 0, constReader(0x0800_0121), inTestRam)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, frames, MaxFrames)
}

func TestUnwindCorruptStackPointer(t *testing.T) {
	s := testSnapshot(t)

	// The stack pointer points at flash: partial frames plus StackCorrupted.
	frames, _, err := s.Unwind(0x0800_0121, 0x0800_2000, 0, memMap{}, inTestRam)
	assert.Equal(t, api.ErrStackCorrupted, api.CodeOf(err))
	assert.Len(t, frames, 1, "frames remain valid alongside the error")
}

func TestUnwindDetectsNoProgress(t *testing.T) {
	s := testSnapshot(t)

	// At foo's entry CFA equals sp; a self-referential return address can
	// make no progress.
	frames, _, err := s.Unwind(0x0800_0100, 0x2000_0F00, 0x0800_0101, memMap{}, inTestRam)
	assert.Equal(t, api.ErrStackCorrupted, api.CodeOf(err))
	assert.NotEmpty(t, frames)
}
