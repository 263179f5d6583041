package symbols

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcudbg/api"
)

func lineSnapshot() *Snapshot {
	return &Snapshot{
		syms: map[string]uint64{
			"_SEGGER_RTT":  0x2000_0800,
			"pxCurrentTCB": 0x2000_0900,
		},
		funcs: []Function{
			{Name: "main", Low: 0x0800_0000, High: 0x0800_0040},
			{Name: "blink", Low: 0x0800_0040, High: 0x0800_0080},
		},
		lines: []LineEntry{
			{Addr: 0x0800_0000, File: "main.c", Line: 10},
			{Addr: 0x0800_0008, File: "main.c", Line: 11},
			{Addr: 0x0800_0010, File: "main.c", Line: 12},
			{Addr: 0x0800_0040, File: "blink.c", Line: 5},
		},
		inlines: []InlineRange{
			{Name: "delay_us", Low: 0x0800_000C, High: 0x0800_0010},
		},
	}
}

func TestLookupSymbol(t *testing.T) {
	s := lineSnapshot()
	addr, ok := s.LookupSymbol("_SEGGER_RTT")
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000_0800), addr)

	_, ok = s.LookupSymbol("uxCurrentNumberOfTasks")
	assert.False(t, ok)
}

func TestFunctionAt(t *testing.T) {
	s := lineSnapshot()
	require.NotNil(t, s.FunctionAt(0x0800_0000))
	assert.Equal(t, "main", s.FunctionAt(0x0800_003F).Name)
	assert.Equal(t, "blink", s.FunctionAt(0x0800_0040).Name)
	assert.Nil(t, s.FunctionAt(0x0800_0080), "high bound is exclusive")
	assert.Nil(t, s.FunctionAt(0x0700_0000))
}

func TestResolve(t *testing.T) {
	s := lineSnapshot()

	loc := s.Resolve(0x0800_0009)
	assert.Equal(t, "main", loc.Function)
	assert.Equal(t, "main.c", loc.File)
	assert.Equal(t, 11, loc.Line)
	assert.False(t, loc.Inlined)

	// Inside the inlined range the callee's name wins.
	loc = s.Resolve(0x0800_000C)
	assert.Equal(t, "delay_us", loc.Function)
	assert.True(t, loc.Inlined)

	loc = s.Resolve(0x0700_0000)
	assert.Empty(t, loc.Function)
}

func TestNextLineAddr(t *testing.T) {
	s := lineSnapshot()

	next, ok := s.NextLineAddr(0x0800_0000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x0800_0008), next)

	next, ok = s.NextLineAddr(0x0800_0009)
	require.True(t, ok)
	assert.Equal(t, uint64(0x0800_0010), next)

	// The last line of main must not step into blink's table.
	_, ok = s.NextLineAddr(0x0800_0010)
	assert.False(t, ok)
}

func TestParseRejectsNonElf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "firmware.elf")
	require.NoError(t, os.WriteFile(path, []byte("MZ not an elf"), 0o644))

	_, err := Parse(path)
	assert.Equal(t, api.ErrMalformedSymbols, api.CodeOf(err))
}

func TestStoreKeepsSnapshotOnFailedLoad(t *testing.T) {
	st := NewStore(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	assert.Nil(t, st.Snapshot())

	_, err := st.Load("/nonexistent.elf")
	require.Error(t, err)
	assert.Nil(t, st.Snapshot())
}
