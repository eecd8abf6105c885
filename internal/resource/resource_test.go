package resource

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const meminfo = `MemTotal:       16303428 kB
MemFree:         1021244 kB
MemAvailable:    4194304 kB
Buffers:          211648 kB
`

func TestParseMemAvailable(t *testing.T) {
	kb, err := parseMemAvailable(strings.NewReader(meminfo))
	require.NoError(t, err)
	assert.Equal(t, int64(4194304), kb)

	_, err = parseMemAvailable(strings.NewReader("MemTotal: 1 kB\n"))
	assert.Error(t, err)

	_, err = parseMemAvailable(strings.NewReader("MemAvailable:\n"))
	assert.Error(t, err)
}

func TestMemoryGuardReadsMeminfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(path, []byte(meminfo), 0o644))

	g := &MemoryGuard{MeminfoPath: path}
	gb, err := g.AvailableMemoryGB()
	require.NoError(t, err)
	assert.InDelta(t, 4.0, gb, 1e-9)
}

func TestMemoryGuardFallsBackToSysinfo(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("sysinfo fallback is linux only")
	}
	g := &MemoryGuard{MeminfoPath: filepath.Join(t.TempDir(), "missing")}
	gb, err := g.AvailableMemoryGB()
	require.NoError(t, err)
	assert.Greater(t, gb, 0.0)
}

func TestStaticGuard(t *testing.T) {
	g := &StaticGuard{Values: []float64{8, 5, 2}}
	for _, want := range []float64{8, 5, 2, 2} {
		got, err := g.AvailableMemoryGB()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 4, g.Calls())

	boom := errors.New("boom")
	_, err := (&StaticGuard{Err: boom}).AvailableMemoryGB()
	assert.ErrorIs(t, err, boom)
}
