package profiling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_WritesRequestedProfiles(t *testing.T) {
	// Given: all three profiles requested
	dir := t.TempDir()
	opts := Options{
		CPU:   filepath.Join(dir, "cpu.prof"),
		Heap:  filepath.Join(dir, "heap.prof"),
		Trace: filepath.Join(dir, "trace.out"),
	}
	require.True(t, opts.Enabled())

	// When: running some work inside a session
	s, err := Start(opts)
	require.NoError(t, err)
	sum := 0
	for i := range 1_000_000 {
		sum += i
	}
	_ = sum
	require.NoError(t, s.Stop())

	// Then: every file exists and is non-empty
	for _, path := range []string{opts.CPU, opts.Heap, opts.Trace} {
		info, err := os.Stat(path)
		require.NoError(t, err, path)
		assert.Greater(t, info.Size(), int64(0), path)
	}
}

func TestSession_NothingRequested(t *testing.T) {
	opts := Options{}
	assert.False(t, opts.Enabled())

	s, err := Start(opts)
	require.NoError(t, err)
	assert.NoError(t, s.Stop())
}

func TestStart_BadPathStopsCPUProfile(t *testing.T) {
	// Given: a valid CPU path and an unwritable trace path
	dir := t.TempDir()
	opts := Options{
		CPU:   filepath.Join(dir, "cpu.prof"),
		Trace: filepath.Join(dir, "missing", "trace.out"),
	}

	// When: starting
	_, err := Start(opts)
	require.Error(t, err)

	// Then: CPU profiling was stopped so a new session can start
	s, err := Start(Options{CPU: filepath.Join(dir, "cpu2.prof")})
	require.NoError(t, err)
	require.NoError(t, s.Stop())
}
