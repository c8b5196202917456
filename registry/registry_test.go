//go:build linux

package registry_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxpipe/registry"
)

func TestRecordAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	reg, err := registry.Open(path)
	require.NoError(t, err)
	defer reg.Close()

	entry := registry.Entry{
		ID:       "abc-123",
		Label:    "brave-falcon",
		Pid:      4242,
		ExitCode: 0,
		Started:  time.Now().Add(-time.Second),
		Exited:   time.Now(),
	}
	require.NoError(t, reg.Record(entry))

	got, found, err := reg.Get("abc-123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entry.Label, got.Label)
	assert.Equal(t, entry.Pid, got.Pid)

	_, found, err = reg.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	reg, err := registry.Open(path)
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, reg.Record(registry.Entry{ID: "a"}))
	require.NoError(t, reg.Record(registry.Entry{ID: "b"}))

	entries, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
