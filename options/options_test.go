//go:build linux

package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvRejectsMissingEquals(t *testing.T) {
	_, err := ParseEnv("NOVALUE")
	assert.Error(t, err)
}

func TestParseEnvAcceptsKV(t *testing.T) {
	kv, err := ParseEnv("KEY=value")
	require.NoError(t, err)
	assert.Equal(t, "KEY=value", kv)
}

func TestMergeEnvOverridesDefaultsAndAppendsExtras(t *testing.T) {
	merged := MergeEnv([]string{"PATH=/custom/bin", "FOO=bar"})
	assert.Contains(t, merged, "PATH=/custom/bin")
	assert.Contains(t, merged, "FOO=bar")
	assert.Contains(t, merged, "HOME=/root")
}

func TestParseMaxReadEmptyMeansDefault(t *testing.T) {
	n, err := ParseMaxRead("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestParseMaxReadParsesByteSize(t *testing.T) {
	n, err := ParseMaxRead("64KB")
	require.NoError(t, err)
	assert.Equal(t, 64*1024, n)
}

func TestParseMaxReadRejectsGarbage(t *testing.T) {
	_, err := ParseMaxRead("not-a-size")
	assert.Error(t, err)
}

func TestCapSetCancelsMatchingAdd(t *testing.T) {
	drops := capSet([]string{"CAP_SYS_ADMIN", "CAP_NET_ADMIN"}, []string{"CAP_NET_ADMIN"})
	assert.ElementsMatch(t, []string{"CAP_SYS_ADMIN"}, drops)
}
