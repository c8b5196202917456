//go:build linux

package spawner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxpipe/protocol"
)

func TestParseConfigRequiresSocketAndPath(t *testing.T) {
	_, err := ParseConfig([]string{"/tmp/only-one.sock"})
	assert.Error(t, err)
}

func TestParseConfigReadsEnv(t *testing.T) {
	t.Setenv(protocol.EnvCwd, "/tmp")
	t.Setenv(protocol.EnvVars, "A=1\nB=2")
	t.Setenv(protocol.EnvDropCaps, "CAP_SYS_ADMIN,CAP_NET_ADMIN")
	t.Setenv(protocol.EnvDenySyscalls, "ptrace")

	cfg, err := ParseConfig([]string{"/tmp/handshake.sock", "/bin/cat", "-n"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/handshake.sock", cfg.SocketPath)
	assert.Equal(t, "/bin/cat", cfg.Path)
	assert.Equal(t, []string{"/bin/cat", "-n"}, cfg.Args)
	assert.Equal(t, "/tmp", cfg.Cwd)
	assert.Equal(t, []string{"A=1", "B=2"}, cfg.Env)
	assert.Equal(t, []string{"CAP_SYS_ADMIN", "CAP_NET_ADMIN"}, cfg.DropCaps)
	assert.Equal(t, []string{"ptrace"}, cfg.DenySyscalls)
}
