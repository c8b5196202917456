//go:build linux

package protocol_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxpipe/protocol"
)

func TestSendRecvFDsRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "handshake.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *net.UnixConn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.AcceptUnix()
		accepted <- conn
		acceptErr <- err
	}()

	client, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, <-acceptErr)
	server := <-accepted
	defer server.Close()

	stdinWrite, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer stdinWrite.Close()
	stdoutRead, err := os.CreateTemp(t.TempDir(), "stdout")
	require.NoError(t, err)
	defer stdoutRead.Close()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- protocol.SendFDs(client, int(stdinWrite.Fd()), int(stdoutRead.Fd()))
	}()

	gotStdinWrite, gotStdoutRead, err := protocol.RecvFDs(server)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	assert.NotEqual(t, int(stdinWrite.Fd()), gotStdinWrite, "recv side gets a dup'd fd, not the same number")
	assert.Greater(t, gotStdinWrite, 0)
	assert.Greater(t, gotStdoutRead, 0)
}
