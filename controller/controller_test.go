//go:build linux

package controller_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxpipe/controller"

	"golang.org/x/sys/unix"
)

// TestMain builds the spawner helper once per test binary run and
// points every controller.Start call at it via $BOXPIPE_SPAWNER,
// mirroring how an installed boxpipe would ship the two binaries
// side by side.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "boxpipe-spawner-*")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	binPath := filepath.Join(dir, "spawner")
	build := exec.Command("go", "build", "-o", binPath, "boxpipe/cmd/spawner")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		panic("build spawner helper: " + err.Error())
	}

	if err := os.Setenv("BOXPIPE_SPAWNER", binPath); err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}

func startFor(t *testing.T, argv []string) *controller.Handle {
	t.Helper()
	h, err := controller.Start(context.Background(), argv, controller.StartOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

// E1: write then close stdin then read exactly what was written, then
// EOF, then a zero exit code.
func TestWriteReadCloseAwaitExit(t *testing.T) {
	ctx := context.Background()
	h := startFor(t, []string{"cat"})

	require.NoError(t, h.Write(ctx, []byte("hello")))
	require.NoError(t, h.CloseStdin(ctx))

	r, err := h.Read(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(r.Data))
	assert.False(t, r.EOF)

	r, err = h.Read(ctx, 1)
	require.NoError(t, err)
	assert.True(t, r.EOF)
	assert.Empty(t, r.Data)

	code, err := h.AwaitExit(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

// E2: a short timeout on await_exit reports ErrTimeout before the
// child has exited, while a subsequent unbounded wait reports the
// real code.
func TestAwaitExitTimeout(t *testing.T) {
	ctx := context.Background()
	h := startFor(t, []string{"sh", "-c", "sleep 1; exit 7"})

	_, err := h.AwaitExit(ctx, 100*time.Millisecond)
	assert.ErrorIs(t, err, controller.ErrTimeout)

	code, err := h.AwaitExit(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

// E3: killing the child unblocks a pending read with whatever bytes
// arrived plus EOF, and await_exit reports a non-zero code.
func TestKillUnblocksReaders(t *testing.T) {
	ctx := context.Background()
	h := startFor(t, []string{"sh", "-c", "printf AB; sleep 10"})

	type readOutcome struct {
		result controller.ReadResult
		err    error
	}
	done := make(chan readOutcome, 1)
	go func() {
		r, err := h.Read(ctx, 4)
		done <- readOutcome{r, err}
	}()

	// Give the read a moment to observe "AB" before it blocks waiting
	// for the remaining two bytes.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h.Kill(unix.SIGKILL))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.True(t, out.result.EOF)
		assert.Equal(t, "AB", string(out.result.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("read did not unblock after kill")
	}

	code, err := h.AwaitExit(ctx, 0)
	require.NoError(t, err)
	assert.NotZero(t, code)
}

// E4: two concurrent writers race for the single pending-write slot;
// exactly one succeeds.
func TestConcurrentWriteExactlyOneSucceeds(t *testing.T) {
	ctx := context.Background()
	h := startFor(t, []string{"cat"})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.Write(ctx, []byte("x"))
		}(i)
	}
	wg.Wait()

	oks, pending := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			oks++
		case err == controller.ErrPendingWrite:
			pending++
		}
	}
	assert.Equal(t, 1, oks)
	assert.Equal(t, 1, pending)
}

// E5: once a child has exited, subsequent writes report *ExitError.
func TestWriteAfterExitReportsExitError(t *testing.T) {
	ctx := context.Background()
	h := startFor(t, []string{"false"})

	code, err := h.AwaitExit(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	err = h.Write(ctx, []byte("x"))
	var exitErr *controller.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
}

// E6: starting a nonexistent command fails fast with no socket left
// behind, since resolution fails before a listener is ever created.
func TestStartCommandNotFound(t *testing.T) {
	_, err := controller.Start(context.Background(), []string{"boxpipe-does-not-exist"}, controller.StartOptions{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "command not found"))

	entries, err := os.ReadDir(os.TempDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "boxpipe-") && strings.HasSuffix(e.Name(), ".sock"))
	}
}
