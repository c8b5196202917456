//go:build linux

// Package controller implements the per-child cooperative state
// machine described in spec.md §4.2: a single goroutine owns a
// child's stdin/stdout file descriptors and its OS process group,
// serializing one outstanding read and one outstanding write while
// non-blocking readiness watchers drive both forward.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"boxpipe/logger"
	"boxpipe/watcher"
)

const handshakeTimeout = 2 * time.Second

const defaultMaxRead = 64 * 1024

// pendingWrite is spec.md §3's pending-write slot.
type pendingWrite struct {
	tail  []byte
	reply chan error
}

// pendingRead is spec.md §3's pending-read slot.
type pendingRead struct {
	remaining  int
	unbuffered bool
	acc        []byte
	reply      chan readReply
}

// Mailbox message types — one per public operation.
type (
	msgWrite struct {
		data  []byte
		reply chan error
	}
	msgRead struct {
		size  int
		reply chan readReply
	}
	msgCloseStdin struct {
		reply chan error
	}
	msgKill struct {
		sig   unix.Signal
		reply chan error
	}
	msgAwaitExit struct {
		timeout time.Duration
		reply   chan exitReply
	}
	msgOSPid struct {
		reply chan osPidReply
	}
	msgStop struct {
		reply chan struct{}
	}
)

// Internal events posted by I/O readiness watchers and the spawner
// waiter — spec.md §4.2's write-ready / read-ready / child-exit event
// classes.
type (
	evWriteReady  struct{ err error }
	evReadReady   struct{ err error }
	evChildExit   struct{ code int }
	evExitTimeout struct{ id waiterID }
)

type readReply struct {
	result ReadResult
	err    error
}

type exitReply struct {
	code int
	err  error
}

type osPidReply struct {
	pid int
	ok  bool
}

// ctrl is the private mutable state behind a Handle. Every field is
// touched only from run's goroutine.
type ctrl struct {
	id    string
	label string

	mailbox  chan any
	stopped  chan struct{}
	reapedCh chan struct{}
	wake     *wakePipe

	stdinFD  int
	stdoutFD int

	pid      int
	pidKnown bool

	socketPath string
	cmd        *exec.Cmd

	status   Status
	exitCode int

	pendingWrite *pendingWrite
	pendingRead  *pendingRead
	waiters      *exitWaiters

	maxRead int

	log *slog.Logger
}

// Start launches a child through the spawner helper and returns a
// Handle once the handshake completes (spec.md §4.2 `start`). argv's
// first element is resolved to an absolute path; opts enumerates
// exactly cwd and env.
func Start(ctx context.Context, argv []string, opts StartOptions) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: argv must be non-empty", ErrInvalidOptions)
	}

	absPath, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("command not found: %w", err)
	}
	if err := validateStartOptions(opts); err != nil {
		return nil, err
	}

	spawnerPath, err := resolveSpawnerPath(opts.SpawnerPath)
	if err != nil {
		return nil, err
	}

	id, label := newIdentity(opts.Label)
	log := logger.Log.With(slog.String("handle", id), slog.String("label", label))

	sockPath, ln, err := listen()
	if err != nil {
		return nil, err
	}

	succeeded := false
	defer func() {
		if !succeeded {
			_ = ln.Close()
			_ = removeSocket(sockPath)
		}
	}()

	cmd := exec.Command(spawnerPath, sockPath, absPath)
	cmd.Args = append(cmd.Args, argv[1:]...)
	cmd.Env = buildSpawnerEnv(opts)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = spawnerProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start spawner: %w", err)
	}

	conn, stdinWrite, stdoutRead, err := completeHandshake(ln, handshakeTimeout)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, err
	}
	if conn != nil {
		_ = conn.Close()
	}

	// The socket path is unlinked before any caller can observe the
	// handle (spec.md §3). The watcher backstops this if the process
	// dies before reaching this point.
	_ = removeSocket(sockPath)

	if err := unix.SetNonblock(stdinWrite, true); err != nil {
		_ = unix.Close(stdinWrite)
		_ = unix.Close(stdoutRead)
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, fmt.Errorf("set stdin nonblocking: %w", err)
	}
	if err := unix.SetNonblock(stdoutRead, true); err != nil {
		_ = unix.Close(stdinWrite)
		_ = unix.Close(stdoutRead)
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, fmt.Errorf("set stdout nonblocking: %w", err)
	}

	wake, err := newWakePipe()
	if err != nil {
		_ = unix.Close(stdinWrite)
		_ = unix.Close(stdoutRead)
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, err
	}

	maxRead := opts.MaxRead
	if maxRead <= 0 {
		maxRead = defaultMaxRead
	}

	c := &ctrl{
		id:         id,
		label:      label,
		mailbox:    make(chan any, 8),
		stopped:    make(chan struct{}),
		reapedCh:   make(chan struct{}),
		wake:       wake,
		stdinFD:    stdinWrite,
		stdoutFD:   stdoutRead,
		pid:        cmd.Process.Pid,
		pidKnown:   true,
		socketPath: sockPath,
		cmd:        cmd,
		status:     StatusStart,
		waiters:    newExitWaiters(),
		maxRead:    maxRead,
		log:        log,
	}

	log.Info("child started", slog.Int("pid", c.pid))

	watch := watcher.Register(watcher.ChildInfo{
		Pid:        c.pid,
		SocketPath: sockPath,
	}, c.stopped, c.reapedCh)

	succeeded = true
	go c.run(watch)
	go c.waitSpawner()

	return &Handle{id: id, ctl: c}, nil
}

// waitSpawner reaps the spawner's process-group leader exactly once,
// unconditionally — it runs for the lifetime of the child regardless
// of whether the controller is later stopped, so the watcher can rely
// on reapedCh instead of issuing a second, racing wait4 of its own.
func (c *ctrl) waitSpawner() {
	err := c.cmd.Wait()
	code := exitCodeOf(err)
	close(c.reapedCh)
	select {
	case c.mailbox <- evChildExit{code: code}:
	case <-c.stopped:
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// run is the controller's single-threaded cooperative loop: it
// processes exactly one mailbox message at a time (spec.md §5).
func (c *ctrl) run(watch *watcher.Watch) {
	defer close(c.stopped)
	defer c.wake.close()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("controller loop panicked; watcher taking over", slog.Any("panic", r))
		}
	}()

	for msg := range c.mailbox {
		switch m := msg.(type) {
		case msgWrite:
			c.handleWrite(m)
		case evWriteReady:
			c.continueWrite(m.err)
		case msgRead:
			c.handleRead(m)
		case evReadReady:
			c.continueRead(m.err)
		case evChildExit:
			c.handleChildExit(m.code, watch)
		case msgCloseStdin:
			c.handleCloseStdin(m)
		case msgKill:
			c.handleKill(m)
		case msgAwaitExit:
			c.handleAwaitExit(m)
		case evExitTimeout:
			c.handleExitTimeout(m)
		case msgOSPid:
			m.reply <- osPidReply{pid: c.pid, ok: c.pidKnown}
		case msgStop:
			c.handleStop(m, watch)
			return
		}
	}
}

func (c *ctrl) handleWrite(m msgWrite) {
	if c.status == StatusExit {
		m.reply <- &ExitError{Code: c.exitCode}
		return
	}
	if c.pendingWrite != nil {
		m.reply <- ErrPendingWrite
		return
	}
	if c.stdinFD < 0 {
		m.reply <- ErrClosed
		return
	}
	c.pendingWrite = &pendingWrite{tail: m.data, reply: m.reply}
	c.attemptWrite()
}

func (c *ctrl) attemptWrite() {
	pw := c.pendingWrite
	if len(pw.tail) == 0 {
		pw.reply <- nil
		c.pendingWrite = nil
		return
	}
	n, err := unix.Write(c.stdinFD, pw.tail)
	if err != nil {
		if err == unix.EAGAIN {
			c.armWriteReady()
			return
		}
		pw.reply <- err
		c.pendingWrite = nil
		return
	}
	pw.tail = pw.tail[n:]
	if len(pw.tail) == 0 {
		pw.reply <- nil
		c.pendingWrite = nil
		return
	}
	c.armWriteReady()
}

func (c *ctrl) continueWrite(readyErr error) {
	if c.pendingWrite == nil {
		return
	}
	if readyErr != nil {
		c.pendingWrite.reply <- readyErr
		c.pendingWrite = nil
		return
	}
	c.attemptWrite()
}

func (c *ctrl) handleRead(m msgRead) {
	if c.status == StatusExit {
		m.reply <- readReply{err: &ExitError{Code: c.exitCode}}
		return
	}
	if c.pendingRead != nil {
		m.reply <- readReply{err: ErrPendingRead}
		return
	}
	c.pendingRead = &pendingRead{
		remaining:  m.size,
		unbuffered: m.size == Unbuffered,
		reply:      m.reply,
	}
	c.attemptRead()
}

func (c *ctrl) attemptRead() {
	pr := c.pendingRead
	want := pr.remaining
	if pr.unbuffered || want > c.maxRead {
		want = c.maxRead
	}
	buf := make([]byte, want)
	n, err := unix.Read(c.stdoutFD, buf)
	if err != nil {
		if err == unix.EAGAIN {
			c.armReadReady()
			return
		}
		pr.reply <- readReply{err: err}
		c.pendingRead = nil
		return
	}
	if n == 0 {
		// EOF.
		pr.reply <- readReply{result: ReadResult{Data: pr.acc, EOF: true}}
		c.pendingRead = nil
		return
	}
	if pr.unbuffered {
		pr.reply <- readReply{result: ReadResult{Data: buf[:n]}}
		c.pendingRead = nil
		return
	}
	pr.acc = append(pr.acc, buf[:n]...)
	pr.remaining -= n
	if pr.remaining <= 0 {
		pr.reply <- readReply{result: ReadResult{Data: pr.acc}}
		c.pendingRead = nil
		return
	}
	c.armReadReady()
}

func (c *ctrl) continueRead(readyErr error) {
	if c.pendingRead == nil {
		return
	}
	if readyErr != nil {
		c.pendingRead.reply <- readReply{err: readyErr}
		c.pendingRead = nil
		return
	}
	c.attemptRead()
}

func (c *ctrl) handleCloseStdin(m msgCloseStdin) {
	if c.status == StatusExit {
		m.reply <- nil
		return
	}
	if c.stdinFD < 0 {
		m.reply <- nil
		return
	}
	// Resolved Open Question (spec.md §9): fail a pending writer with
	// ErrClosed rather than let it fail naturally on its next attempt.
	if c.pendingWrite != nil {
		c.pendingWrite.reply <- ErrClosed
		c.pendingWrite = nil
	}
	err := unix.Close(c.stdinFD)
	c.stdinFD = -1
	m.reply <- err
}

func (c *ctrl) handleKill(m msgKill) {
	if !c.pidKnown {
		m.reply <- ErrProcessNotAlive
		return
	}
	// The spawner runs as the process-group leader of the child it
	// forks (see spawnerProcAttr); signalling the negative pid reaches
	// both, mirroring the process-group kill idiom used for os/exec
	// children throughout the pack.
	err := unix.Kill(-c.pid, m.sig)
	if err == unix.ESRCH {
		c.pidKnown = false
		m.reply <- ErrProcessNotAlive
		return
	}
	m.reply <- err
}

func (c *ctrl) handleAwaitExit(m msgAwaitExit) {
	if c.status == StatusExit {
		m.reply <- exitReply{code: c.exitCode}
		return
	}
	w := &waiter{reply: m.reply}
	id := c.waiters.add(w)
	if m.timeout > 0 {
		w.timer = time.AfterFunc(m.timeout, func() {
			select {
			case c.mailbox <- evExitTimeout{id: id}:
			case <-c.stopped:
			}
		})
	}
}

func (c *ctrl) handleExitTimeout(m evExitTimeout) {
	w, ok := c.waiters.remove(m.id)
	if !ok {
		// Already served by handleChildExit; idempotent no-op.
		return
	}
	w.reply <- exitReply{err: ErrTimeout}
}

func (c *ctrl) handleChildExit(code int, watch *watcher.Watch) {
	if c.status == StatusExit {
		return
	}
	c.status = StatusExit
	c.exitCode = code
	c.pidKnown = false
	c.waiters.drain(code)
	c.log.Info("child exited", slog.Int("code", code))
	if watch != nil {
		watch.MarkReaped()
	}
}

func (c *ctrl) handleStop(m msgStop, watch *watcher.Watch) {
	if c.pendingWrite != nil {
		c.pendingWrite.reply <- ErrStopped
		c.pendingWrite = nil
	}
	if c.pendingRead != nil {
		c.pendingRead.reply <- readReply{err: ErrStopped}
		c.pendingRead = nil
	}
	c.waiters.drainErr(ErrStopped)
	if c.stdinFD >= 0 {
		_ = unix.Close(c.stdinFD)
		c.stdinFD = -1
	}
	if c.stdoutFD >= 0 {
		_ = unix.Close(c.stdoutFD)
		c.stdoutFD = -1
	}
	m.reply <- struct{}{}
	// The watcher now owns making sure the OS process is signalled,
	// reaped, and its socket path (already removed) stays gone.
	_ = watch
}
