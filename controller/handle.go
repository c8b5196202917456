//go:build linux

package controller

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// Unbuffered requests a read that returns as soon as any bytes become
// available, rather than waiting for a fixed count (spec.md §4.2).
const Unbuffered = -1

// Status is the lifecycle of a child (spec.md §3): init -> start ->
// exit(code), the last being absorbing.
type Status int

const (
	StatusInit Status = iota
	StatusStart
	StatusExit
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusStart:
		return "start"
	case StatusExit:
		return "exit"
	default:
		return "unknown"
	}
}

// StartOptions enumerates exactly the options `Start` accepts. Any
// other knob is rejected with ErrInvalidOptions — this system has no
// namespace, cgroup, or filesystem policy to configure.
type StartOptions struct {
	// Cwd is the child's working directory. Empty means inherit the
	// controller's own working directory.
	Cwd string

	// Env overrides the child's environment. Nil means inherit the
	// controller's own environment.
	Env []string

	// Label is a human-friendly name used only for log correlation
	// (see logger and registry). Never used as a lookup key.
	Label string

	// MaxRead bounds the size of a single non-blocking read syscall,
	// including for Unbuffered reads (spec.md §4.2 "up to
	// implementation max"). Zero selects a sane default.
	MaxRead int

	// Hardening optionally restricts the child's privileges between
	// fork and exec (SPEC_FULL.md D.3/D.4). The zero value applies no
	// restriction.
	Hardening SpawnHardening

	// SpawnerPath overrides the location of the spawner helper
	// executable. Empty triggers the default lookup in
	// resolveSpawnerPath.
	SpawnerPath string
}

// SpawnHardening is optional privilege-dropping applied to the child
// by the spawner helper before it execs the target command.
type SpawnHardening struct {
	// DropCaps removes these Linux capabilities (e.g. "CAP_SYS_ADMIN")
	// from the child's bounding set.
	DropCaps []string

	// DenySyscalls installs a seccomp filter that returns ENOSYS for
	// these syscalls. Nil installs no filter.
	DenySyscalls []string
}

func (h SpawnHardening) empty() bool {
	return len(h.DropCaps) == 0 && len(h.DenySyscalls) == 0
}

// Handle is the opaque identifier for one spawned child (spec.md §3).
// All operations on a Handle are serialized through its controller's
// mailbox; a Handle itself carries no mutable state.
type Handle struct {
	id  string
	ctl *ctrl
}

// ID returns the handle's UUID-derived identifier.
func (h *Handle) ID() string {
	return h.id
}

// Label returns the handle's human-readable name, generated at start
// time unless the caller supplied one via StartOptions.
func (h *Handle) Label() string {
	return h.ctl.label
}

// Write blocks until all of p has been accepted by the kernel pipe or
// an error occurs. Fails with ErrPendingWrite if another write is
// already in flight, with an OS error on I/O failure, or with
// *ExitError if the child has already terminated.
func (h *Handle) Write(ctx context.Context, p []byte) error {
	reply := make(chan error, 1)
	msg := msgWrite{data: p, reply: reply}
	select {
	case h.ctl.mailbox <- msg:
	case <-h.ctl.stopped:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctl.stopped:
		return ErrStopped
	}
}

// ReadResult is the outcome of a successful Read.
type ReadResult struct {
	// Data is the bytes gathered by this call.
	Data []byte
	// EOF is true when the child closed stdout before `size` bytes
	// (or, for Unbuffered, any bytes) were produced.
	EOF bool
}

// Read blocks until exactly size bytes have been gathered, end-of-file
// is reached, or an error occurs. size may be Unbuffered, in which
// case Read returns after the first successful (possibly short) read.
// Fails with ErrPendingRead if another read is in flight.
func (h *Handle) Read(ctx context.Context, size int) (ReadResult, error) {
	if size != Unbuffered && size <= 0 {
		return ReadResult{}, ErrInvalidOptions
	}
	reply := make(chan readReply, 1)
	msg := msgRead{size: size, reply: reply}
	select {
	case h.ctl.mailbox <- msg:
	case <-h.ctl.stopped:
		return ReadResult{}, ErrStopped
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return ReadResult{}, ctx.Err()
	case <-h.ctl.stopped:
		return ReadResult{}, ErrStopped
	}
}

// CloseStdin closes the child's stdin. Idempotent on an already-exited
// child. Subsequent writes fail.
func (h *Handle) CloseStdin(ctx context.Context) error {
	reply := make(chan error, 1)
	msg := msgCloseStdin{reply: reply}
	select {
	case h.ctl.mailbox <- msg:
	case <-h.ctl.stopped:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctl.stopped:
		return ErrStopped
	}
}

// Kill delivers sig (SIGTERM or SIGKILL) to the OS process. Returns
// ErrProcessNotAlive if the OS pid is no longer known.
func (h *Handle) Kill(sig unix.Signal) error {
	if sig != unix.SIGTERM && sig != unix.SIGKILL {
		return ErrInvalidOptions
	}
	reply := make(chan error, 1)
	msg := msgKill{sig: sig, reply: reply}
	select {
	case h.ctl.mailbox <- msg:
	case <-h.ctl.stopped:
		return ErrStopped
	}
	return <-reply
}

// AwaitExit blocks until the child exits, returning its exit code, or
// returns ErrTimeout if timeout elapses first. timeout <= 0 means wait
// forever. Many callers may await the same handle; all are notified.
func (h *Handle) AwaitExit(ctx context.Context, timeout time.Duration) (int, error) {
	reply := make(chan exitReply, 1)
	msg := msgAwaitExit{timeout: timeout, reply: reply}
	select {
	case h.ctl.mailbox <- msg:
	case <-h.ctl.stopped:
		return 0, ErrStopped
	}
	select {
	case r := <-reply:
		return r.code, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// OSPid returns the OS process id, or ok=false if it is no longer
// known (already reaped, or the controller never started).
func (h *Handle) OSPid() (pid int, ok bool) {
	reply := make(chan osPidReply, 1)
	select {
	case h.ctl.mailbox <- msgOSPid{reply: reply}:
	case <-h.ctl.stopped:
		return 0, false
	}
	r := <-reply
	return r.pid, r.ok
}

// Stop releases the controller. The watcher thereafter ensures the OS
// child is signalled, reaped, and its socket path unlinked.
func (h *Handle) Stop() error {
	reply := make(chan struct{})
	select {
	case h.ctl.mailbox <- msgStop{reply: reply}:
		<-reply
		return nil
	case <-h.ctl.stopped:
		return nil
	}
}
