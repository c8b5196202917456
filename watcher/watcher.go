//go:build linux

// Package watcher implements the zombie-reaping backstop described in
// spec.md §4.3: independent of the controller that owns a child, it
// guarantees the OS process is signalled, reaped, and its handshake
// socket path removed even if the controller terminates abnormally.
package watcher

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"boxpipe/logger"
)

// gracePeriod is how long the watcher waits after SIGTERM before
// escalating to SIGKILL.
const gracePeriod = 3 * time.Second

// ChildInfo is the only state the watcher needs: the process-group
// leader's pid and the handshake socket path, held by value (spec.md
// §9 "Ownership": "the watcher holds only the OS pid and socket
// path").
type ChildInfo struct {
	Pid        int
	SocketPath string
}

// Watch lets a controller tell its watcher the child was cleanly
// reaped, so the watcher can stand down without ever touching the OS
// process.
type Watch struct {
	reaped chan struct{}
	once   sync.Once
}

// MarkReaped signals that the controller itself observed the child's
// exit; safe to call more than once.
func (w *Watch) MarkReaped() {
	w.once.Do(func() { close(w.reaped) })
}

// Register starts a watcher for one child and returns immediately.
//
// done must be closed by the controller when its cooperative loop
// stops, for any reason. reapedFromOS must be closed once the OS has
// actually reaped the process-group leader (the controller already
// does this as part of its normal exit-wait bookkeeping; the watcher
// never issues its own wait4 to avoid racing that reap).
func Register(info ChildInfo, done <-chan struct{}, reapedFromOS <-chan struct{}) *Watch {
	w := &Watch{reaped: make(chan struct{})}
	go w.run(info, done, reapedFromOS)
	return w
}

func (w *Watch) run(info ChildInfo, done <-chan struct{}, reapedFromOS <-chan struct{}) {
	select {
	case <-w.reaped:
		return
	case <-done:
	}

	select {
	case <-w.reaped:
		return
	default:
	}

	log := logger.Log.With(slog.Int("pid", info.Pid), slog.String("socket", info.SocketPath))
	log.Warn("controller stopped without reaping child; watcher taking over")

	if err := unix.Kill(-info.Pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		log.Warn("watcher: sigterm failed", slog.Any("err", err))
	}

	select {
	case <-reapedFromOS:
	case <-time.After(gracePeriod):
		if err := unix.Kill(-info.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			log.Warn("watcher: sigkill failed", slog.Any("err", err))
		}
		<-reapedFromOS
	}

	if err := os.Remove(info.SocketPath); err != nil && !os.IsNotExist(err) {
		log.Warn("watcher: unlink socket failed", slog.Any("err", err))
	}
	log.Info("watcher: cleanup complete")
}
