//go:build linux

package controller

import "golang.org/x/sys/unix"

// wakePipe lets the controller interrupt any in-flight unix.Poll call
// when it stops, the same parent/child rendezvous idea as a
// synchronization pipe, turned around to wake pollers instead of
// gating a child's start.
type wakePipe struct {
	r, w int
}

func newWakePipe() (*wakePipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &wakePipe{r: fds[0], w: fds[1]}, nil
}

func (p *wakePipe) wake() {
	_, _ = unix.Write(p.w, []byte{1})
}

// close wakes any blocked pollReady call before tearing down both
// ends, so it observes POLLIN rather than racing a POLLNVAL against
// its own fd being closed out from under it.
func (p *wakePipe) close() {
	p.wake()
	_ = unix.Close(p.w)
	_ = unix.Close(p.r)
}

// pollReady blocks until fd reports any readiness at all, or the wake
// pipe fires (ErrStopped), or poll(2) itself errors. It deliberately
// does not interpret POLLERR/POLLHUP/POLLNVAL — the actual read/write
// syscall the controller issues next is the sole source of truth for
// the resulting errno (spec.md §4.2: EAGAIN only ever reschedules;
// every other errno is reported to the caller as-is).
func pollReady(fd int, events int16, wake *wakePipe) error {
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: events},
		{Fd: int32(wake.r), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return ErrStopped
		}
		if fds[0].Revents != 0 {
			return nil
		}
		fds[0].Revents = 0
	}
}

// armWriteReady starts a readiness watcher for stdin becoming
// writable and posts evWriteReady into the mailbox once it does (or
// the wait fails/is interrupted by Stop).
func (c *ctrl) armWriteReady() {
	fd := c.stdinFD
	wake := c.wake
	go func() {
		err := pollReady(fd, unix.POLLOUT, wake)
		if err == ErrStopped {
			return
		}
		c.mailbox <- evWriteReady{err: err}
	}()
}

// armReadReady mirrors armWriteReady for stdout becoming readable.
func (c *ctrl) armReadReady() {
	fd := c.stdoutFD
	wake := c.wake
	go func() {
		err := pollReady(fd, unix.POLLIN, wake)
		if err == ErrStopped {
			return
		}
		c.mailbox <- evReadReady{err: err}
	}()
}
