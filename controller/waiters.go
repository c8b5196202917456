//go:build linux

package controller

import "time"

// waiterID identifies one AwaitExit call so its timeout event can find
// (and idempotently remove) exactly one entry in the waiter set.
type waiterID uint64

// waiter is one entry in the exit-waiter set (spec.md §3): a caller
// awaiting the exit code, plus the timer that fires evExitTimeout if
// the child doesn't exit first.
type waiter struct {
	reply chan exitReply
	timer *time.Timer
}

// exitWaiters is a mapping from caller identity to an optional timer
// handle. All entries are served with the final exit code when the
// child terminates; timed-out entries are removed individually.
type exitWaiters struct {
	next    waiterID
	entries map[waiterID]*waiter
}

func newExitWaiters() *exitWaiters {
	return &exitWaiters{entries: make(map[waiterID]*waiter)}
}

func (w *exitWaiters) add(entry *waiter) waiterID {
	id := w.next
	w.next++
	w.entries[id] = entry
	return id
}

// remove drops id from the set if present, stopping its timer, and
// reports whether it was present (guards against a timer firing after
// the waiter was already served by exit).
func (w *exitWaiters) remove(id waiterID) (*waiter, bool) {
	e, ok := w.entries[id]
	if !ok {
		return nil, false
	}
	delete(w.entries, id)
	return e, true
}

// drain serves every waiter with code and clears the set.
func (w *exitWaiters) drain(code int) {
	for id, e := range w.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.reply <- exitReply{code: code}
		delete(w.entries, id)
	}
}

// drainErr serves every waiter with err instead of an exit code, used
// when the controller is torn down via Stop before the child exits.
func (w *exitWaiters) drainErr(err error) {
	for id, e := range w.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.reply <- exitReply{err: err}
		delete(w.entries, id)
	}
}
