// Package delay provides one-shot cancellable scheduled tasks.
//
// Callers depend on the Scheduler interface so tests (or an alternative
// timer wheel) can be swapped in without touching the code that waits.
package delay

import (
	"sync/atomic"
	"time"
)

// Handle controls a scheduled task.
type Handle interface {
	// Cancel prevents the task from running. It returns true only if this call
	// stopped a pending task; cancelling a fired or cancelled task is a no-op.
	Cancel() bool
}

// Scheduler runs fn once after d elapses.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Handle
}

// Runtime is the default Scheduler backed by the Go runtime timer.
type Runtime struct{}

func (Runtime) AfterFunc(d time.Duration, fn func()) Handle {
	h := &timerHandle{}
	h.t = time.AfterFunc(d, func() {
		if h.state.CompareAndSwap(statePending, stateFired) {
			fn()
		}
	})
	return h
}

const (
	statePending int32 = iota
	stateFired
	stateCancelled
)

type timerHandle struct {
	t     *time.Timer
	state atomic.Int32
}

func (h *timerHandle) Cancel() bool {
	if h == nil {
		return false
	}
	if !h.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	h.t.Stop()
	return true
}
