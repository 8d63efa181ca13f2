// Package clock provides the broker's monotonic time source and a
// cancelable, injectable timer primitive (C1 in the design).
//
// Retry timers (internal/retry) and the storage expiry sweep
// (internal/sweeper) are the two callers. The retry engine needs a
// Now() it can trust and an After() whose callback never runs after
// Cancel has returned true for a successful cancellation race; the
// sweeper only reads Now().
package clock

import (
	"time"
)

// TimerHandle is returned by Clock.After. Cancel is idempotent and safe
// to call concurrently with the timer firing.
type TimerHandle interface {
	// Cancel stops the timer. It returns true if the timer was stopped
	// before its callback started running, false if the callback had
	// already fired (or a previous Cancel already ran).
	Cancel() bool
}

// Clock abstracts wall-clock time so that retry scheduling can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// After arms fn to run after d elapses. fn runs on its own
	// goroutine-equivalent scheduling unit; it must not be called
	// holding any lock the caller depends on.
	After(d time.Duration, fn func()) TimerHandle
}

// realClock is the production Clock, backed by time.AfterFunc.
type realClock struct{}

// New returns the production wall-clock Clock.
func New() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration, fn func()) TimerHandle {
	t := time.AfterFunc(d, fn)
	return realTimer{t}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Cancel() bool { return r.t.Stop() }
