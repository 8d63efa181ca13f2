package clock

import (
	"sync"
	"time"
	"unsafe"

	rbtree "github.com/twmb/go-rbtree"
)

// pending is one armed callback under the fake clock. It embeds an
// rbtree.Node so the set of pending callbacks can be kept ordered by
// (deadline, seq) as an intrusive tree, with no per-node heap box.
type pending struct {
	rbtree.Node
	deadline time.Time
	seq      uint64 // insertion order, breaks deadline ties FIFO
	fn       func()
	canceled bool
}

// nodeOffset is the byte offset of the embedded rbtree.Node within
// pending; it lets Min()/Delete() results (which only see the Node) be
// recovered back to their owning *pending, the same container_of
// pattern the rbtree package expects intrusive users to apply.
const nodeOffset = unsafe.Offsetof(pending{}.Node)

func nodeToPending(n *rbtree.Node) *pending {
	return (*pending)(unsafe.Pointer(uintptr(unsafe.Pointer(n)) - nodeOffset))
}

func pendingLess(l, r *pending) bool {
	if !l.deadline.Equal(r.deadline) {
		return l.deadline.Before(r.deadline)
	}
	return l.seq < r.seq
}

// FakeClock is a virtual clock for deterministic tests: it never
// advances on its own, and Advance fires every callback whose deadline
// is now due, in (deadline, insertion-order) sequence.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	seq  uint64
	tree rbtree.Tree
}

// NewFake creates a FakeClock starting at the given instant (or
// time.Now() if the zero value is passed).
func NewFake(start time.Time) *FakeClock {
	if start.IsZero() {
		start = time.Now()
	}
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) After(d time.Duration, fn func()) TimerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	p := &pending{deadline: f.now.Add(d), seq: f.seq, fn: fn}
	f.tree.Set(&p.Node, func(a, b *rbtree.Node) bool {
		return pendingLess(nodeToPending(a), nodeToPending(b))
	})
	return &fakeTimer{clock: f, p: p}
}

// Advance moves virtual time forward by d and fires, in order, every
// pending callback whose deadline is now <= the new time. Callbacks run
// synchronously on the caller's goroutine, matching the "scheduling
// unit may block" contract: tests that need concurrent firing should
// call Advance from its own goroutine.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	var due []*pending
	for {
		min := f.tree.Min()
		if min == nil {
			break
		}
		p := nodeToPending(min)
		if p.deadline.After(now) {
			break
		}
		f.tree.Delete(min)
		if !p.canceled {
			// Mark it as no longer pending so a later Cancel reports
			// false and does not touch the tree again.
			p.canceled = true
			due = append(due, p)
		}
	}
	f.mu.Unlock()

	for _, p := range due {
		p.fn()
	}
}

type fakeTimer struct {
	clock *FakeClock
	p     *pending
}

func (t *fakeTimer) Cancel() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.p.canceled {
		return false
	}
	t.p.canceled = true
	t.clock.tree.Delete(&t.p.Node)
	return true
}
