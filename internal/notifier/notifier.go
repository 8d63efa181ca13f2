// Package notifier implements the offline-push port (spec §1, §4.7
// step 4): a single PushOffline(session, userId, preview) call,
// non-blocking and best-effort, with a bounded total deadline
// (recommended 5s, spec §5 "Cancellation and timeouts").
//
// The spec's Storage Port has no "list every userId with a registered
// device token for a session" operation, so determining who is a
// push *target* at all cannot come from storage alone. TargetTracker
// closes that gap in memory: every successful register_fcm_token
// call tracks its userId, and a publish's notifier hook subtracts the
// Subscriber Index's current online set from the tracked set. This is
// a documented resolution of an open point in the distilled spec, not
// behavior the original storage contract promises.
package notifier

import (
	"context"
	"sync"
	"time"
)

// Notifier is the offline-push port.
type Notifier interface {
	PushOffline(ctx context.Context, sess, userID, preview string)
}

// Noop discards every push; it is the default Notifier when none is
// wired (publish.New falls back to it for a nil Notifier).
type Noop struct{}

func (Noop) PushOffline(context.Context, string, string, string) {}

const defaultDeadline = 5 * time.Second

// Bounded wraps an underlying Notifier, giving every PushOffline call
// a hard deadline so a slow push gateway can never hold up publish.
type Bounded struct {
	Next     Notifier
	Deadline time.Duration
}

// NewBounded wraps next with the recommended 5s deadline.
func NewBounded(next Notifier) *Bounded {
	return &Bounded{Next: next, Deadline: defaultDeadline}
}

func (b *Bounded) PushOffline(ctx context.Context, sess, userID, preview string) {
	deadline := b.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	b.Next.PushOffline(ctx, sess, userID, preview)
}

// TargetTracker records which userIds have registered a device token
// per session, so the publish pipeline can compute "known but
// currently offline" without a storage-level list operation.
type TargetTracker struct {
	mu    sync.Mutex
	known map[string]map[string]struct{} // session -> userId set
}

// NewTargetTracker returns an empty tracker.
func NewTargetTracker() *TargetTracker {
	return &TargetTracker{known: make(map[string]map[string]struct{})}
}

// Track records that userID has registered a push target under sess.
func (t *TargetTracker) Track(sess, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.known[sess]
	if !ok {
		set = make(map[string]struct{})
		t.known[sess] = set
	}
	set[userID] = struct{}{}
}

// Offline returns every tracked userId under sess that is not a key of
// online.
func (t *TargetTracker) Offline(sess string, online map[string]struct{}) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.known[sess]
	out := make([]string, 0, len(set))
	for u := range set {
		if _, isOnline := online[u]; !isOnline {
			out = append(out, u)
		}
	}
	return out
}

// Forget drops every tracked target for sess, called on session drop.
func (t *TargetTracker) Forget(sess string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.known, sess)
}
