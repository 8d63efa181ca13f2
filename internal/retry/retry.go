// Package retry implements the Message Cache & Retry Engine (C5):
// at-least-once delivery on top of the Storage Port. A message is
// persisted, a retry timer is armed, and firing either redelivers and
// re-arms or drops the message once it's no longer alive (spec §4.6).
//
// The single invariant this package exists to uphold is "at most one
// concurrent retry timer per messageId" — every entry point serializes
// through a per-messageId mutex so the loader/scheduler/canceler can
// never interleave such that a timer fires after the message has
// already been removed.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/fastport-io/fastport/internal/clock"
	"github.com/fastport-io/fastport/internal/logging"
	"github.com/fastport-io/fastport/internal/metrics"
	"github.com/fastport-io/fastport/internal/storage"
	"github.com/fastport-io/fastport/internal/subindex"
)

// Deliverer fans a redelivery out to the live subscribers of a
// (session, topic); it mirrors the Publish Pipeline's fan-out step
// (spec §4.7 step 2) so retries and first-sends look identical to a
// subscriber. It returns the count of subscribers the message was
// handed to.
type Deliverer interface {
	Redeliver(ctx context.Context, sess, topic string, m storage.Message) int
}

// SessionLookup reports whether a session is currently droppable-aware
// (gone or suspended) so a firing timer can self-cancel instead of
// resurrecting a dead tenant's traffic.
type SessionLookup interface {
	GetSession(ctx context.Context, name string) (*storage.Session, error)
}

type entry struct {
	mu    sync.Mutex
	timer clock.TimerHandle
}

// Engine is the Message Cache & Retry Engine (C5).
type Engine struct {
	store   storage.Store
	clock   clock.Clock
	index   *subindex.Index
	sess    SessionLookup
	deliver Deliverer
	log     logging.Logger

	entriesMu sync.Mutex
	entries   map[string]*entry // messageId -> entry

	metrics *metrics.Metrics
}

// SetMetrics attaches the Prometheus instrumentation bundle; nil is a
// valid no-op default.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// SetDeliverer attaches the redeliver callback after construction. The
// Publish Pipeline is itself the production Deliverer and needs this
// Engine to build, so wiring breaks the cycle by constructing the
// Engine first and binding the Pipeline back in afterward.
func (e *Engine) SetDeliverer(d Deliverer) { e.deliver = d }

// IsArmed reports whether messageID currently has a live timer handle,
// for the admin surface's session stats snapshot (spec §9 "session-
// scoped metrics snapshot"). It does not distinguish "never cached"
// from "cached but its timer already fired and was cleaned up" — both
// read as false.
func (e *Engine) IsArmed(messageID string) bool {
	e.entriesMu.Lock()
	en, ok := e.entries[messageID]
	e.entriesMu.Unlock()
	if !ok {
		return false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.timer != nil
}

// New wires an Engine to its collaborators. index is accepted
// separately from deliver so a caller can swap how redelivery is
// performed (e.g. in tests) while still sharing the live subscriber
// index with the rest of the broker.
func New(store storage.Store, clk clock.Clock, index *subindex.Index, sess SessionLookup, deliver Deliverer, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Noop()
	}
	return &Engine{
		store:   store,
		clock:   clk,
		index:   index,
		sess:    sess,
		deliver: deliver,
		log:     log,
		entries: make(map[string]*entry),
	}
}

func (e *Engine) entryFor(id string) *entry {
	e.entriesMu.Lock()
	defer e.entriesMu.Unlock()
	en, ok := e.entries[id]
	if !ok {
		en = &entry{}
		e.entries[id] = en
	}
	return en
}

func (e *Engine) dropEntry(id string) {
	e.entriesMu.Lock()
	defer e.entriesMu.Unlock()
	delete(e.entries, id)
}

// removeDead deletes messageID from storage and bookkeeping because it
// is no longer alive (expired, over the retry ceiling, or orphaned by
// a dropped/suspended session) — as opposed to Ack's removal of a
// message that succeeded.
func (e *Engine) removeDead(ctx context.Context, messageID string) {
	_ = e.store.RemoveMessage(ctx, messageID)
	e.dropEntry(messageID)
	e.log.Log(logging.LevelDebug, "message.dropped", "messageId", messageID)
	if e.metrics != nil {
		e.metrics.CacheSize.Dec()
		e.metrics.MessageDropped.Inc()
	}
}

// Cache persists m with retryCount=0 and the captured expiry/limits,
// then arms its first retry timer (spec §4.6 "Cache write").
func (e *Engine) Cache(ctx context.Context, m storage.Message) error {
	if err := e.store.SaveMessage(ctx, m); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.CacheSize.Inc()
	}
	e.ScheduleRetry(ctx, m.MessageID)
	return nil
}

// ScheduleRetry reloads the message, checks liveness, and arms a timer
// for retryInterval_ms if it is still alive. Calling it for an absent
// message is a silent no-op; a message that is no longer alive is
// removed from storage instead of being armed.
func (e *Engine) ScheduleRetry(ctx context.Context, messageID string) {
	en := e.entryFor(messageID)
	en.mu.Lock()
	defer en.mu.Unlock()
	e.armLocked(ctx, en, messageID)
}

func (e *Engine) armLocked(ctx context.Context, en *entry, messageID string) {
	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		e.log.Log(logging.LevelWarn, "retry.load_failed", "messageId", messageID, "err", err)
		return
	}
	if m == nil {
		return
	}
	now := e.clock.Now()
	if !m.Alive(now) {
		e.removeDead(ctx, messageID)
		return
	}

	if en.timer != nil {
		en.timer.Cancel()
	}
	interval := time.Duration(m.RetryIntervalMS) * time.Millisecond
	en.timer = e.clock.After(interval, func() { e.fire(messageID) })
}

// fire is the retry timer callback (spec §4.6 "On fire"). It holds
// en.mu only for the load/validate step and the final state
// transition, never across the blocking Redeliver call in between
// (spec §9 design notes: "never hold this mutex across a send") — a
// subscriber stalled on one messageId's redelivery must not also stall
// a concurrent Ack for the same messageId.
func (e *Engine) fire(messageID string) {
	ctx := context.Background()
	en := e.entryFor(messageID)
	en.mu.Lock()

	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		en.mu.Unlock()
		e.log.Log(logging.LevelWarn, "retry.fire_load_failed", "messageId", messageID, "err", err)
		return
	}
	if m == nil {
		en.mu.Unlock()
		return // ack raced the timer
	}

	if sess, err := e.sess.GetSession(ctx, m.SessionName); err != nil || sess == nil || sess.Suspended {
		en.mu.Unlock()
		e.removeDead(ctx, messageID)
		return
	}

	now := e.clock.Now()
	m.RetryCount++
	if !m.Alive(now) {
		en.mu.Unlock()
		e.removeDead(ctx, messageID)
		return
	}
	if err := e.store.SaveMessage(ctx, *m); err != nil {
		e.log.Log(logging.LevelWarn, "retry.persist_failed", "messageId", messageID, "err", err)
	}
	en.mu.Unlock()

	delivered := e.deliver.Redeliver(ctx, m.SessionName, m.Topic, *m)
	e.log.Log(logging.LevelDebug, "message.retried", "messageId", messageID, "retryCount", m.RetryCount, "deliveredTo", delivered)
	if e.metrics != nil && delivered > 0 {
		e.metrics.MessageRetried.Inc()
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	// A concurrent Ack may have removed messageID entirely while the
	// lock was released above; re-check before dropping or re-arming
	// so this goroutine doesn't resurrect or double-remove it.
	cur, err := e.store.GetMessage(ctx, messageID)
	if err != nil || cur == nil {
		return
	}

	if delivered == 0 {
		e.removeDead(ctx, messageID)
		return
	}
	e.armLocked(ctx, en, messageID)
}

// Ack cancels messageID's timer and removes it from storage. Both
// operations are idempotent; a duplicate ack is silently ignored
// (spec §4.6 "Cancellation").
func (e *Engine) Ack(ctx context.Context, messageID string) error {
	en := e.entryFor(messageID)
	en.mu.Lock()
	if en.timer != nil {
		en.timer.Cancel()
		en.timer = nil
	}
	en.mu.Unlock()
	e.dropEntry(messageID)
	if e.metrics != nil {
		if m, err := e.store.GetMessage(ctx, messageID); err == nil && m != nil {
			e.metrics.CacheSize.Dec()
		}
	}
	return e.store.RemoveMessage(ctx, messageID)
}

// PurgeSession cancels every in-flight timer for sess and removes its
// cached messages, in service of DropSession's "cancels all retry
// timers for that session before returning" requirement (spec §5).
func (e *Engine) PurgeSession(ctx context.Context, sess string) error {
	pending, err := e.store.ListPendingMessages(ctx, sess)
	if err != nil {
		return err
	}
	for _, m := range pending {
		_ = e.Ack(ctx, m.MessageID)
	}
	return nil
}

// Recover re-arms a timer for every pending message of sess, biasing
// the first retry to publishedAt + retryInterval_ms*(retryCount+1)
// clipped to now (spec §4.6 "Recovery"). Best-effort: callers are
// expected to invoke this once per known session at startup.
func (e *Engine) Recover(ctx context.Context, sess string) error {
	pending, err := e.store.ListPendingMessages(ctx, sess)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	for _, m := range pending {
		en := e.entryFor(m.MessageID)
		en.mu.Lock()
		bias := m.PublishedAt.Add(time.Duration(m.RetryIntervalMS) * time.Millisecond * time.Duration(m.RetryCount+1))
		delay := bias.Sub(now)
		if delay < 0 {
			delay = 0
		}
		mid := m.MessageID
		en.timer = e.clock.After(delay, func() { e.fire(mid) })
		en.mu.Unlock()
	}
	return nil
}
