// Package subindex implements the Subscriber Index (C4): an in-memory,
// per-session, per-topic set of live connections, plus a parallel
// per-session user->connection map used for offline detection.
//
// Mutations are serialized per session (spec §4.4); reads snapshot
// under the lock and then release it before the caller fans out, per
// the "avoid holding the index lock during sends" design note in §9.
// Subscription order is FIFO (insertion order), using container/list —
// the pack has no third-party ordered-set library that fits this
// narrow a need, so the stdlib data structure is the grounded choice.
package subindex

import (
	"container/list"
	"context"
	"sync"
)

// Subscriber is the minimal capability the index needs from a live
// connection: a stable identity and a way to push an outbound
// envelope. internal/connection implements this; subindex never
// depends on that package, only the reverse.
type Subscriber interface {
	ConnID() string
	Deliver(ctx context.Context, env any) error
}

type sessionTopics struct {
	mu     sync.Mutex
	topics map[string]*list.List            // topic -> list of *list.Element holding Subscriber
	byConn map[string]map[string]*list.Element // topic -> connID -> element, per topic for O(1) unsubscribe
	users  map[string]Subscriber            // userId -> current connection
}

func newSessionTopics() *sessionTopics {
	return &sessionTopics{
		topics: make(map[string]*list.List),
		byConn: make(map[string]map[string]*list.Element),
		users:  make(map[string]Subscriber),
	}
}

// Index is the Subscriber Index (C4).
type Index struct {
	mu       sync.Mutex
	sessions map[string]*sessionTopics
}

// New returns an empty Index.
func New() *Index {
	return &Index{sessions: make(map[string]*sessionTopics)}
}

func (ix *Index) sessionFor(name string) *sessionTopics {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	st, ok := ix.sessions[name]
	if !ok {
		st = newSessionTopics()
		ix.sessions[name] = st
	}
	return st
}

// Subscribe adds sub to (session, topic), preserving insertion order.
// Subscribing the same connection to the same topic twice is a no-op.
func (ix *Index) Subscribe(session, topic string, sub Subscriber) {
	st := ix.sessionFor(session)
	st.mu.Lock()
	defer st.mu.Unlock()

	byConn, ok := st.byConn[topic]
	if !ok {
		byConn = make(map[string]*list.Element)
		st.byConn[topic] = byConn
	}
	if _, exists := byConn[sub.ConnID()]; exists {
		return
	}

	l, ok := st.topics[topic]
	if !ok {
		l = list.New()
		st.topics[topic] = l
	}
	byConn[sub.ConnID()] = l.PushBack(sub)
}

// Unsubscribe removes sub from (session, topic). It is a no-op if the
// connection was not subscribed.
func (ix *Index) Unsubscribe(session, topic string, sub Subscriber) {
	st := ix.sessionFor(session)
	st.mu.Lock()
	defer st.mu.Unlock()
	ix.unsubscribeLocked(st, topic, sub.ConnID())
}

func (ix *Index) unsubscribeLocked(st *sessionTopics, topic, connID string) {
	byConn, ok := st.byConn[topic]
	if !ok {
		return
	}
	el, ok := byConn[connID]
	if !ok {
		return
	}
	l := st.topics[topic]
	l.Remove(el)
	delete(byConn, connID)
	if l.Len() == 0 {
		delete(st.topics, topic)
		delete(st.byConn, topic)
	}
}

// SubscribersOf returns a stable snapshot of (session, topic)'s current
// subscribers, in subscription order. The slice is safe to iterate
// after the index's internal lock has been released (spec §4.4, §9).
func (ix *Index) SubscribersOf(session, topic string) []Subscriber {
	st := ix.sessionFor(session)
	st.mu.Lock()
	defer st.mu.Unlock()

	l, ok := st.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Subscriber))
	}
	return out
}

// TopicCounts returns the current subscriber count per topic under
// session, for the admin surface's session stats snapshot (spec §9
// "session-scoped metrics snapshot").
func (ix *Index) TopicCounts(session string) map[string]int {
	st := ix.sessionFor(session)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]int, len(st.topics))
	for topic, l := range st.topics {
		out[topic] = l.Len()
	}
	return out
}

// RegisterUser binds userId to sub for offline-push detection.
func (ix *Index) RegisterUser(session, userID string, sub Subscriber) {
	st := ix.sessionFor(session)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.users[userID] = sub
}

// UnregisterUser removes the userId->connection binding, but only if
// it still points at sub (a newer connection for the same user must
// not be evicted by a stale Close racing behind it).
func (ix *Index) UnregisterUser(session, userID string, sub Subscriber) {
	st := ix.sessionFor(session)
	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.users[userID]; ok && cur.ConnID() == sub.ConnID() {
		delete(st.users, userID)
	}
}

// OnlineUsers returns the set of userIds currently bound to a live
// connection under session.
func (ix *Index) OnlineUsers(session string) map[string]Subscriber {
	st := ix.sessionFor(session)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]Subscriber, len(st.users))
	for u, s := range st.users {
		out[u] = s
	}
	return out
}

// CloseConnection removes sub from every topic and the user map under
// session in one pass; it is what Connection.Close calls (spec §4.5).
func (ix *Index) CloseConnection(session string, sub Subscriber, topics []string) {
	st := ix.sessionFor(session)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, topic := range topics {
		ix.unsubscribeLocked(st, topic, sub.ConnID())
	}
	for u, s := range st.users {
		if s.ConnID() == sub.ConnID() {
			delete(st.users, u)
		}
	}
}

// DropSession clears every topic and user binding for session. Called
// by the broker's DropSession orchestration, not by the registry
// itself (spec §4.3's DropSession "clears the subscriber index").
func (ix *Index) DropSession(session string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.sessions, session)
}
