// Package publish implements the Publish Pipeline (C7): tenancy check,
// optimistic fan-out, persistence and retry scheduling, the offline
// notifier hook, and the publisher ack round-trip (spec §4.7). It is
// also the Redeliver side of retry.Deliverer, so a timer-driven
// redelivery looks identical to a first-send fan-out.
package publish

import (
	"context"
	"sync"
	"time"

	"github.com/fastport-io/fastport/internal/logging"
	"github.com/fastport-io/fastport/internal/notifier"
	"github.com/fastport-io/fastport/internal/proto"
	"github.com/fastport-io/fastport/internal/retry"
	"github.com/fastport-io/fastport/internal/session"
	"github.com/fastport-io/fastport/internal/storage"
	"github.com/fastport-io/fastport/internal/subindex"
)

// Pipeline is the Publish Pipeline (C7).
type Pipeline struct {
	sessions *session.Registry
	index    *subindex.Index
	retry    *retry.Engine
	notif    notifier.Notifier
	tracker  *notifier.TargetTracker
	log      logging.Logger

	publishersMu sync.Mutex
	publishers   map[string]subindex.Subscriber // messageId -> original sender
}

// New wires a Pipeline to its collaborators.
func New(sessions *session.Registry, index *subindex.Index, retryEngine *retry.Engine, notif notifier.Notifier, tracker *notifier.TargetTracker, log logging.Logger) *Pipeline {
	if notif == nil {
		notif = notifier.Noop{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Pipeline{
		sessions:   sessions,
		index:      index,
		retry:      retryEngine,
		notif:      notif,
		tracker:    tracker,
		log:        log,
		publishers: make(map[string]subindex.Subscriber),
	}
}

// Publish runs the full pipeline for one publish frame from sender
// (spec §4.7 steps 1-5).
func (p *Pipeline) Publish(ctx context.Context, sess string, sender subindex.Subscriber, f proto.PublishFrame) proto.PublishResponse {
	sessObj, err := p.sessions.GetSession(ctx, sess)
	if err != nil || sessObj == nil || sessObj.Suspended {
		return proto.PublishResponse{Type: proto.TypePublishResp, Success: false}
	}

	deliveredTo := p.fanOut(ctx, sess, f.Topic, sender, proto.NewMessageEnvelope(f.Topic, f.Data, f.Hash, f.Timestamp, f.MessageID))
	p.log.Log(logging.LevelDebug, "publish.delivered", "session", sess, "topic", f.Topic, "messageId", f.MessageID, "deliveredTo", deliveredTo)

	if deliveredTo > 0 {
		p.cache(ctx, sess, sessObj, f)
		p.publishersMu.Lock()
		p.publishers[f.MessageID] = sender
		p.publishersMu.Unlock()
	}

	if len(sessObj.NotifierConfig) > 0 {
		p.pushOffline(ctx, sess, f)
	}

	return proto.PublishResponse{Type: proto.TypePublishResp, Success: true, MessageID: f.MessageID, DeliveredTo: deliveredTo}
}

// Redeliver implements retry.Deliverer: it re-runs just the fan-out
// step for a timer-driven retry, excluding nobody (the original
// sender is not special on redelivery).
func (p *Pipeline) Redeliver(ctx context.Context, sess, topic string, m storage.Message) int {
	env := proto.NewMessageEnvelope(topic, string(m.Payload), m.IntegrityTag, m.PublishedAt.UnixMilli(), m.MessageID)
	return p.fanOut(ctx, sess, topic, nil, env)
}

func (p *Pipeline) fanOut(ctx context.Context, sess, topic string, exclude subindex.Subscriber, env proto.MessageEnvelope) int {
	subs := p.index.SubscribersOf(sess, topic)
	delivered := 0
	for _, sub := range subs {
		if exclude != nil && sub.ConnID() == exclude.ConnID() {
			continue
		}
		if err := sub.Deliver(ctx, env); err != nil {
			p.log.Log(logging.LevelWarn, "publish.deliver_failed", "session", sess, "topic", topic, "connId", sub.ConnID(), "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (p *Pipeline) cache(ctx context.Context, sess string, sessObj *storage.Session, f proto.PublishFrame) {
	m := storage.Message{
		MessageID:       f.MessageID,
		SessionName:     sess,
		Topic:           f.Topic,
		Payload:         []byte(f.Data),
		IntegrityTag:    f.Hash,
		PublishedAt:     time.UnixMilli(f.Timestamp),
		RetryCount:      0,
		MaxRetryLimit:   sessObj.MaxRetryLimit,
		RetryIntervalMS: sessObj.RetryIntervalMS,
	}
	if sessObj.MessageExpiryMS != nil {
		exp := m.PublishedAt.Add(time.Duration(*sessObj.MessageExpiryMS) * time.Millisecond)
		m.ExpiryAt = &exp
	}
	if err := p.retry.Cache(ctx, m); err != nil {
		p.log.Log(logging.LevelWarn, "publish.cache_failed", "session", sess, "messageId", f.MessageID, "err", err)
	}
}

func (p *Pipeline) pushOffline(ctx context.Context, sess string, f proto.PublishFrame) {
	if p.tracker == nil {
		return
	}
	onlineConns := p.index.OnlineUsers(sess)
	online := make(map[string]struct{}, len(onlineConns))
	for userID := range onlineConns {
		online[userID] = struct{}{}
	}
	offline := p.tracker.Offline(sess, online)
	for _, userID := range offline {
		go p.notif.PushOffline(ctx, sess, userID, f.Topic)
	}
}

// Ack implements the subscriber ack flow (spec §4.7 step 6): remove
// the message from the Retry Engine and notify the original publisher
// if it is still reachable.
func (p *Pipeline) Ack(ctx context.Context, sess string, f proto.AckFrame) {
	if err := p.retry.Ack(ctx, f.MessageID); err != nil {
		p.log.Log(logging.LevelDebug, "publish.ack_failed", "messageId", f.MessageID, "err", err)
	}

	p.publishersMu.Lock()
	original, ok := p.publishers[f.MessageID]
	delete(p.publishers, f.MessageID)
	p.publishersMu.Unlock()
	if !ok {
		return
	}
	_ = original.Deliver(ctx, proto.AckReceived{Type: proto.TypeAckReceived, MessageID: f.MessageID})
}
