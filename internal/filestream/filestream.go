// Package filestream implements the File Stream Router (C8): control
// frames init_file/end_file plus binary chunk relay, entirely
// stream-through with no persistence, retry, or expiry (spec §4.8).
package filestream

import (
	"context"
	"errors"
	"sync"

	"github.com/fastport-io/fastport/internal/logging"
	"github.com/fastport-io/fastport/internal/proto"
	"github.com/fastport-io/fastport/internal/session"
	"github.com/fastport-io/fastport/internal/subindex"
)

// ErrSessionUnavailable is returned by InitFile when the session is
// missing or suspended.
var ErrSessionUnavailable = errors.New("filestream: session unavailable")

type uploadKey struct {
	session string
	connID  string
	fileID  string
}

// Router is the File Stream Router (C8).
type Router struct {
	sessions *session.Registry
	index    *subindex.Index
	log      logging.Logger

	mu      sync.Mutex
	uploads map[uploadKey]string // key -> topic
}

// New wires a Router to the Session Registry (for the suspended/missing
// check) and the Subscriber Index (for fan-out of control frames and
// chunks).
func New(sessions *session.Registry, index *subindex.Index, log logging.Logger) *Router {
	if log == nil {
		log = logging.Noop()
	}
	return &Router{
		sessions: sessions,
		index:    index,
		log:      log,
		uploads:  make(map[uploadKey]string),
	}
}

// InitFile records fileId->topic on the connection's upload table and
// relays the control frame to current subscribers, excluding the
// sender (spec §4.8).
func (r *Router) InitFile(ctx context.Context, sess, connID string, sender subindex.Subscriber, f proto.InitFileFrame) error {
	s, err := r.sessions.GetSession(ctx, sess)
	if err != nil || s == nil || s.Suspended {
		return ErrSessionUnavailable
	}

	r.mu.Lock()
	r.uploads[uploadKey{sess, connID, f.FileID}] = f.Topic
	r.mu.Unlock()

	r.relay(ctx, sess, f.Topic, sender, proto.InitFileFrame{
		Type: proto.TypeInitFile, Topic: f.Topic, FileID: f.FileID,
		FileName: f.FileName, FileSize: f.FileSize, TotalChunks: f.TotalChunks,
	})
	return nil
}

// EndFile relays the end_file envelope and deletes the upload mapping.
// An end_file for a fileId this connection has no upload mapping for
// is dropped without relaying anything.
func (r *Router) EndFile(ctx context.Context, sess, connID string, f proto.EndFileFrame) {
	r.mu.Lock()
	key := uploadKey{sess, connID, f.FileID}
	topic, ok := r.uploads[key]
	if ok {
		delete(r.uploads, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.relayExcluding(ctx, sess, topic, connID, proto.EndFileFrame{Type: proto.TypeEndFile, Topic: f.Topic, FileID: f.FileID, Hash: f.Hash})
}

// relay forwards env to every current subscriber of (sess, topic)
// except sender.
func (r *Router) relay(ctx context.Context, sess, topic string, sender subindex.Subscriber, env any) {
	excludeID := ""
	if sender != nil {
		excludeID = sender.ConnID()
	}
	r.relayExcluding(ctx, sess, topic, excludeID, env)
}

func (r *Router) relayExcluding(ctx context.Context, sess, topic, excludeConnID string, env any) {
	for _, sub := range r.index.SubscribersOf(sess, topic) {
		if excludeConnID != "" && sub.ConnID() == excludeConnID {
			continue
		}
		if err := sub.Deliver(ctx, env); err != nil {
			r.log.Log(logging.LevelDebug, "filestream.relay_failed", "connId", sub.ConnID(), "err", err)
		}
	}
}

// Chunk forwards a binary frame unchanged to subscribers of the topic
// the fileId was registered against, provided the sender still owns
// that fileId. It returns false (and drops the frame silently) if the
// frame is undersized or the fileId is unknown to this connection
// (spec §4.8).
func (r *Router) Chunk(ctx context.Context, sess, connID string, raw []byte) bool {
	c, err := proto.DecodeChunk(raw)
	if err != nil {
		return false
	}

	r.mu.Lock()
	topic, ok := r.uploads[uploadKey{sess, connID, c.FileID}]
	r.mu.Unlock()
	if !ok {
		return false
	}

	for _, sub := range r.index.SubscribersOf(sess, topic) {
		if sub.ConnID() == connID {
			continue
		}
		if err := sub.Deliver(ctx, proto.RawFrame(raw)); err != nil {
			r.log.Log(logging.LevelDebug, "filestream.chunk_deliver_failed", "connId", sub.ConnID(), "err", err)
		}
	}
	return true
}

// ReleaseConnection drops every upload mapping owned by connID under
// sess, called from Connection.Close (spec §3 "Connection" lifecycle).
func (r *Router) ReleaseConnection(sess, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.uploads {
		if k.session == sess && k.connID == connID {
			delete(r.uploads, k)
		}
	}
}
