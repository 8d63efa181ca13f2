// Package connection implements the Connection State Machine (C6): per
// connection framing, authentication state, and dispatch of the text
// and binary frame types named in spec §4.5. It owns no business logic
// beyond routing — publish semantics live in internal/publish, file
// streaming in internal/filestream, credential checks in
// internal/session.
package connection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fastport-io/fastport/internal/fcm"
	"github.com/fastport-io/fastport/internal/logging"
	"github.com/fastport-io/fastport/internal/proto"
	"github.com/fastport-io/fastport/internal/session"
	"github.com/fastport-io/fastport/internal/storage"
	"github.com/fastport-io/fastport/internal/subindex"
	"github.com/fastport-io/fastport/internal/transport"
)

// State mirrors the New/Authenticated/Closing/Closed states of spec §3.
type State int32

const (
	StateNew State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

// Publisher is the Publish Pipeline's entry point, as seen by a
// connection (spec §4.7).
type Publisher interface {
	Publish(ctx context.Context, sess string, sender subindex.Subscriber, f proto.PublishFrame) proto.PublishResponse
	Ack(ctx context.Context, sess string, f proto.AckFrame)
}

// FileRouter is the File Stream Router's entry point (spec §4.8).
type FileRouter interface {
	InitFile(ctx context.Context, sess string, connID string, sender subindex.Subscriber, f proto.InitFileFrame) error
	EndFile(ctx context.Context, sess string, connID string, f proto.EndFileFrame)
	Chunk(ctx context.Context, sess string, connID string, raw []byte) bool
	ReleaseConnection(sess, connID string)
}

// TokenStore is the slice of the Storage Port register_fcm_token needs,
// plus the offline-notifier target tracking a successful registration
// feeds (spec §4.7 step 4).
type TokenStore interface {
	SaveDeviceToken(ctx context.Context, t storage.DeviceToken) error
	TrackUser(sess, userID string)
}

// Connection is one live client transport (spec §3 "Connection").
type Connection struct {
	id    string
	tr    *transport.Conn
	sess  *session.Registry
	index *subindex.Index
	pub   Publisher
	files FileRouter
	toks  TokenStore
	log   logging.Logger

	state atomic.Int32

	mu          sync.Mutex
	sessionName string
	userID      string
	topics      map[string]struct{}

	onAuth   func(c *Connection)
	onClosed func(c *Connection)
}

// SetOnAuthenticated registers fn to run once, synchronously, the
// moment this connection transitions New -> Authenticated. Used by the
// server wiring layer to track every live connection bound to a
// session, so DropSession (spec §4.3) can force-close them.
func (c *Connection) SetOnAuthenticated(fn func(c *Connection)) { c.onAuth = fn }

// SetOnClosed registers fn to run once, synchronously, at the end of
// Close. Mirrors SetOnAuthenticated for deregistration.
func (c *Connection) SetOnClosed(fn func(c *Connection)) { c.onClosed = fn }

// New constructs a Connection in state New.
func New(tr *transport.Conn, sessions *session.Registry, index *subindex.Index, pub Publisher, files FileRouter, toks TokenStore, log logging.Logger) *Connection {
	if log == nil {
		log = logging.Noop()
	}
	return &Connection{
		id:     uuid.NewString(),
		tr:     tr,
		sess:   sessions,
		index:  index,
		pub:    pub,
		files:  files,
		toks:   toks,
		log:    log,
		topics: make(map[string]struct{}),
	}
}

// ConnID implements subindex.Subscriber.
func (c *Connection) ConnID() string { return c.id }

// Deliver implements subindex.Subscriber: marshal env and send it as a
// text frame if still Authenticated.
func (c *Connection) Deliver(_ context.Context, env any) error {
	if State(c.state.Load()) != StateAuthenticated {
		return nil
	}
	if raw, ok := env.(proto.RawFrame); ok {
		return c.tr.SendBinary(raw)
	}
	b, err := proto.Marshal(env)
	if err != nil {
		return err
	}
	return c.tr.SendText(b)
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// SessionName returns the bound tenant, or "" before authentication.
func (c *Connection) SessionName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionName
}

// HandleText dispatches one text frame (spec §4.5).
func (c *Connection) HandleText(ctx context.Context, raw []byte) {
	var env proto.Envelope
	if err := proto.Unmarshal(raw, &env); err != nil {
		c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: "malformed frame"})
		return
	}

	if State(c.state.Load()) == StateNew {
		if env.Type != proto.TypeInit {
			c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: "Not initialized"})
			return
		}
		c.handleInit(ctx, raw)
		return
	}

	switch env.Type {
	case proto.TypeSubscribe:
		c.handleSubscribe(raw)
	case proto.TypeUnsubscribe:
		c.handleUnsubscribe(raw)
	case proto.TypePublish:
		c.handlePublish(ctx, raw)
	case proto.TypeAck:
		c.handleAck(ctx, raw)
	case proto.TypeInitFile:
		c.handleInitFile(ctx, raw)
	case proto.TypeEndFile:
		c.handleEndFile(ctx, raw)
	case proto.TypeRegisterFCMToken:
		c.handleRegisterFCM(ctx, raw)
	default:
		c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: "Unknown message type"})
	}
}

// HandleBinary routes a file-chunk binary frame (spec §4.8). Frames
// shorter than the minimum are dropped silently by proto.DecodeChunk's
// caller in filestream; this just forwards to it when Authenticated.
func (c *Connection) HandleBinary(ctx context.Context, raw []byte) {
	if State(c.state.Load()) != StateAuthenticated {
		return
	}
	c.files.Chunk(ctx, c.SessionName(), c.id, raw)
}

func (c *Connection) handleInit(ctx context.Context, raw []byte) {
	var f proto.InitFrame
	if err := proto.Unmarshal(raw, &f); err != nil {
		c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: "malformed init"})
		return
	}

	_, err := c.sess.ValidateInit(ctx, f.SessionName, f.Password)
	if err != nil {
		c.reply(proto.InitResponse{Type: proto.TypeInitResponse, Success: false, Error: err.Error()})
		return
	}

	c.mu.Lock()
	c.sessionName = f.SessionName
	c.userID = f.UserID
	c.mu.Unlock()
	c.state.Store(int32(StateAuthenticated))

	if f.UserID != "" {
		c.index.RegisterUser(f.SessionName, f.UserID, c)
	}
	if c.onAuth != nil {
		c.onAuth(c)
	}
	c.reply(proto.InitResponse{Type: proto.TypeInitResponse, Success: true})
}

func (c *Connection) handleSubscribe(raw []byte) {
	var f proto.SubscribeFrame
	if err := proto.Unmarshal(raw, &f); err != nil {
		c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: "malformed subscribe"})
		return
	}
	c.index.Subscribe(c.SessionName(), f.Topic, c)
	c.mu.Lock()
	c.topics[f.Topic] = struct{}{}
	c.mu.Unlock()
	c.reply(proto.SubscribeResponse{Type: proto.TypeSubscribeResp, Success: true, Topic: f.Topic})
}

func (c *Connection) handleUnsubscribe(raw []byte) {
	var f proto.UnsubscribeFrame
	if err := proto.Unmarshal(raw, &f); err != nil {
		c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: "malformed unsubscribe"})
		return
	}
	c.index.Unsubscribe(c.SessionName(), f.Topic, c)
	c.mu.Lock()
	delete(c.topics, f.Topic)
	c.mu.Unlock()
	c.reply(proto.UnsubscribeResponse{Type: proto.TypeUnsubscribeResp, Success: true, Topic: f.Topic})
}

func (c *Connection) handlePublish(ctx context.Context, raw []byte) {
	var f proto.PublishFrame
	if err := proto.Unmarshal(raw, &f); err != nil {
		c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: "malformed publish"})
		return
	}
	resp := c.pub.Publish(ctx, c.SessionName(), c, f)
	c.reply(resp)
}

func (c *Connection) handleAck(ctx context.Context, raw []byte) {
	var f proto.AckFrame
	if err := proto.Unmarshal(raw, &f); err != nil {
		c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: "malformed ack"})
		return
	}
	c.pub.Ack(ctx, c.SessionName(), f)
}

func (c *Connection) handleInitFile(ctx context.Context, raw []byte) {
	var f proto.InitFileFrame
	if err := proto.Unmarshal(raw, &f); err != nil {
		c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: "malformed init_file"})
		return
	}
	if err := c.files.InitFile(ctx, c.SessionName(), c.id, c, f); err != nil {
		c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: err.Error()})
	}
}

func (c *Connection) handleEndFile(ctx context.Context, raw []byte) {
	var f proto.EndFileFrame
	if err := proto.Unmarshal(raw, &f); err != nil {
		c.reply(proto.ErrorFrame{Type: proto.TypeError, Error: "malformed end_file"})
		return
	}
	c.files.EndFile(ctx, c.SessionName(), c.id, f)
}

func (c *Connection) handleRegisterFCM(ctx context.Context, raw []byte) {
	var f proto.RegisterFCMTokenFrame
	if err := proto.Unmarshal(raw, &f); err != nil {
		c.reply(proto.FCMTokenResponse{Type: proto.TypeFCMTokenResponse, Success: false, Error: "malformed register_fcm_token"})
		return
	}

	sum := sha256.Sum256([]byte(f.EncryptedData))
	if hex.EncodeToString(sum[:]) != f.Hash {
		c.reply(proto.FCMTokenResponse{Type: proto.TypeFCMTokenResponse, Success: false, Error: "hash mismatch"})
		return
	}

	sess, err := c.sess.GetSession(ctx, c.SessionName())
	if err != nil || sess == nil {
		c.reply(proto.FCMTokenResponse{Type: proto.TypeFCMTokenResponse, Success: false, Error: "unknown session"})
		return
	}

	reg, err := fcm.Decrypt(sess.SecretKey, f.EncryptedData)
	if err != nil {
		c.reply(proto.FCMTokenResponse{Type: proto.TypeFCMTokenResponse, Success: false, Error: "decrypt failed"})
		return
	}

	tok := storage.DeviceToken{
		SessionName: c.SessionName(),
		UserID:      f.UserID,
		DeviceID:    reg.DeviceID,
		Token:       reg.Token,
		Platform:    reg.Platform,
	}
	if err := c.toks.SaveDeviceToken(ctx, tok); err != nil {
		c.reply(proto.FCMTokenResponse{Type: proto.TypeFCMTokenResponse, Success: false, Error: "storage error"})
		return
	}
	c.toks.TrackUser(c.SessionName(), f.UserID)
	c.reply(proto.FCMTokenResponse{Type: proto.TypeFCMTokenResponse, Success: true})
}

// Close transitions Closing->Closed, releasing every owned
// subscription, user binding, and upload mapping (spec §4.5). It is
// idempotent: a second Close is a no-op, via the CompareAndSwap guard
// below rather than a plain boolean flag.
func (c *Connection) Close() {
	if !c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateClosing)) &&
		!c.state.CompareAndSwap(int32(StateNew), int32(StateClosing)) {
		return // already Closing or Closed
	}

	c.mu.Lock()
	sessName := c.sessionName
	userID := c.userID
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	if sessName != "" {
		c.index.CloseConnection(sessName, c, topics)
		if userID != "" {
			c.index.UnregisterUser(sessName, userID, c)
		}
		c.files.ReleaseConnection(sessName, c.id)
	}

	_ = c.tr.Close()
	c.state.Store(int32(StateClosed))

	if c.onClosed != nil {
		c.onClosed(c)
	}
}

// Drop delivers a terminal error frame, naming reason, then closes the
// connection. Used by DropSession (spec §4.3: "every bound connection
// transitions to Closing and is notified") to force-close connections
// that weren't going to close themselves.
func (c *Connection) Drop(ctx context.Context, reason string) {
	_ = c.Deliver(ctx, proto.ErrorFrame{Type: proto.TypeError, Error: reason})
	c.Close()
}

func (c *Connection) reply(v any) {
	b, err := proto.Marshal(v)
	if err != nil {
		c.log.Log(logging.LevelWarn, "connection.marshal_failed", "err", err)
		return
	}
	if err := c.tr.SendText(b); err != nil {
		c.log.Log(logging.LevelDebug, "connection.send_failed", "connId", c.id, "err", err)
	}
}
