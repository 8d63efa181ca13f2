// Package session implements the Session Registry (C3): the admin
// surface for creating, suspending, and dropping tenants, plus the
// credential check the Connection State Machine calls on every init
// frame.
//
// Create and drop are serialized per session name (spec §5 "Shared
// Resource Policy"); a DropHook lets the broker wiring layer (which
// also owns the subscriber index and retry engine) react to a drop
// without this package importing either.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fastport-io/fastport/internal/logging"
	"github.com/fastport-io/fastport/internal/storage"
)

var (
	// ErrAlreadyExists mirrors storage.ErrAlreadyExists for callers that
	// only import this package.
	ErrAlreadyExists = storage.ErrAlreadyExists
	// ErrNotFound mirrors storage.ErrNotFound.
	ErrNotFound = storage.ErrNotFound
	// ErrAuth is returned when the supplied password/secretKey do not
	// match the session on record.
	ErrAuth = errors.New("session: authentication failed")
	// ErrSuspended is returned by ValidateInit when the session exists
	// and credentials match but the session is suspended.
	ErrSuspended = errors.New("session: suspended")
)

const (
	secretKeyBytes = 32 // spec §4.3: "at least 32 bytes"

	defaultRetryIntervalMS = int64(5000)
	defaultMaxRetryLimit   = 100
)

// CreateOpts carries the optional overrides accepted by CreateSession.
// A nil field keeps the documented default.
type CreateOpts struct {
	RetryIntervalMS *int64
	MaxRetryLimit   *int
	MessageExpiryMS *int64
	SessionExpiryAt *time.Time
}

// CreateResult is returned to the admin caller; it is the only moment
// the secretKey is ever surfaced.
type CreateResult struct {
	Name      string
	Password  string
	SecretKey string
}

// DropHook is notified synchronously during DropSession, after
// credentials are verified but before Storage.DeleteSession runs, so
// it can tear down in-memory state (subscriber index, retry timers,
// live connections) that this package knows nothing about.
type DropHook interface {
	OnSessionDrop(ctx context.Context, name string)
}

// DropHookFunc adapts a function to DropHook.
type DropHookFunc func(ctx context.Context, name string)

func (f DropHookFunc) OnSessionDrop(ctx context.Context, name string) { f(ctx, name) }

// Registry is the Session Registry (C3).
type Registry struct {
	store storage.Store
	log   logging.Logger

	nameLocksMu sync.Mutex
	nameLocks   map[string]*sync.Mutex

	hooksMu sync.Mutex
	hooks   []DropHook
}

// New wires a Registry to its storage backend.
func New(store storage.Store, log logging.Logger) *Registry {
	if log == nil {
		log = logging.Noop()
	}
	return &Registry{
		store:     store,
		log:       log,
		nameLocks: make(map[string]*sync.Mutex),
	}
}

// AddDropHook registers h to be called on every successful DropSession.
func (r *Registry) AddDropHook(h DropHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, h)
}

func (r *Registry) lockFor(name string) *sync.Mutex {
	r.nameLocksMu.Lock()
	defer r.nameLocksMu.Unlock()
	l, ok := r.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		r.nameLocks[name] = l
	}
	return l
}

// CreateSession creates a new tenant. Fails with ErrAlreadyExists if a
// session by this name is already on record.
func (r *Registry) CreateSession(ctx context.Context, name, password string, opts CreateOpts) (*CreateResult, error) {
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	secretKey, err := randomSecretKey()
	if err != nil {
		return nil, fmt.Errorf("session: generate secret key: %w", err)
	}

	sess := storage.Session{
		Name:            name,
		Password:        password,
		SecretKey:       secretKey,
		RetryIntervalMS: defaultRetryIntervalMS,
		MaxRetryLimit:   defaultMaxRetryLimit,
		Suspended:       false,
		CreatedAt:       time.Now(),
	}
	if opts.RetryIntervalMS != nil {
		sess.RetryIntervalMS = *opts.RetryIntervalMS
	}
	if opts.MaxRetryLimit != nil {
		sess.MaxRetryLimit = *opts.MaxRetryLimit
	}
	if opts.MessageExpiryMS != nil {
		sess.MessageExpiryMS = opts.MessageExpiryMS
	}
	if opts.SessionExpiryAt != nil {
		sess.SessionExpiryAt = opts.SessionExpiryAt
	}

	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	r.log.Log(logging.LevelInfo, "session.created", "session", name)
	return &CreateResult{Name: name, Password: password, SecretKey: secretKey}, nil
}

// SuspendSession toggles the suspended flag after verifying credentials.
func (r *Registry) SuspendSession(ctx context.Context, name, password, secretKey string, suspend bool) error {
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	sess, err := r.authorize(ctx, name, password, secretKey)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrNotFound
	}

	if err := r.store.UpdateSession(ctx, name, storage.SessionPatch{Suspended: &suspend}); err != nil {
		return err
	}
	r.log.Log(logging.LevelInfo, "session.suspended", "session", name, "suspended", suspend)
	return nil
}

// DropSession authorizes the caller, runs every registered DropHook,
// then deletes the session from storage. A second call against an
// already-dropped name is a no-op success (idempotent per spec §4.3).
func (r *Registry) DropSession(ctx context.Context, name, password, secretKey string) error {
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	sess, err := r.store.GetSession(ctx, name)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil // idempotent: already dropped
	}
	if !credentialsMatch(sess.Password, password) || !credentialsMatch(sess.SecretKey, secretKey) {
		return ErrAuth
	}

	r.hooksMu.Lock()
	hooks := append([]DropHook(nil), r.hooks...)
	r.hooksMu.Unlock()
	for _, h := range hooks {
		h.OnSessionDrop(ctx, name)
	}

	if err := r.store.DeleteSession(ctx, name); err != nil {
		return err
	}
	r.log.Log(logging.LevelInfo, "session.dropped", "session", name)
	return nil
}

// ValidateInit is the fast path the Connection State Machine calls on
// every init frame.
func (r *Registry) ValidateInit(ctx context.Context, name, password string) (sess *storage.Session, err error) {
	sess, err = r.store.GetSession(ctx, name)
	if err != nil {
		return nil, err
	}
	if sess == nil || !credentialsMatch(sess.Password, password) {
		return nil, ErrAuth
	}
	if sess.Suspended {
		return sess, ErrSuspended
	}
	return sess, nil
}

// GetSession is a read-only lookup used by components that need
// session configuration (retry defaults, suspended flag) without going
// through ValidateInit's credential check.
func (r *Registry) GetSession(ctx context.Context, name string) (*storage.Session, error) {
	return r.store.GetSession(ctx, name)
}

// ListSessions returns every known session, credentials included; the
// admin surface (internal/adminapi) is responsible for stripping
// Password/SecretKey before handing records to a caller (spec §6
// "sans credentials").
func (r *Registry) ListSessions(ctx context.Context) ([]storage.Session, error) {
	return r.store.ListSessions(ctx)
}

func (r *Registry) authorize(ctx context.Context, name, password, secretKey string) (*storage.Session, error) {
	sess, err := r.store.GetSession(ctx, name)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	if !credentialsMatch(sess.Password, password) || !credentialsMatch(sess.SecretKey, secretKey) {
		return nil, ErrAuth
	}
	return sess, nil
}

// credentialsMatch compares opaque credential strings in constant time
// (spec §3 invariant).
func credentialsMatch(want, got string) bool {
	if len(want) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func randomSecretKey() (string, error) {
	buf := make([]byte, secretKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
