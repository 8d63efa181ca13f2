// Package adminapi implements the admin control surface (spec §6): the
// shape-only operations an HTTP or CLI adapter would expose over the
// core. It is a thin wrapper over internal/session plus a read-only
// session-stats snapshot drawn from the Subscriber Index and Retry
// Engine (spec §9 "session-scoped metrics snapshot"); no transport,
// auth, or rate limiting lives here — that is an adapter's job and
// explicitly out of scope (spec §1).
package adminapi

import (
	"context"
	"time"

	"github.com/fastport-io/fastport/internal/retry"
	"github.com/fastport-io/fastport/internal/session"
	"github.com/fastport-io/fastport/internal/storage"
	"github.com/fastport-io/fastport/internal/subindex"
)

// CreateSessionRequest mirrors the admin-facing shape in spec §6.
type CreateSessionRequest struct {
	SessionName     string
	Password        string
	RetryIntervalMS *int64
	MaxRetryLimit   *int
	MessageExpiryMS *int64
	SessionExpiryAt *time.Time
}

// CreateSessionResult is the success/failure envelope spec §6 defines
// for CreateSession.
type CreateSessionResult struct {
	Success     bool
	SessionName string
	Password    string
	SecretKey   string
	Error       string
}

// SuspendResult is the envelope spec §6 defines for SuspendSession.
type SuspendResult struct {
	Success   bool
	Suspended bool
	Error     string
}

// DropResult is the envelope spec §6 defines for DropSession.
type DropResult struct {
	Success bool
	Error   string
}

// SessionRecord is a session "sans credentials" (spec §6 ListSessions).
type SessionRecord struct {
	Name            string
	RetryIntervalMS int64
	MaxRetryLimit   int
	MessageExpiryMS *int64
	SessionExpiryAt *time.Time
	Suspended       bool
	CreatedAt       time.Time
}

// SessionStats is the session-scoped metrics snapshot named in spec
// §9's design notes: live counts sourced from C4 (subscribers) and C5
// (cached messages, armed timers), not persisted anywhere.
type SessionStats struct {
	SessionName        string
	SubscribersByTopic map[string]int
	CachedMessageCount int
	ArmedTimerCount    int
}

// API is the admin control surface.
type API struct {
	sessions *session.Registry
	index    *subindex.Index
	retry    *retry.Engine
	store    storage.Store
}

// New wires an API to the collaborators it snapshots from.
func New(sessions *session.Registry, index *subindex.Index, retryEngine *retry.Engine, store storage.Store) *API {
	return &API{sessions: sessions, index: index, retry: retryEngine, store: store}
}

// CreateSession implements spec §6's CreateSession.
func (a *API) CreateSession(ctx context.Context, req CreateSessionRequest) CreateSessionResult {
	res, err := a.sessions.CreateSession(ctx, req.SessionName, req.Password, session.CreateOpts{
		RetryIntervalMS: req.RetryIntervalMS,
		MaxRetryLimit:   req.MaxRetryLimit,
		MessageExpiryMS: req.MessageExpiryMS,
		SessionExpiryAt: req.SessionExpiryAt,
	})
	if err != nil {
		return CreateSessionResult{Success: false, Error: err.Error()}
	}
	return CreateSessionResult{Success: true, SessionName: res.Name, Password: res.Password, SecretKey: res.SecretKey}
}

// DropSession implements spec §6's DropSession.
func (a *API) DropSession(ctx context.Context, name, password, secretKey string) DropResult {
	if err := a.sessions.DropSession(ctx, name, password, secretKey); err != nil {
		return DropResult{Success: false, Error: err.Error()}
	}
	return DropResult{Success: true}
}

// SuspendSession implements spec §6's SuspendSession.
func (a *API) SuspendSession(ctx context.Context, name, password, secretKey string, suspend bool) SuspendResult {
	if err := a.sessions.SuspendSession(ctx, name, password, secretKey, suspend); err != nil {
		return SuspendResult{Success: false, Error: err.Error()}
	}
	return SuspendResult{Success: true, Suspended: suspend}
}

// ListSessions implements spec §6's ListSessions, stripping Password
// and SecretKey from every record.
func (a *API) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	sessions, err := a.sessions.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SessionRecord, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionRecord{
			Name:            s.Name,
			RetryIntervalMS: s.RetryIntervalMS,
			MaxRetryLimit:   s.MaxRetryLimit,
			MessageExpiryMS: s.MessageExpiryMS,
			SessionExpiryAt: s.SessionExpiryAt,
			Suspended:       s.Suspended,
			CreatedAt:       s.CreatedAt,
		})
	}
	return out, nil
}

// SessionStats returns the live subscriber/cache/timer snapshot for
// name (spec §9 "session-scoped metrics snapshot"). It is best-effort:
// a session that does not exist simply reports zero counts everywhere.
func (a *API) SessionStats(ctx context.Context, name string) (SessionStats, error) {
	pending, err := a.store.ListPendingMessages(ctx, name)
	if err != nil {
		return SessionStats{}, err
	}
	armed := 0
	for _, m := range pending {
		if a.retry.IsArmed(m.MessageID) {
			armed++
		}
	}
	return SessionStats{
		SessionName:        name,
		SubscribersByTopic: a.index.TopicCounts(name),
		CachedMessageCount: len(pending),
		ArmedTimerCount:    armed,
	}, nil
}
