// Package storage defines the Storage Port (C2): the abstract
// persistence contract the broker core depends on for sessions, cached
// messages, and device tokens. Two conforming backends live in the
// sibling memstore and pgstore packages; the core never type-asserts
// down to either.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Callers compare
// with errors.Is, never by string.
var (
	ErrAlreadyExists = errors.New("storage: already exists")
	ErrNotFound      = errors.New("storage: not found")
)

// Session is the persisted tenant root (spec §3).
type Session struct {
	Name                string
	Password            string
	SecretKey           string
	RetryIntervalMS     int64
	MaxRetryLimit       int
	MessageExpiryMS     *int64 // nil = no expiry
	SessionExpiryAt     *time.Time
	Suspended           bool
	NotifierConfig      []byte // opaque, interpreted by the notifier port
	CreatedAt           time.Time
}

// SessionPatch describes a partial update to a Session. Nil fields are
// left untouched; *bool/*int/etc pointers carry the new value when set.
type SessionPatch struct {
	Suspended       *bool
	RetryIntervalMS *int64
	MaxRetryLimit   *int
	MessageExpiryMS **int64
	SessionExpiryAt **time.Time
}

// Message is a cached in-flight publish awaiting acknowledgement
// (spec §3).
type Message struct {
	MessageID       string
	SessionName     string
	Topic           string
	Payload         []byte
	IntegrityTag    string
	PublishedAt     time.Time
	RetryCount      int
	ExpiryAt        *time.Time
	MaxRetryLimit   int
	RetryIntervalMS int64
}

// Alive reports whether m may still legally be redelivered: it has not
// exceeded its retry ceiling and (if it has an expiry) has not expired
// as of now.
func (m *Message) Alive(now time.Time) bool {
	if m.RetryCount > m.MaxRetryLimit {
		return false
	}
	if m.ExpiryAt != nil && !now.Before(*m.ExpiryAt) {
		return false
	}
	return true
}

// DeviceToken is an optional registration for the offline notifier
// port (spec §3).
type DeviceToken struct {
	SessionName string
	UserID      string
	DeviceID    string
	Token       string
	Platform    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CleanupCounts reports how many rows CleanupExpired removed.
type CleanupCounts struct {
	MessagesDeleted int
	SessionsDeleted int
}

// Store is the full Storage Port contract (spec §4.2). Implementations
// must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Init prepares the backend (schema creation, connection warm-up).
	// It is idempotent.
	Init(ctx context.Context) error
	// Close releases backend resources. It is idempotent.
	Close() error

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, name string) (*Session, error)
	UpdateSession(ctx context.Context, name string, patch SessionPatch) error
	DeleteSession(ctx context.Context, name string) error
	// ListSessions returns every known session, for the admin surface's
	// ListSessions (spec §6). Order is unspecified.
	ListSessions(ctx context.Context) ([]Session, error)

	SaveMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	RemoveMessage(ctx context.Context, id string) error
	ListPendingMessages(ctx context.Context, sessionName string) ([]Message, error)

	CleanupExpired(ctx context.Context, now time.Time) (CleanupCounts, error)

	SaveDeviceToken(ctx context.Context, t DeviceToken) error
	GetDeviceTokens(ctx context.Context, sessionName, userID string) ([]DeviceToken, error)
	DeleteDeviceToken(ctx context.Context, sessionName, userID, deviceID string) error
}
