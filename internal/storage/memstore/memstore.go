// Package memstore is the in-memory Storage Port backend: no
// durability across restarts, full conformance to the storage.Store
// contract otherwise. It is the default backend for tests and for
// single-process deployments that accept losing cached messages on
// crash.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/fastport-io/fastport/internal/storage"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*storage.Session
	messages map[string]*storage.Message
	tokens   map[tokenKey]*storage.DeviceToken
}

type tokenKey struct {
	session, user, device string
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*storage.Session),
		messages: make(map[string]*storage.Message),
		tokens:   make(map[tokenKey]*storage.DeviceToken),
	}
}

func (s *Store) Init(context.Context) error  { return nil }
func (s *Store) Close() error                { return nil }

func (s *Store) CreateSession(_ context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.Name]; ok {
		return storage.ErrAlreadyExists
	}
	cp := sess
	s.sessions[sess.Name] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, name string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[name]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) UpdateSession(_ context.Context, name string, patch storage.SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return storage.ErrNotFound
	}
	if patch.Suspended != nil {
		sess.Suspended = *patch.Suspended
	}
	if patch.RetryIntervalMS != nil {
		sess.RetryIntervalMS = *patch.RetryIntervalMS
	}
	if patch.MaxRetryLimit != nil {
		sess.MaxRetryLimit = *patch.MaxRetryLimit
	}
	if patch.MessageExpiryMS != nil {
		sess.MessageExpiryMS = *patch.MessageExpiryMS
	}
	if patch.SessionExpiryAt != nil {
		sess.SessionExpiryAt = *patch.SessionExpiryAt
	}
	return nil
}

func (s *Store) DeleteSession(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, name)
	for id, m := range s.messages {
		if m.SessionName == name {
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *Store) ListSessions(_ context.Context) ([]storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out, nil
}

func (s *Store) SaveMessage(_ context.Context, m storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := m
	s.messages[m.MessageID] = &cp
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Store) RemoveMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *Store) ListPendingMessages(_ context.Context, sessionName string) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Message
	for _, m := range s.messages {
		if m.SessionName == sessionName {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *Store) CleanupExpired(_ context.Context, now time.Time) (storage.CleanupCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts storage.CleanupCounts
	for id, m := range s.messages {
		if m.ExpiryAt != nil && !now.Before(*m.ExpiryAt) {
			delete(s.messages, id)
			counts.MessagesDeleted++
		}
	}
	for name, sess := range s.sessions {
		if sess.SessionExpiryAt != nil && !now.Before(*sess.SessionExpiryAt) {
			delete(s.sessions, name)
			counts.SessionsDeleted++
			for id, m := range s.messages {
				if m.SessionName == name {
					delete(s.messages, id)
				}
			}
		}
	}
	return counts, nil
}

func (s *Store) SaveDeviceToken(_ context.Context, t storage.DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tokens[tokenKey{t.SessionName, t.UserID, t.DeviceID}] = &cp
	return nil
}

func (s *Store) GetDeviceTokens(_ context.Context, sessionName, userID string) ([]storage.DeviceToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.DeviceToken
	for k, t := range s.tokens {
		if k.session == sessionName && k.user == userID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) DeleteDeviceToken(_ context.Context, sessionName, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenKey{sessionName, userID, deviceID})
	return nil
}

var _ storage.Store = (*Store)(nil)
