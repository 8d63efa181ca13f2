// Package pgstore is the durable Storage Port backend: a PostgreSQL
// schema accessed through database/sql and github.com/lib/pq. It
// conforms to the same storage.Store contract as memstore, so the
// broker core never knows which backend is live (spec §4.2, §9's
// "tenant polymorphism in storage" design note).
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/lib/pq"

	"github.com/fastport-io/fastport/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	name               TEXT PRIMARY KEY,
	password           TEXT NOT NULL,
	secret_key         TEXT NOT NULL,
	retry_interval_ms  BIGINT NOT NULL,
	max_retry_limit    INTEGER NOT NULL,
	message_expiry_ms  BIGINT,
	session_expiry_at  TIMESTAMPTZ,
	suspended          BOOLEAN NOT NULL DEFAULT FALSE,
	notifier_config    BYTEA,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	message_id         TEXT PRIMARY KEY,
	session_name       TEXT NOT NULL REFERENCES sessions(name) ON DELETE CASCADE,
	topic              TEXT NOT NULL,
	payload            BYTEA NOT NULL,
	integrity_tag      TEXT NOT NULL,
	published_at       TIMESTAMPTZ NOT NULL,
	retry_count        INTEGER NOT NULL,
	expiry_at          TIMESTAMPTZ,
	max_retry_limit    INTEGER NOT NULL,
	retry_interval_ms  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_name);

CREATE TABLE IF NOT EXISTS device_tokens (
	session_name TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	token        TEXT NOT NULL,
	platform     TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_name, user_id, device_id)
);
`

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a libpq connection string) without yet running
// schema migration; call Init before use.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (name, password, secret_key, retry_interval_ms, max_retry_limit,
			message_expiry_ms, session_expiry_at, suspended, notifier_config)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		sess.Name, sess.Password, sess.SecretKey, sess.RetryIntervalMS, sess.MaxRetryLimit,
		sess.MessageExpiryMS, sess.SessionExpiryAt, sess.Suspended, sess.NotifierConfig)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, name string) (*storage.Session, error) {
	var sess storage.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT name, password, secret_key, retry_interval_ms, max_retry_limit,
			message_expiry_ms, session_expiry_at, suspended, notifier_config, created_at
		FROM sessions WHERE name = $1`, name).Scan(
		&sess.Name, &sess.Password, &sess.SecretKey, &sess.RetryIntervalMS, &sess.MaxRetryLimit,
		&sess.MessageExpiryMS, &sess.SessionExpiryAt, &sess.Suspended, &sess.NotifierConfig, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, name string, patch storage.SessionPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			suspended         = COALESCE($2, suspended),
			retry_interval_ms = COALESCE($3, retry_interval_ms),
			max_retry_limit   = COALESCE($4, max_retry_limit),
			message_expiry_ms = CASE WHEN $5 THEN $6 ELSE message_expiry_ms END,
			session_expiry_at = CASE WHEN $7 THEN $8 ELSE session_expiry_at END
		WHERE name = $1`,
		name,
		patch.Suspended,
		patch.RetryIntervalMS,
		patch.MaxRetryLimit,
		patch.MessageExpiryMS != nil, derefDerefInt64(patch.MessageExpiryMS),
		patch.SessionExpiryAt != nil, derefDerefTime(patch.SessionExpiryAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func derefDerefInt64(pp **int64) *int64 {
	if pp == nil {
		return nil
	}
	return *pp
}

func derefDerefTime(pp **time.Time) *time.Time {
	if pp == nil {
		return nil
	}
	return *pp
}

func (s *Store) DeleteSession(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = $1`, name)
	return err
}

func (s *Store) ListSessions(ctx context.Context) ([]storage.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, password, secret_key, retry_interval_ms, max_retry_limit,
			message_expiry_ms, session_expiry_at, suspended, notifier_config, created_at
		FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Session
	for rows.Next() {
		var sess storage.Session
		if err := rows.Scan(&sess.Name, &sess.Password, &sess.SecretKey, &sess.RetryIntervalMS, &sess.MaxRetryLimit,
			&sess.MessageExpiryMS, &sess.SessionExpiryAt, &sess.Suspended, &sess.NotifierConfig, &sess.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveMessage snappy-compresses the payload before the write, mirroring
// the teacher's produce-side compression choice (spec §9 persistence
// notes; grounded on the teacher's golang/snappy dependency).
func (s *Store) SaveMessage(ctx context.Context, m storage.Message) error {
	compressed := snappy.Encode(nil, m.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, session_name, topic, payload, integrity_tag,
			published_at, retry_count, expiry_at, max_retry_limit, retry_interval_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (message_id) DO UPDATE SET
			session_name      = EXCLUDED.session_name,
			topic             = EXCLUDED.topic,
			payload           = EXCLUDED.payload,
			integrity_tag     = EXCLUDED.integrity_tag,
			published_at      = EXCLUDED.published_at,
			retry_count       = EXCLUDED.retry_count,
			expiry_at         = EXCLUDED.expiry_at,
			max_retry_limit   = EXCLUDED.max_retry_limit,
			retry_interval_ms = EXCLUDED.retry_interval_ms`,
		m.MessageID, m.SessionName, m.Topic, compressed, m.IntegrityTag,
		m.PublishedAt, m.RetryCount, m.ExpiryAt, m.MaxRetryLimit, m.RetryIntervalMS)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	var m storage.Message
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, session_name, topic, payload, integrity_tag,
			published_at, retry_count, expiry_at, max_retry_limit, retry_interval_ms
		FROM messages WHERE message_id = $1`, id).Scan(
		&m.MessageID, &m.SessionName, &m.Topic, &compressed, &m.IntegrityTag,
		&m.PublishedAt, &m.RetryCount, &m.ExpiryAt, &m.MaxRetryLimit, &m.RetryIntervalMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Payload, err = snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("pgstore: decompress payload: %w", err)
	}
	return &m, nil
}

func (s *Store) RemoveMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = $1`, id)
	return err
}

func (s *Store) ListPendingMessages(ctx context.Context, sessionName string) ([]storage.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_name, topic, payload, integrity_tag,
			published_at, retry_count, expiry_at, max_retry_limit, retry_interval_ms
		FROM messages WHERE session_name = $1`, sessionName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Message
	for rows.Next() {
		var m storage.Message
		var compressed []byte
		if err := rows.Scan(&m.MessageID, &m.SessionName, &m.Topic, &compressed, &m.IntegrityTag,
			&m.PublishedAt, &m.RetryCount, &m.ExpiryAt, &m.MaxRetryLimit, &m.RetryIntervalMS); err != nil {
			return nil, err
		}
		if m.Payload, err = snappy.Decode(nil, compressed); err != nil {
			return nil, fmt.Errorf("pgstore: decompress payload: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (storage.CleanupCounts, error) {
	var counts storage.CleanupCounts

	msgRes, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE expiry_at IS NOT NULL AND expiry_at < $1`, now)
	if err != nil {
		return counts, err
	}
	n, _ := msgRes.RowsAffected()
	counts.MessagesDeleted = int(n)

	sessRes, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_expiry_at IS NOT NULL AND session_expiry_at < $1`, now)
	if err != nil {
		return counts, err
	}
	n, _ = sessRes.RowsAffected()
	counts.SessionsDeleted = int(n)

	return counts, nil
}

func (s *Store) SaveDeviceToken(ctx context.Context, t storage.DeviceToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_tokens (session_name, user_id, device_id, token, platform, updated_at)
		VALUES ($1,$2,$3,$4,$5, now())
		ON CONFLICT (session_name, user_id, device_id) DO UPDATE SET
			token = EXCLUDED.token, platform = EXCLUDED.platform, updated_at = now()`,
		t.SessionName, t.UserID, t.DeviceID, t.Token, t.Platform)
	return err
}

func (s *Store) GetDeviceTokens(ctx context.Context, sessionName, userID string) ([]storage.DeviceToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_name, user_id, device_id, token, platform, created_at, updated_at
		FROM device_tokens WHERE session_name = $1 AND user_id = $2`, sessionName, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DeviceToken
	for rows.Next() {
		var t storage.DeviceToken
		if err := rows.Scan(&t.SessionName, &t.UserID, &t.DeviceID, &t.Token, &t.Platform, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDeviceToken(ctx context.Context, sessionName, userID, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM device_tokens WHERE session_name = $1 AND user_id = $2 AND device_id = $3`,
		sessionName, userID, deviceID)
	return err
}

// isUniqueViolation checks for SQLSTATE 23505 (unique_violation), the
// code Postgres returns for a duplicate CreateSession.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ storage.Store = (*Store)(nil)
