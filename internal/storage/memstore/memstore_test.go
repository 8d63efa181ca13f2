package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/fastport-io/fastport/internal/storage"
	"github.com/fastport-io/fastport/internal/storage/memstore"
)

func TestCreateSessionRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	require.NoError(t, s.CreateSession(ctx, storage.Session{Name: "s1"}))
	err := s.CreateSession(ctx, storage.Session{Name: "s1"})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestDeleteSessionRemovesCachedMessages(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.CreateSession(ctx, storage.Session{Name: "s1"}))
	require.NoError(t, s.SaveMessage(ctx, storage.Message{MessageID: "m1", SessionName: "s1"}))

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	msg, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestSaveMessageUpsertsByID(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.SaveMessage(ctx, storage.Message{MessageID: "m1", RetryCount: 0}))
	require.NoError(t, s.SaveMessage(ctx, storage.Message{MessageID: "m1", RetryCount: 3}))

	m, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 3, m.RetryCount)
}

func TestCleanupExpiredDeletesExpiredMessagesAndSessions(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	require.NoError(t, s.CreateSession(ctx, storage.Session{Name: "expired", SessionExpiryAt: &past}))
	require.NoError(t, s.CreateSession(ctx, storage.Session{Name: "alive", SessionExpiryAt: &future}))
	require.NoError(t, s.SaveMessage(ctx, storage.Message{MessageID: "m1", SessionName: "alive", ExpiryAt: &past}))
	require.NoError(t, s.SaveMessage(ctx, storage.Message{MessageID: "m2", SessionName: "alive", ExpiryAt: &future}))

	counts, err := s.CleanupExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, counts.SessionsDeleted)
	require.Equal(t, 1, counts.MessagesDeleted)

	sess, _ := s.GetSession(ctx, "expired")
	require.Nil(t, sess)

	m2, _ := s.GetMessage(ctx, "m2")
	require.NotNil(t, m2)
}

func TestUpdateSessionNotFound(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	err := s.UpdateSession(ctx, "missing", storage.SessionPatch{})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeviceTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.SaveDeviceToken(ctx, storage.DeviceToken{
		SessionName: "s1", UserID: "u1", DeviceID: "d1", Token: "tok",
	}))

	toks, err := s.GetDeviceTokens(ctx, "s1", "u1")
	require.NoError(t, err)
	require.Len(t, toks, 1)

	require.NoError(t, s.DeleteDeviceToken(ctx, "s1", "u1", "d1"))
	toks, err = s.GetDeviceTokens(ctx, "s1", "u1")
	require.NoError(t, err)
	require.Empty(t, toks)
}

// TestGetMessageReturnsIndependentCopy guards against a caller's
// mutation of a returned *storage.Message leaking back into the
// store's internal map, which would corrupt concurrent readers.
func TestGetMessageReturnsIndependentCopy(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	original := storage.Message{MessageID: "m1", SessionName: "s1", Topic: "t", RetryCount: 0}
	require.NoError(t, s.SaveMessage(ctx, original))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	if diff := cmp.Diff(original, *got); diff != "" {
		t.Fatalf("GetMessage result diverged from what was saved (-want +got):\n%s", diff)
	}

	got.RetryCount = 99
	again, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 0, again.RetryCount, "mutating a returned *Message must not affect the store")
}
