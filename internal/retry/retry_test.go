package retry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fastport-io/fastport/internal/clock"
	"github.com/fastport-io/fastport/internal/retry"
	"github.com/fastport-io/fastport/internal/storage"
	"github.com/fastport-io/fastport/internal/storage/memstore"
	"github.com/fastport-io/fastport/internal/subindex"
)

type fakeSessions struct {
	sess map[string]*storage.Session
}

func (f *fakeSessions) GetSession(_ context.Context, name string) (*storage.Session, error) {
	return f.sess[name], nil
}

type fakeDeliverer struct {
	counts chan int
	n      int
}

func (d *fakeDeliverer) Redeliver(_ context.Context, _, _ string, _ storage.Message) int {
	if d.counts != nil {
		d.counts <- d.n
	}
	return d.n
}

func baseMessage(id string) storage.Message {
	return storage.Message{
		MessageID:       id,
		SessionName:     "s1",
		Topic:           "t1",
		Payload:         []byte("hi"),
		PublishedAt:     time.Unix(0, 0),
		MaxRetryLimit:   3,
		RetryIntervalMS: 1000,
	}
}

func TestScheduleRetryFiresAndRedeliversThenReArms(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	fc := clock.NewFake(time.Unix(0, 0))
	sessions := &fakeSessions{sess: map[string]*storage.Session{"s1": {Name: "s1", Suspended: false}}}
	deliverer := &fakeDeliverer{counts: make(chan int, 4), n: 1}

	eng := retry.New(store, fc, subindex.New(), sessions, deliverer, nil)

	require.NoError(t, eng.Cache(ctx, baseMessage("m1")))

	fc.Advance(1001 * time.Millisecond)
	require.Equal(t, 1, <-deliverer.counts)

	m, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, 1, m.RetryCount)
	require.True(t, eng.IsArmed("m1"))
}

func TestFiringWithZeroSubscribersRemovesMessage(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	fc := clock.NewFake(time.Unix(0, 0))
	sessions := &fakeSessions{sess: map[string]*storage.Session{"s1": {Name: "s1"}}}
	deliverer := &fakeDeliverer{n: 0}

	eng := retry.New(store, fc, subindex.New(), sessions, deliverer, nil)
	require.NoError(t, eng.Cache(ctx, baseMessage("m1")))

	fc.Advance(1001 * time.Millisecond)

	m, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestAckCancelsPendingTimerBeforeItFires(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	fc := clock.NewFake(time.Unix(0, 0))
	sessions := &fakeSessions{sess: map[string]*storage.Session{"s1": {Name: "s1"}}}
	deliverer := &fakeDeliverer{counts: make(chan int, 1), n: 1}

	eng := retry.New(store, fc, subindex.New(), sessions, deliverer, nil)
	require.NoError(t, eng.Cache(ctx, baseMessage("m1")))
	require.NoError(t, eng.Ack(ctx, "m1"))

	fc.Advance(5 * time.Second)
	select {
	case <-deliverer.counts:
		t.Fatal("redelivered after ack")
	default:
	}

	m, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestAckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	fc := clock.NewFake(time.Unix(0, 0))
	sessions := &fakeSessions{sess: map[string]*storage.Session{"s1": {Name: "s1"}}}
	deliverer := &fakeDeliverer{n: 1}

	eng := retry.New(store, fc, subindex.New(), sessions, deliverer, nil)
	require.NoError(t, eng.Cache(ctx, baseMessage("m1")))
	require.NoError(t, eng.Ack(ctx, "m1"))
	require.NoError(t, eng.Ack(ctx, "m1"))
}

func TestRetryCeilingDropsMessage(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	fc := clock.NewFake(time.Unix(0, 0))
	sessions := &fakeSessions{sess: map[string]*storage.Session{"s1": {Name: "s1"}}}
	deliverer := &fakeDeliverer{counts: make(chan int, 8), n: 1}

	eng := retry.New(store, fc, subindex.New(), sessions, deliverer, nil)
	m := baseMessage("m1")
	m.MaxRetryLimit = 1
	require.NoError(t, eng.Cache(ctx, m))

	fc.Advance(1001 * time.Millisecond)
	<-deliverer.counts // retryCount becomes 1, still <= maxRetryLimit(1), re-armed

	fc.Advance(1001 * time.Millisecond)
	<-deliverer.counts // retryCount becomes 2, exceeds maxRetryLimit(1): should stop and drop

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSuspendedSessionDropsMessageOnFire(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	fc := clock.NewFake(time.Unix(0, 0))
	sessions := &fakeSessions{sess: map[string]*storage.Session{"s1": {Name: "s1", Suspended: true}}}
	deliverer := &fakeDeliverer{n: 1}

	eng := retry.New(store, fc, subindex.New(), sessions, deliverer, nil)
	require.NoError(t, eng.Cache(ctx, baseMessage("m1")))

	fc.Advance(1001 * time.Millisecond)

	m, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestPurgeSessionCancelsAllPending(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	fc := clock.NewFake(time.Unix(0, 0))
	sessions := &fakeSessions{sess: map[string]*storage.Session{"s1": {Name: "s1"}}}
	deliverer := &fakeDeliverer{n: 1}

	eng := retry.New(store, fc, subindex.New(), sessions, deliverer, nil)
	require.NoError(t, eng.Cache(ctx, baseMessage("m1")))
	require.NoError(t, eng.Cache(ctx, baseMessage("m2")))

	require.NoError(t, eng.PurgeSession(ctx, "s1"))

	pending, err := store.ListPendingMessages(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, pending)
}
