package publish_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fastport-io/fastport/internal/clock"
	"github.com/fastport-io/fastport/internal/notifier"
	"github.com/fastport-io/fastport/internal/proto"
	"github.com/fastport-io/fastport/internal/publish"
	"github.com/fastport-io/fastport/internal/retry"
	"github.com/fastport-io/fastport/internal/session"
	"github.com/fastport-io/fastport/internal/storage/memstore"
	"github.com/fastport-io/fastport/internal/subindex"
)

type fakeSub struct {
	id  string
	got []any
}

func (f *fakeSub) ConnID() string { return f.id }
func (f *fakeSub) Deliver(_ context.Context, env any) error {
	f.got = append(f.got, env)
	return nil
}

func TestPublishDeliversToSubscribersAndAcksPublisher(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sessions := session.New(store, nil)
	index := subindex.New()
	fc := clock.NewFake(time.Unix(0, 0))

	_, err := sessions.CreateSession(ctx, "s1", "pw", session.CreateOpts{})
	require.NoError(t, err)

	pipe := publish.New(sessions, index, retry.New(store, fc, index, sessions, nil, nil), notifier.Noop{}, notifier.NewTargetTracker(), nil)

	sender := &fakeSub{id: "sender"}
	sub1 := &fakeSub{id: "sub1"}
	index.Subscribe("s1", "topic", sub1)
	index.Subscribe("s1", "topic", sender)

	resp := pipe.Publish(ctx, "s1", sender, proto.PublishFrame{
		Type: proto.TypePublish, Topic: "topic", Data: "hello", Hash: "h", Timestamp: 1, MessageID: "m1",
	})

	require.True(t, resp.Success)
	require.Equal(t, 1, resp.DeliveredTo) // sender excluded
	require.Len(t, sub1.got, 1)

	m, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m)

	pipe.Ack(ctx, "s1", proto.AckFrame{Type: proto.TypeAck, Topic: "topic", MessageID: "m1"})
	require.Len(t, sender.got, 1)

	m, err = store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestPublishToSuspendedSessionFails(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sessions := session.New(store, nil)
	index := subindex.New()
	fc := clock.NewFake(time.Unix(0, 0))

	res, err := sessions.CreateSession(ctx, "s1", "pw", session.CreateOpts{})
	require.NoError(t, err)
	require.NoError(t, sessions.SuspendSession(ctx, "s1", "pw", res.SecretKey, true))

	pipe := publish.New(sessions, index, retry.New(store, fc, index, sessions, nil, nil), notifier.Noop{}, notifier.NewTargetTracker(), nil)

	resp := pipe.Publish(ctx, "s1", &fakeSub{id: "sender"}, proto.PublishFrame{Type: proto.TypePublish, Topic: "t", MessageID: "m1"})
	require.False(t, resp.Success)
}

func TestPublishWithNoSubscribersDoesNotCache(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sessions := session.New(store, nil)
	index := subindex.New()
	fc := clock.NewFake(time.Unix(0, 0))

	_, err := sessions.CreateSession(ctx, "s1", "pw", session.CreateOpts{})
	require.NoError(t, err)

	pipe := publish.New(sessions, index, retry.New(store, fc, index, sessions, nil, nil), notifier.Noop{}, notifier.NewTargetTracker(), nil)

	resp := pipe.Publish(ctx, "s1", &fakeSub{id: "sender"}, proto.PublishFrame{Type: proto.TypePublish, Topic: "empty-topic", MessageID: "m1"})
	require.True(t, resp.Success)
	require.Equal(t, 0, resp.DeliveredTo)

	m, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, m)
}
