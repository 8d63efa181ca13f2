package subindex_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

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

func TestSubscribeIsFIFOOrdered(t *testing.T) {
	ix := subindex.New()
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}
	c := &fakeSub{id: "c"}

	ix.Subscribe("s1", "topic", a)
	ix.Subscribe("s1", "topic", b)
	ix.Subscribe("s1", "topic", c)

	subs := ix.SubscribersOf("s1", "topic")
	require.Len(t, subs, 3)
	require.Equal(t, "a", subs[0].ConnID())
	require.Equal(t, "b", subs[1].ConnID())
	require.Equal(t, "c", subs[2].ConnID())
}

func TestSubscribeIsIdempotentPerConnection(t *testing.T) {
	ix := subindex.New()
	a := &fakeSub{id: "a"}
	ix.Subscribe("s1", "topic", a)
	ix.Subscribe("s1", "topic", a)
	require.Len(t, ix.SubscribersOf("s1", "topic"), 1)
}

func TestUnsubscribeRemovesAndEmptiesTopic(t *testing.T) {
	ix := subindex.New()
	a := &fakeSub{id: "a"}
	ix.Subscribe("s1", "topic", a)
	ix.Unsubscribe("s1", "topic", a)
	require.Empty(t, ix.SubscribersOf("s1", "topic"))

	// Unsubscribing again, or a connection never subscribed, is a no-op.
	ix.Unsubscribe("s1", "topic", a)
	ix.Unsubscribe("s1", "topic", &fakeSub{id: "ghost"})
}

func TestRegisterUserTracksLatestConnection(t *testing.T) {
	ix := subindex.New()
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}

	ix.RegisterUser("s1", "user1", a)
	online := ix.OnlineUsers("s1")
	require.Equal(t, a, online["user1"])

	// A stale UnregisterUser for a connection that's no longer current
	// must not evict the newer one.
	ix.RegisterUser("s1", "user1", b)
	ix.UnregisterUser("s1", "user1", a)
	online = ix.OnlineUsers("s1")
	require.Equal(t, b, online["user1"])
}

func TestCloseConnectionClearsTopicsAndUser(t *testing.T) {
	ix := subindex.New()
	a := &fakeSub{id: "a"}
	ix.Subscribe("s1", "t1", a)
	ix.Subscribe("s1", "t2", a)
	ix.RegisterUser("s1", "user1", a)

	ix.CloseConnection("s1", a, []string{"t1", "t2"})

	require.Empty(t, ix.SubscribersOf("s1", "t1"))
	require.Empty(t, ix.SubscribersOf("s1", "t2"))
	require.Empty(t, ix.OnlineUsers("s1"))
}

func TestDropSessionClearsEverythingForThatSessionOnly(t *testing.T) {
	ix := subindex.New()
	a := &fakeSub{id: "a"}
	ix.Subscribe("s1", "t1", a)
	ix.Subscribe("s2", "t1", a)

	ix.DropSession("s1")

	require.Empty(t, ix.SubscribersOf("s1", "t1"))
	require.Len(t, ix.SubscribersOf("s2", "t1"), 1)
}
