package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fastport-io/fastport/internal/clock"
)

func TestFakeClockFIFOAmongEqualDeadlines(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))

	var fired []int
	for i := 0; i < 3; i++ {
		i := i
		fc.After(100*time.Millisecond, func() { fired = append(fired, i) })
	}

	fc.Advance(100 * time.Millisecond)
	require.Equal(t, []int{0, 1, 2}, fired)
}

func TestFakeClockOrdersByDeadline(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))

	var fired []string
	fc.After(200*time.Millisecond, func() { fired = append(fired, "late") })
	fc.After(50*time.Millisecond, func() { fired = append(fired, "early") })

	fc.Advance(200 * time.Millisecond)
	require.Equal(t, []string{"early", "late"}, fired)
}

func TestFakeClockCancelIsIdempotent(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))

	fired := false
	h := fc.After(10*time.Millisecond, func() { fired = true })

	require.True(t, h.Cancel())
	require.False(t, h.Cancel())

	fc.Advance(time.Second)
	require.False(t, fired)
}

func TestFakeClockDoesNotFireBeforeDeadline(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))

	fired := false
	fc.After(100*time.Millisecond, func() { fired = true })

	fc.Advance(50 * time.Millisecond)
	require.False(t, fired)

	fc.Advance(50 * time.Millisecond)
	require.True(t, fired)
}
