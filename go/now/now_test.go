package now_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.skia.org/mrtaskman/go/now"
)

func TestNow_NoOverride_ReturnsWallClock(t *testing.T) {
	mockTime := time.Unix(12, 11).UTC()
	ctx := context.WithValue(context.Background(), now.ContextKey, mockTime)

	require.NotEqual(t, mockTime, now.Now(context.Background()))
	require.Equal(t, mockTime, now.Now(ctx))
}

func TestNow_NowProvider_CalledOncePerNow(t *testing.T) {
	var ticks int64
	provider := now.NowProvider(func() time.Time {
		ticks++
		return time.Unix(ticks, 0).UTC()
	})
	ctx := context.WithValue(context.Background(), now.ContextKey, provider)

	require.Equal(t, int64(1), now.Now(ctx).Unix())
	require.Equal(t, int64(2), now.Now(ctx).Unix())
}

func TestNow_InvalidContextValue_Panics(t *testing.T) {
	ctx := context.WithValue(context.Background(), now.ContextKey, "not a time")
	require.Panics(t, func() { now.Now(ctx) })
}

func TestTimeTravelingContext_SetTime_MovesClock(t *testing.T) {
	first := time.Date(2026, time.July, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	ctx := now.TimeTravelingContext(first)
	require.Equal(t, first, now.Now(ctx))

	ctx.SetTime(second)
	require.Equal(t, second, now.Now(ctx))
}

func TestTimeTravelingContext_WithContext_PreservesParentValues(t *testing.T) {
	first := time.Date(2026, time.July, 1, 10, 0, 0, 0, time.UTC)
	parent := context.WithValue(context.Background(), "foo", "bar")

	ctx := now.TimeTravelingContext(first).WithContext(parent)
	require.Equal(t, first, now.Now(ctx))
	require.Equal(t, "bar", ctx.Value("foo"))
}
