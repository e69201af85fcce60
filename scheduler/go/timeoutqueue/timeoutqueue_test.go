package timeoutqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.skia.org/mrtaskman/scheduler/go/timeoutqueue"
)

func TestSchedule_FiresAfterETA(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := timeoutqueue.New(ctx)

	fired := make(chan time.Time, 1)
	q.Schedule(time.Now().Add(30*time.Millisecond), func(ctx context.Context) {
		fired <- time.Now()
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestSchedule_FiresInETAOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := timeoutqueue.New(ctx)

	var mtx sync.Mutex
	var order []string
	done := make(chan struct{}, 2)
	record := func(name string) timeoutqueue.Callback {
		return func(ctx context.Context) {
			mtx.Lock()
			order = append(order, name)
			mtx.Unlock()
			done <- struct{}{}
		}
	}
	now := time.Now()
	q.Schedule(now.Add(60*time.Millisecond), record("second"))
	q.Schedule(now.Add(20*time.Millisecond), record("first"))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("callbacks never fired")
		}
	}
	require.Equal(t, []string{"first", "second"}, order)
}

func TestStop_PreventsFurtherScheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := timeoutqueue.New(ctx)
	q.Stop()

	q.Schedule(time.Now(), func(ctx context.Context) {
		t.Fatal("callback should not have been scheduled after Stop")
	})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, q.Len())
}
