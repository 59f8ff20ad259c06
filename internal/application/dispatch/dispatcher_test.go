package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcher_PreservesOrderPerKey(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var (
		mu  sync.Mutex
		got = map[string][]int{}
	)

	keys := []string{"a", "b", "c"}
	for i := 0; i < 200; i++ {
		for _, key := range keys {
			key, i := key, i
			require.NoError(t, d.Dispatch(key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}))
		}
	}

	require.NoError(t, d.Close(context.Background()))

	for _, key := range keys {
		require.Len(t, got[key], 200)
		for i, v := range got[key] {
			assert.Equal(t, i, v, "key %s out of order", key)
		}
	}
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 0, d.ActiveLanes())
}

func TestDispatcher_NeverOverlapsSameKey(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = d.Dispatch("same", func() {
					n := atomic.AddInt32(&inFlight, 1)
					for {
						m := atomic.LoadInt32(&maxInFlight)
						if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
							break
						}
					}
					time.Sleep(10 * time.Microsecond)
					atomic.AddInt32(&inFlight, -1)
				})
			}
		}()
	}
	wg.Wait()

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestDispatcher_DifferentKeysRunInParallel(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	release := make(chan struct{})
	started := make(chan string, 2)

	for _, key := range []string{"x", "y"} {
		key := key
		require.NoError(t, d.Dispatch(key, func() {
			started <- key
			<-release
		}))
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case k := <-started:
			seen[k] = true
		case <-time.After(2 * time.Second):
			t.Fatal("second key blocked behind the first")
		}
	}
	assert.True(t, seen["x"] && seen["y"])

	close(release)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var ran atomic.Bool
	require.NoError(t, d.Dispatch("k", func() { panic("boom") }))
	require.NoError(t, d.Dispatch("k", func() { ran.Store(true) }))

	require.NoError(t, d.Close(context.Background()))
	assert.True(t, ran.Load())
}

func TestDispatcher_RejectsAfterClose(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	require.NoError(t, d.Close(context.Background()))

	assert.Error(t, d.Dispatch("k", func() {}))
}

func TestDispatcher_CloseTimesOut(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, d.Dispatch("k", func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_ObservesBacklog(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var (
		mu   sync.Mutex
		seen []int
	)
	d.OnBacklog(func(n int) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})

	release := make(chan struct{})
	require.NoError(t, d.Dispatch("k", func() { <-release }))
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch("k", func() {}))
	}
	close(release)
	require.NoError(t, d.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, 0, seen[len(seen)-1])
}

func TestDispatcher_WaitKeepsAccepting(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Dispatch("k", func() { count.Add(1) }))
	}
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, int32(10), count.Load())

	require.NoError(t, d.Dispatch("k", func() { count.Add(1) }))
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, int32(11), count.Load())
}
