package sync2_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/storj-labs/replicamanager/internal/sync2"
)

func TestLimiterCapsConcurrentAcquires(t *testing.T) {
	const limit = 10
	limiter := sync2.NewLimiter(limit)

	for i := 0; i < limit; i++ {
		require.True(t, limiter.TryAcquire())
	}
	require.False(t, limiter.TryAcquire(), "limiter should refuse once every slot is held")
	require.Equal(t, limit, limiter.InUse())
	require.Equal(t, limit, limiter.Cap())
}

func TestLimiterReleaseFreesASlot(t *testing.T) {
	limiter := sync2.NewLimiter(1)

	require.True(t, limiter.TryAcquire())
	require.False(t, limiter.TryAcquire())

	limiter.Release()
	require.True(t, limiter.TryAcquire())
}

func TestLimiterConcurrentUseNeverExceedsCap(t *testing.T) {
	const limit, attempts = 4, 1000
	limiter := sync2.NewLimiter(limit)

	var wg sync.WaitGroup
	var mu sync.Mutex
	peak := 0
	inUse := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !limiter.TryAcquire() {
				return
			}
			defer limiter.Release()

			mu.Lock()
			inUse++
			if inUse > peak {
				peak = inUse
			}
			mu.Unlock()

			mu.Lock()
			inUse--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak, limit)
}

func TestNewLimiterRejectsNonPositiveCapacity(t *testing.T) {
	limiter := sync2.NewLimiter(0)
	require.Equal(t, 1, limiter.Cap())
}
