package sequence

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"returnshield/backend/internal/store/memory"
)

func TestStoreAllocatorFormatsPerPrefix(t *testing.T) {
	alloc := NewStoreAllocator(memory.New())
	ctx := context.Background()

	first, err := alloc.Next(ctx, PurchasePrefix)
	require.NoError(t, err)
	second, err := alloc.Next(ctx, "pur")
	require.NoError(t, err)
	ret, err := alloc.Next(ctx, ReturnPrefix)
	require.NoError(t, err)

	assert.Equal(t, "PUR000001", first)
	assert.Equal(t, "PUR000002", second)
	assert.Equal(t, "RET000001", ret)

	_, err = alloc.Next(ctx, " ")
	assert.Error(t, err)
}

func TestStoreAllocatorIsUniqueUnderConcurrency(t *testing.T) {
	alloc := NewStoreAllocator(memory.New())
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			billNo, err := alloc.Next(ctx, PurchasePrefix)
			if err != nil {
				return
			}
			mu.Lock()
			seen[billNo] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

type failingCounter struct{}

func (failingCounter) NextSequence(context.Context, string) (int64, error) {
	return 0, errors.New("counter offline")
}

func TestStoreAllocatorWrapsCounterError(t *testing.T) {
	_, err := NewStoreAllocator(failingCounter{}).Next(context.Background(), PurchasePrefix)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allocate PUR sequence")
}

func TestFormatPadsToSixDigits(t *testing.T) {
	assert.Equal(t, "RET000042", Format(ReturnPrefix, 42))
	assert.Equal(t, "PUR1234567", Format(PurchasePrefix, 1234567))
}

func TestRedisAllocatorIncrements(t *testing.T) {
	addr := os.Getenv("RETURNSHIELD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set RETURNSHIELD_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx := context.Background()
	alloc := NewRedisAllocator(addr, os.Getenv("RETURNSHIELD_TEST_REDIS_PASSWORD"), 0)
	t.Cleanup(func() {
		_ = alloc.client.Del(ctx, redisKeyPrefix+"ITEST").Err()
		_ = alloc.Close()
	})
	require.NoError(t, alloc.Ping(ctx))
	require.NoError(t, alloc.EnsureAtLeast(ctx, "ITEST", 10))

	next, err := alloc.Next(ctx, "ITEST")
	require.NoError(t, err)
	assert.Equal(t, "ITEST000011", next)

	require.NoError(t, alloc.EnsureAtLeast(ctx, "ITEST", 3))
	next, err = alloc.Next(ctx, "ITEST")
	require.NoError(t, err)
	assert.Equal(t, "ITEST000012", next)
}

func TestRedisEnsureAtLeastNeverLosesConcurrentIncrements(t *testing.T) {
	addr := os.Getenv("RETURNSHIELD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set RETURNSHIELD_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx := context.Background()
	alloc := NewRedisAllocator(addr, os.Getenv("RETURNSHIELD_TEST_REDIS_PASSWORD"), 0)
	t.Cleanup(func() {
		_ = alloc.client.Del(ctx, redisKeyPrefix+"CTEST").Err()
		_ = alloc.Close()
	})
	require.NoError(t, alloc.Ping(ctx))
	require.NoError(t, alloc.client.Del(ctx, redisKeyPrefix+"CTEST").Err())

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := alloc.Next(ctx, "CTEST")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, alloc.EnsureAtLeast(ctx, "CTEST", 5))
		}()
	}
	wg.Wait()

	// A floor below the number of increments must never pull the counter back.
	current, err := alloc.client.Get(ctx, redisKeyPrefix+"CTEST").Int64()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, current, int64(workers))
}

func TestParseRoundTripsFormat(t *testing.T) {
	n, ok := Parse(PurchasePrefix, Format(PurchasePrefix, 42))
	require.True(t, ok)
	assert.Equal(t, int64(42), n)

	_, ok = Parse(ReturnPrefix, "PUR000001")
	assert.False(t, ok)
	_, ok = Parse(PurchasePrefix, "PURabc")
	assert.False(t, ok)
}
