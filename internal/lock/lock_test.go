package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	release, ok, err := g.TryAcquire(ctx, "customer:1")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v, want acquired", ok, err)
	}
	if _, ok, _ := g.TryAcquire(ctx, "customer:1"); ok {
		t.Error("second TryAcquire() should fail while held")
	}
	if _, ok, _ := g.TryAcquire(ctx, "customer:2"); !ok {
		t.Error("TryAcquire() on another key should succeed")
	}

	release()
	release()
	if g.Held("customer:1") {
		t.Error("key still held after release")
	}
	if _, ok, _ := g.TryAcquire(ctx, "customer:1"); !ok {
		t.Error("TryAcquire() after release should succeed")
	}
}

func TestKeyedMutex_Serializes(t *testing.T) {
	k := NewKeyedMutex()
	var active, overlaps int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("customer:42")
			if atomic.AddInt32(&active, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	if overlaps != 0 {
		t.Errorf("%d overlapping critical sections", overlaps)
	}
	if k.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", k.Len())
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisGuard_AcquireRelease(t *testing.T) {
	mr, client := setupTestRedis(t)
	g := NewRedisGuard(client, "meridian:guard:", time.Minute)
	ctx := context.Background()

	release, ok, err := g.TryAcquire(ctx, "outage:42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("meridian:guard:outage:42"))

	_, ok, err = g.TryAcquire(ctx, "outage:42")
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists("meridian:guard:outage:42"))

	_, ok, err = g.TryAcquire(ctx, "outage:42")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisGuard_ExpiredHolderCannotReleaseNewOwner(t *testing.T) {
	mr, client := setupTestRedis(t)
	g := NewRedisGuard(client, "g:", time.Second)
	ctx := context.Background()

	staleRelease, ok, err := g.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = g.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	staleRelease()
	assert.True(t, mr.Exists("g:k"), "stale holder must not release the new owner's key")
}

func TestRedisGuard_TTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	g := NewRedisGuard(client, "g:", 0)

	_, ok, err := g.TryAcquire(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, DefaultGuardTTL, mr.TTL("g:k"))
}
