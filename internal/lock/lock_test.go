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

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var (
		inside  int32
		maxSeen int32
		count   int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "order-1", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				atomic.AddInt32(&count, 1)
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	exerciseMutualExclusion(t, k)
	assert.Zero(t, k.Held())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = k.WithLock(context.Background(), "a", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_ = k.WithLock(context.Background(), "b", func(ctx context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	close(release)
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	k := NewKeyedMutex()
	release := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = k.WithLock(context.Background(), "a", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := k.WithLock(ctx, "a", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
	close(release)
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, RedisOptions{Prefix: "test:", Tries: 200, RetryDelay: 5 * time.Millisecond}, nil), mr
}

func TestRedisLockerSerializesSameKey(t *testing.T) {
	l, _ := newRedisLocker(t)
	exerciseMutualExclusion(t, l)
}

func TestRedisLockerReleasesKey(t *testing.T) {
	l, mr := newRedisLocker(t)
	err := l.WithLock(context.Background(), "order-9", func(ctx context.Context) error {
		assert.True(t, mr.Exists("test:order-9"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:order-9"))
}
