package permissions

import (
	"context"
	"io"
	"testing"
	"time"

	"log/slog"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newFanoutPair(t *testing.T) (*Fanout, *Fanout, *Cache, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = clientA.Close()
		_ = clientB.Close()
	})

	cacheA := NewCache(5*time.Minute, time.Minute)
	cacheB := NewCache(5*time.Minute, time.Minute)
	return NewFanout(clientA, cacheA, logger), NewFanout(clientB, cacheB, logger), cacheA, cacheB
}

func TestFanoutInvalidatesRemoteCache(t *testing.T) {
	fanoutA, fanoutB, _, cacheB := newFanoutPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, fanoutB.Listen(ctx))

	now := time.Now()
	cacheB.Put("u1", RoleViewer, testEntry(now))
	cacheB.Put("u2", RoleViewer, testEntry(now))

	fanoutA.Publish(ctx, "u1")

	require.Eventually(t, func() bool {
		_, ok := cacheB.Get("u1", RoleViewer, now)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "remote cache entry must be dropped")

	_, ok := cacheB.Get("u2", RoleViewer, now)
	require.True(t, ok, "other users stay cached")
}

func TestFanoutInvalidateAll(t *testing.T) {
	fanoutA, fanoutB, _, cacheB := newFanoutPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, fanoutB.Listen(ctx))

	now := time.Now()
	cacheB.Put("u1", RoleViewer, testEntry(now))
	cacheB.Put("u2", RoleConsultant, testEntry(now))

	fanoutA.PublishAll(ctx)

	require.Eventually(t, func() bool {
		return cacheB.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "full flush must reach remote caches")
}

func TestNilFanoutIsNoop(t *testing.T) {
	var f *Fanout
	ctx := context.Background()
	f.Publish(ctx, "u1")
	f.PublishAll(ctx)
	require.NoError(t, f.Listen(ctx))
}
