package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cataldij/quotacache/adapters/redis"
	"github.com/cataldij/quotacache/domain/cache"
	"github.com/cataldij/quotacache/domain/usage"
	"github.com/cataldij/quotacache/ports"
)

var t0 = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// setupStore connects to QUOTACACHE_TEST_REDIS_ADDR with a per-test prefix.
func setupStore(t *testing.T) (*redis.Store, *goredis.Client, string) {
	t.Helper()

	addr := os.Getenv("QUOTACACHE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QUOTACACHE_TEST_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())

	prefix := fmt.Sprintf("quotacache-test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})

	return redis.NewWithClient(client, prefix, time.Hour), client, prefix
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := redis.New(redis.Config{})
	assert.Error(t, err)
}

func TestStore_CountSince(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	for i, age := range []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour, 48 * time.Hour} {
		e := usage.NewEvent(fmt.Sprintf("e%d", i), "u1", "x", nil, t0.Add(-age))
		require.NoError(t, store.Append(ctx, e))
	}

	n, err := store.CountSince(ctx, "u1", "x", t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = store.CountSince(ctx, "u1", "x", t0.Add(-3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n, "window start is inclusive")

	n, err = store.CountSince(ctx, "u1", "y", t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_CountSince_ColonsStayIndependent(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, usage.NewEvent("e1", "y:z", "x", nil, t0)))

	n, err := store.CountSince(ctx, "z", "x:y", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "(z, x:y) must not see events of (y:z, x)")

	n, err = store.CountSince(ctx, "y:z", "x", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_DeleteEventsBefore(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, usage.NewEvent("old", "u1", "x", nil, t0.Add(-72*time.Hour))))
	require.NoError(t, store.Append(ctx, usage.NewEvent("new", "u1", "x", nil, t0)))

	n, err := store.DeleteEventsBefore(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStore_CacheExpiry(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	// Entry lifetime is relative to its own created_at, so a past t0 still
	// gets a full day of Redis TTL.
	require.NoError(t, store.Upsert(ctx, cache.NewEntry("k", []byte("v"), t0, 24*time.Hour)))

	got, err := store.Get(ctx, "k", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)

	_, err = store.Get(ctx, "k", t0.Add(25*time.Hour))
	assert.ErrorIs(t, err, ports.ErrCacheMiss)

	_, err = store.Get(ctx, "absent", t0)
	assert.ErrorIs(t, err, ports.ErrCacheMiss)
}

func TestStore_UpsertReplaces(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, cache.NewEntry("k", []byte("old"), t0, time.Hour)))
	require.NoError(t, store.Upsert(ctx, cache.NewEntry("k", []byte("new"), t0, time.Hour)))

	got, err := store.Get(ctx, "k", t0)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got.Value))
}

func TestStore_MalformedValue(t *testing.T) {
	store, client, prefix := setupStore(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, prefix+":cache:broken", "not json", time.Hour).Err())

	_, err := store.Get(ctx, "broken", t0)
	assert.ErrorIs(t, err, cache.ErrMalformedValue)
}
