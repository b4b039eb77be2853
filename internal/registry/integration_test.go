//go:build integration

package registry

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests run against a real Redis (REDIS_ADDR, default
// localhost:6379) and assert on raw keys, because the MULTI/WATCH logic is
// exactly the part an in-memory fake cannot prove correct.
//
//	go test -tags integration ./internal/registry/

// registryFixture holds resources for testing against a live Redis.
type registryFixture struct {
	ctx      context.Context
	rdb      *redis.Client
	registry *Registry
	keys     []string // keys this test owns; deleted on cleanup
}

func setupRegistrySuite(t *testing.T) *registryFixture {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { rdb.Close() })

	reg, err := New(rdb, zerolog.Nop())
	require.NoError(t, err)

	f := &registryFixture{ctx: ctx, rdb: rdb, registry: reg}
	t.Cleanup(func() {
		if len(f.keys) > 0 {
			_ = rdb.Del(context.Background(), f.keys...).Err()
		}
	})
	return f
}

// own registers the full key set for a user/handle pair so cleanup can
// remove it whatever state the test left behind.
func (f *registryFixture) own(userID string, handles ...int64) {
	f.keys = append(f.keys,
		userFDPrefix+userID,
		userServerPrefix+userID,
		queuePrefix+userID,
	)
	for _, h := range handles {
		f.keys = append(f.keys, fdUserPrefix+strconv.FormatInt(h, 10))
	}
}

func TestIntegrationBindPublishesBothEntries(t *testing.T) {
	f := setupRegistrySuite(t)
	f.own("9042", 1001)

	prior, err := f.registry.Bind(f.ctx, "9042", "host1:9502", 1001)
	require.NoError(t, err)
	assert.Nil(t, prior)

	// The published key shapes are the external contract: bare integer
	// forward value, bare userID inverse value.
	fd, err := f.rdb.Get(f.ctx, "ws:user_fd:9042").Result()
	require.NoError(t, err)
	assert.Equal(t, "1001", fd)

	user, err := f.rdb.Get(f.ctx, "ws:fd_user_map:1001").Result()
	require.NoError(t, err)
	assert.Equal(t, "9042", user)

	b, ok, err := f.registry.LookupByUser(f.ctx, "9042")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Binding{Server: "host1:9502", Handle: 1001}, b)

	u, ok, err := f.registry.LookupByHandle(f.ctx, "host1:9502", 1001)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9042", u)
}

func TestIntegrationBindEvictsPriorPair(t *testing.T) {
	f := setupRegistrySuite(t)
	f.own("9009", 1101, 1102)

	_, err := f.registry.Bind(f.ctx, "9009", "host1:9502", 1101)
	require.NoError(t, err)

	prior, err := f.registry.Bind(f.ctx, "9009", "host1:9502", 1102)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, int64(1101), prior.Handle)

	// The superseded inverse entry is gone, the new one agrees with the
	// forward entry.
	err = f.rdb.Get(f.ctx, "ws:fd_user_map:1101").Err()
	assert.ErrorIs(t, err, redis.Nil)

	fd, err := f.rdb.Get(f.ctx, "ws:user_fd:9009").Result()
	require.NoError(t, err)
	assert.Equal(t, "1102", fd)

	user, err := f.rdb.Get(f.ctx, "ws:fd_user_map:1102").Result()
	require.NoError(t, err)
	assert.Equal(t, "9009", user)
}

func TestIntegrationUnbindCompareAndDelete(t *testing.T) {
	f := setupRegistrySuite(t)
	f.own("9100", 1201, 1202)

	_, err := f.registry.Bind(f.ctx, "9100", "host1:9502", 1202)
	require.NoError(t, err)

	// A late close for a superseded handle must not erase the binding.
	require.NoError(t, f.registry.Unbind(f.ctx, "9100", "host1:9502", 1201))
	_, ok, err := f.registry.LookupByUser(f.ctx, "9100")
	require.NoError(t, err)
	assert.True(t, ok, "unbind with a stale handle must be a no-op")

	// The matching pair removes both entries.
	require.NoError(t, f.registry.Unbind(f.ctx, "9100", "host1:9502", 1202))
	_, ok, err = f.registry.LookupByUser(f.ctx, "9100")
	require.NoError(t, err)
	assert.False(t, ok)
	err = f.rdb.Get(f.ctx, "ws:fd_user_map:1202").Err()
	assert.ErrorIs(t, err, redis.Nil)

	// Idempotent: a second unbind of the same pair changes nothing.
	require.NoError(t, f.registry.Unbind(f.ctx, "9100", "host1:9502", 1202))
}

func TestIntegrationUnbindByHandleLateClose(t *testing.T) {
	f := setupRegistrySuite(t)
	f.own("9200", 1301, 1302)

	// User reconnected: handle 1301 superseded by 1302.
	_, err := f.registry.Bind(f.ctx, "9200", "host1:9502", 1301)
	require.NoError(t, err)
	_, err = f.registry.Bind(f.ctx, "9200", "host1:9502", 1302)
	require.NoError(t, err)

	// The late close for 1301 arrives now. Its inverse entry is already
	// gone and the forward entry points elsewhere; nothing may change.
	require.NoError(t, f.registry.UnbindByHandle(f.ctx, "host1:9502", 1301))

	fd, err := f.rdb.Get(f.ctx, "ws:user_fd:9200").Result()
	require.NoError(t, err)
	assert.Equal(t, "1302", fd, "late close must not erase the newer binding")

	// Closing the live handle removes both sides.
	require.NoError(t, f.registry.UnbindByHandle(f.ctx, "host1:9502", 1302))
	err = f.rdb.Get(f.ctx, "ws:user_fd:9200").Err()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestIntegrationOfflineQueueFIFOWithTTL(t *testing.T) {
	f := setupRegistrySuite(t)
	f.own("9300")

	first := Notification{ID: "a", UserID: "9300", Event: "notification", Message: "queued-1", Timestamp: 1}
	second := Notification{ID: "b", UserID: "9300", Event: "notification", Message: "queued-2", Timestamp: 2}
	require.NoError(t, f.registry.EnqueueOffline(f.ctx, first))
	require.NoError(t, f.registry.EnqueueOffline(f.ctx, second))

	n, err := f.registry.OfflineLen(f.ctx, "9300")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The enqueue MULTI refreshes the 7-day TTL.
	ttl, err := f.rdb.TTL(f.ctx, "ws:notification_queue:9300").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 6*24*time.Hour)

	drained, err := f.registry.DrainOffline(f.ctx, "9300")
	require.NoError(t, err)
	require.Len(t, drained, 2)
	assert.Equal(t, "queued-1", drained[0].Message)
	assert.Equal(t, "queued-2", drained[1].Message)

	// Read-all-then-delete is one MULTI: the queue is empty afterwards
	// and a second drain finds nothing.
	n, err = f.registry.OfflineLen(f.ctx, "9300")
	require.NoError(t, err)
	assert.Zero(t, n)

	drained, err = f.registry.DrainOffline(f.ctx, "9300")
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestIntegrationDrainSkipsPoisonRecords(t *testing.T) {
	f := setupRegistrySuite(t)
	f.own("9400")

	require.NoError(t, f.registry.EnqueueOffline(f.ctx,
		Notification{UserID: "9400", Event: "notification", Message: "good", Timestamp: 1}))
	require.NoError(t, f.rdb.RPush(f.ctx, "ws:notification_queue:9400", "not json").Err())

	drained, err := f.registry.DrainOffline(f.ctx, "9400")
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, "good", drained[0].Message)
}

func TestIntegrationConcurrentRebindKeepsInvariant(t *testing.T) {
	f := setupRegistrySuite(t)
	handles := make([]int64, 0, 32)
	for h := int64(1401); h <= 1432; h++ {
		handles = append(handles, h)
	}
	f.own("9500", handles...)

	// Hammer the same user with concurrent rebinds and late unbinds, the
	// connect/disconnect/reconnect race the WATCH logic exists for.
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(handle int64) {
			defer wg.Done()
			if _, err := f.registry.Bind(f.ctx, "9500", "host1:9502", handle); err != nil {
				return
			}
			// Half the goroutines fire a late close.
			if handle%2 == 0 {
				_ = f.registry.UnbindByHandle(f.ctx, "host1:9502", handle)
			}
		}(h)
	}
	wg.Wait()

	// R1: whatever won, forward and inverse must agree.
	fd, err := f.rdb.Get(f.ctx, "ws:user_fd:9500").Result()
	if err == redis.Nil {
		// Every binding was unbound; no half-pair may remain.
		for _, h := range handles {
			err := f.rdb.Get(f.ctx, fdUserPrefix+strconv.FormatInt(h, 10)).Err()
			assert.ErrorIs(t, err, redis.Nil)
		}
		return
	}
	require.NoError(t, err)

	user, err := f.rdb.Get(f.ctx, "ws:fd_user_map:"+fd).Result()
	require.NoError(t, err, "forward entry exists, inverse must too")
	assert.Equal(t, "9500", user)
}
