package state

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestRedis starts a miniredis server and returns a wrapped client for it.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, WrapRedis(client, "test:proxy", nil)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRedisClient_Key(t *testing.T) {
	_, client := newTestRedis(t)
	require.Equal(t, "test:proxy:ledger:account:7", client.Key("ledger", "account", "7"))
	require.Equal(t, "test:proxy", client.Prefix())
	require.NoError(t, client.Diagnose(t.Context()))
}
