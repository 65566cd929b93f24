package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a := New(TypeSessionState)
	b := New(TypeSessionState)

	assert.Equal(t, TypeSessionState, a.Type)
	assert.Len(t, a.ID, 26)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Time.IsZero())
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder(3)
	ctx := context.Background()

	for i := range 5 {
		ev := New(TypeClientAttached)
		ev.ClientCount = i
		rec.Publish(ctx, ev)
	}
	rec.Publish(ctx, New(TypeSessionFailure))

	all := rec.Events()
	require.Len(t, all, 3)
	assert.Equal(t, 3, all[0].ClientCount)
	assert.Equal(t, TypeSessionFailure, all[2].Type)

	recent := rec.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, TypeSessionFailure, recent[0].Type)

	assert.Len(t, rec.OfType(TypeClientAttached), 2)
}

func TestMulti(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	pub := Multi{a, nil, Nop{}, b}

	pub.Publish(context.Background(), New(TypeLedgerAlert))

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestRedisPublisher_Subscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	sub, err := Subscribe(ctx, client, "test:events", func(payload string) {
		var ev Event
		if json.Unmarshal([]byte(payload), &ev) == nil {
			got <- ev
		}
	})
	require.NoError(t, err)

	pub := NewRedisPublisher(client, "test:events", nil)
	ev := New(TypeSessionState)
	ev.ChannelID = "42"
	ev.State = "STREAMING"
	ev.ClientCount = 2
	pub.Publish(ctx, ev)

	select {
	case recv := <-got:
		assert.Equal(t, ev.ID, recv.ID)
		assert.Equal(t, "42", recv.ChannelID)
		assert.Equal(t, "STREAMING", recv.State)
		assert.Equal(t, 2, recv.ClientCount)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
	assert.NoError(t, sub.Close())
}

func TestRedisPublisher_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	pub := NewRedisPublisher(client, "test:events", nil)
	assert.NotPanics(t, func() {
		pub.Publish(context.Background(), New(TypeSessionFailure))
	})
}
