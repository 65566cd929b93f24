package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
)

// BackoffPolicy shapes the exclusion window after consecutive failures.
type BackoffPolicy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Window returns min(Base * Multiplier^(failures-1), Max). Zero failures
// yield no window.
func (p BackoffPolicy) Window(failures int) time.Duration {
	if failures <= 0 || p.Base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	w := float64(p.Base) * math.Pow(mult, float64(failures-1))
	if p.Max > 0 && w > float64(p.Max) {
		return p.Max
	}
	return time.Duration(w)
}

// BackoffState is the failure bookkeeping for one account/profile pair.
type BackoffState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Until       time.Time `json:"until"`
}

// Active reports whether the pair is still excluded at now.
func (s BackoffState) Active(now time.Time) bool {
	return now.Before(s.Until)
}

// BackoffTracker records candidate failures and answers whether a pair is
// inside its exclusion window.
type BackoffTracker interface {
	RecordFailure(ctx context.Context, key SlotKey) (BackoffState, error)
	RecordSuccess(ctx context.Context, key SlotKey) error
	State(ctx context.Context, key SlotKey) (BackoffState, error)
}

// nextState applies one failure to prev. A pair whose last window ended
// more than Max ago starts counting from one again.
func nextState(policy BackoffPolicy, prev BackoffState, now time.Time) BackoffState {
	failures := prev.Failures + 1
	if prev.Failures > 0 && now.Sub(prev.Until) > policy.Max {
		failures = 1
	}
	return BackoffState{
		Failures:    failures,
		LastFailure: now,
		Until:       now.Add(policy.Window(failures)),
	}
}

// MemoryBackoff keeps backoff state in process.
type MemoryBackoff struct {
	policy BackoffPolicy
	states *xsync.Map[SlotKey, BackoffState]
	now    func() time.Time
}

// NewMemoryBackoff creates an in-process tracker.
func NewMemoryBackoff(policy BackoffPolicy) *MemoryBackoff {
	return &MemoryBackoff{
		policy: policy,
		states: xsync.NewMap[SlotKey, BackoffState](),
		now:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *MemoryBackoff) WithClock(now func() time.Time) *MemoryBackoff {
	b.now = now
	return b
}

func (b *MemoryBackoff) RecordFailure(_ context.Context, key SlotKey) (BackoffState, error) {
	now := b.now()
	st, _ := b.states.Compute(key, func(old BackoffState, _ bool) (BackoffState, xsync.ComputeOp) {
		return nextState(b.policy, old, now), xsync.UpdateOp
	})
	return st, nil
}

func (b *MemoryBackoff) RecordSuccess(_ context.Context, key SlotKey) error {
	b.states.Delete(key)
	return nil
}

func (b *MemoryBackoff) State(_ context.Context, key SlotKey) (BackoffState, error) {
	st, _ := b.states.Load(key)
	return st, nil
}

// RedisBackoff shares backoff state across instances. Each pair is a hash
// that expires once its window plus Max has passed.
type RedisBackoff struct {
	client *RedisClient
	policy BackoffPolicy
	now    func() time.Time
}

// NewRedisBackoff creates a tracker backed by client.
func NewRedisBackoff(client *RedisClient, policy BackoffPolicy) *RedisBackoff {
	return &RedisBackoff{client: client, policy: policy, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (b *RedisBackoff) WithClock(now func() time.Time) *RedisBackoff {
	b.now = now
	return b
}

func (b *RedisBackoff) key(k SlotKey) string {
	return b.client.Key("backoff", strconv.FormatInt(k.AccountID, 10), strconv.FormatInt(k.ProfileID, 10))
}

func (b *RedisBackoff) RecordFailure(ctx context.Context, key SlotKey) (BackoffState, error) {
	prev, err := b.State(ctx, key)
	if err != nil {
		return BackoffState{}, err
	}
	next := nextState(b.policy, prev, b.now())

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.key(key),
		"failures", next.Failures,
		"last_failure", next.LastFailure.UnixMilli(),
		"until", next.Until.UnixMilli(),
	)
	pipe.PExpire(ctx, b.key(key), next.Until.Sub(next.LastFailure)+b.policy.Max)
	if _, err := pipe.Exec(ctx); err != nil {
		return BackoffState{}, fmt.Errorf("recording failure for %s: %w", key, err)
	}
	return next, nil
}

func (b *RedisBackoff) RecordSuccess(ctx context.Context, key SlotKey) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("clearing backoff for %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackoff) State(ctx context.Context, key SlotKey) (BackoffState, error) {
	vals, err := b.client.HGetAll(ctx, b.key(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return BackoffState{}, fmt.Errorf("reading backoff for %s: %w", key, err)
	}
	if len(vals) == 0 {
		return BackoffState{}, nil
	}
	failures, _ := strconv.Atoi(vals["failures"])
	last, _ := strconv.ParseInt(vals["last_failure"], 10, 64)
	until, _ := strconv.ParseInt(vals["until"], 10, 64)
	return BackoffState{
		Failures:    failures,
		LastFailure: time.UnixMilli(last),
		Until:       time.UnixMilli(until),
	}, nil
}
