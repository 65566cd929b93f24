package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS: account counter, profile counter, slot hash, lease key.
// ARGV: account max, profile max, slot id, slot json, lease ttl ms.
var acquireScript = redis.NewScript(`
local a = tonumber(redis.call('GET', KEYS[1]) or '0')
local p = tonumber(redis.call('GET', KEYS[2]) or '0')
local amax = tonumber(ARGV[1])
local pmax = tonumber(ARGV[2])
if amax > 0 and a >= amax then return 0 end
if pmax > 0 and p >= pmax then return 0 end
redis.call('INCR', KEYS[1])
redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[3], ARGV[3], ARGV[4])
redis.call('SET', KEYS[4], '1', 'PX', ARGV[5])
return 1
`)

// KEYS: account counter, profile counter, slot hash, lease key.
// ARGV: slot id.
// Returns 1 on release, -1 when the slot is unknown, -2 on counter underflow.
var releaseScript = redis.NewScript(`
if redis.call('HDEL', KEYS[3], ARGV[1]) == 0 then return -1 end
redis.call('DEL', KEYS[4])
local under = 0
if redis.call('DECR', KEYS[1]) < 0 then
  redis.call('SET', KEYS[1], '0')
  under = 1
end
if redis.call('DECR', KEYS[2]) < 0 then
  redis.call('SET', KEYS[2], '0')
  under = 1
end
if under == 1 then return -2 end
return 1
`)

// KEYS: slot hash, lease key. ARGV: slot id, lease ttl ms.
var renewScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('SET', KEYS[2], '1', 'PX', ARGV[2])
return 1
`)

// RedisLedger shares slot accounting between proxy instances. Each acquire
// and release is a single Lua script, so both counters move together.
type RedisLedger struct {
	client   *RedisClient
	leaseTTL time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewRedisLedger creates a ledger backed by client.
func NewRedisLedger(client *RedisClient, leaseTTL time.Duration, log *slog.Logger) *RedisLedger {
	if log == nil {
		log = slog.Default()
	}
	return &RedisLedger{
		client:   client,
		leaseTTL: leaseTTL,
		now:      time.Now,
		log:      log.With(slog.String("component", "ledger")),
	}
}

func (l *RedisLedger) accountKey(id int64) string {
	return l.client.Key("ledger", "account", strconv.FormatInt(id, 10))
}

func (l *RedisLedger) profileKey(id int64) string {
	return l.client.Key("ledger", "profile", strconv.FormatInt(id, 10))
}

func (l *RedisLedger) slotsKey() string {
	return l.client.Key("ledger", "slots")
}

func (l *RedisLedger) leaseKey(slotID string) string {
	return l.client.Key("ledger", "lease", slotID)
}

func (l *RedisLedger) slotKeys(slot Slot) []string {
	return []string{
		l.accountKey(slot.AccountID),
		l.profileKey(slot.ProfileID),
		l.slotsKey(),
		l.leaseKey(slot.ID),
	}
}

func (l *RedisLedger) TryAcquire(ctx context.Context, key SlotKey, limits Limits, owner string) (*Slot, error) {
	slot := Slot{
		ID:         uuid.NewString(),
		AccountID:  key.AccountID,
		ProfileID:  key.ProfileID,
		Owner:      owner,
		AcquiredAt: l.now().UTC(),
	}
	payload, err := json.Marshal(slot)
	if err != nil {
		return nil, fmt.Errorf("encoding slot: %w", err)
	}

	granted, err := acquireScript.Run(ctx, l.client, l.slotKeys(slot),
		limits.AccountMax, limits.ProfileMax, slot.ID, string(payload), l.leaseTTL.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("acquiring slot for %s: %w", key, err)
	}
	if granted != 1 {
		return nil, ErrSlotDenied
	}
	return &slot, nil
}

func (l *RedisLedger) Release(ctx context.Context, slot *Slot) error {
	if slot == nil {
		return fmt.Errorf("%w: nil slot", ErrLedgerInvariantViolation)
	}
	return l.release(ctx, *slot)
}

func (l *RedisLedger) release(ctx context.Context, slot Slot) error {
	res, err := l.runRelease(ctx, slot)
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: slot %s released twice", ErrLedgerInvariantViolation, slot.ID)
	case -2:
		return fmt.Errorf("%w: counter underflow releasing slot %s (%s)", ErrLedgerInvariantViolation, slot.ID, slot.Key())
	}
	return nil
}

func (l *RedisLedger) runRelease(ctx context.Context, slot Slot) (int, error) {
	res, err := releaseScript.Run(ctx, l.client, l.slotKeys(slot), slot.ID).Int()
	if err != nil {
		return 0, fmt.Errorf("releasing slot %s: %w", slot.ID, err)
	}
	return res, nil
}

func (l *RedisLedger) Renew(ctx context.Context, slot *Slot) error {
	ok, err := renewScript.Run(ctx, l.client,
		[]string{l.slotsKey(), l.leaseKey(slot.ID)},
		slot.ID, l.leaseTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("renewing slot %s: %w", slot.ID, err)
	}
	if ok != 1 {
		return ErrSlotNotFound
	}
	return nil
}

func (l *RedisLedger) Usage(ctx context.Context, key SlotKey) (Usage, error) {
	vals, err := l.client.MGet(ctx, l.accountKey(key.AccountID), l.profileKey(key.ProfileID)).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("reading usage for %s: %w", key, err)
	}
	return Usage{
		AccountInUse: parseCount(vals[0]),
		ProfileInUse: parseCount(vals[1]),
	}, nil
}

func parseCount(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Reap releases every slot whose lease key has expired. A slot released
// concurrently by its owner is skipped.
func (l *RedisLedger) Reap(ctx context.Context) (int, error) {
	slots, err := l.ActiveSlots(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, slot := range slots {
		exists, err := l.client.Exists(ctx, l.leaseKey(slot.ID)).Result()
		if err != nil {
			return reaped, fmt.Errorf("checking lease %s: %w", slot.ID, err)
		}
		if exists == 1 {
			continue
		}
		res, err := l.runRelease(ctx, slot)
		if err != nil {
			return reaped, err
		}
		switch res {
		case -1:
			// released by its owner between the scan and now
			l.log.Debug("slot vanished during reap", slog.String("slot_id", slot.ID))
		case -2:
			l.log.Warn("counter underflow while reaping", slog.String("slot_id", slot.ID), slog.String("key", slot.Key().String()))
			reaped++
		default:
			reaped++
		}
	}
	return reaped, nil
}

func (l *RedisLedger) ActiveSlots(ctx context.Context) ([]Slot, error) {
	raw, err := l.client.HGetAll(ctx, l.slotsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing slots: %w", err)
	}

	out := make([]Slot, 0, len(raw))
	for id, payload := range raw {
		var slot Slot
		if err := json.Unmarshal([]byte(payload), &slot); err != nil {
			l.log.Warn("skipping undecodable slot", slog.String("slot_id", id), slog.String("error", err.Error()))
			continue
		}
		out = append(out, slot)
	}
	sortSlots(out)
	return out, nil
}
