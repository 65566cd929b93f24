package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
)

// SessionRecord is the cluster-visible summary of one channel session.
type SessionRecord struct {
	Instance  string    `json:"instance"`
	ChannelID string    `json:"channel_id"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Source    string    `json:"source,omitempty"`
	AccountID int64     `json:"account_id,omitempty"`
	ProfileID int64     `json:"profile_id,omitempty"`
	Clients   int       `json:"clients"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionRegistry publishes session records with a TTL so a crashed
// instance's sessions disappear on their own.
type SessionRegistry interface {
	Put(ctx context.Context, rec SessionRecord, ttl time.Duration) error
	Delete(ctx context.Context, instance, channelID string) error
	List(ctx context.Context) ([]SessionRecord, error)
}

func registryID(instance, channelID string) string {
	return instance + ":" + channelID
}

func sortRecords(recs []SessionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Instance != recs[j].Instance {
			return recs[i].Instance < recs[j].Instance
		}
		return recs[i].ChannelID < recs[j].ChannelID
	})
}

type registryEntry struct {
	rec     SessionRecord
	expires time.Time
}

// MemoryRegistry is a process-local registry.
type MemoryRegistry struct {
	entries *xsync.Map[string, registryEntry]
	now     func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: xsync.NewMap[string, registryEntry](),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (r *MemoryRegistry) WithClock(now func() time.Time) *MemoryRegistry {
	r.now = now
	return r
}

func (r *MemoryRegistry) Put(_ context.Context, rec SessionRecord, ttl time.Duration) error {
	r.entries.Store(registryID(rec.Instance, rec.ChannelID), registryEntry{rec: rec, expires: r.now().Add(ttl)})
	return nil
}

func (r *MemoryRegistry) Delete(_ context.Context, instance, channelID string) error {
	r.entries.Delete(registryID(instance, channelID))
	return nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]SessionRecord, error) {
	now := r.now()
	var out []SessionRecord
	r.entries.Range(func(id string, e registryEntry) bool {
		if now.Before(e.expires) {
			out = append(out, e.rec)
			return true
		}
		r.entries.Compute(id, func(cur registryEntry, loaded bool) (registryEntry, xsync.ComputeOp) {
			if loaded && !now.Before(cur.expires) {
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		return true
	})
	sortRecords(out)
	return out, nil
}

// RedisRegistry stores each record as a JSON string with a TTL.
type RedisRegistry struct {
	client *RedisClient
}

// NewRedisRegistry creates a registry backed by client.
func NewRedisRegistry(client *RedisClient) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) key(instance, channelID string) string {
	return r.client.Key("session", instance, channelID)
}

func (r *RedisRegistry) Put(ctx context.Context, rec SessionRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}
	if err := r.client.Set(ctx, r.key(rec.Instance, rec.ChannelID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("storing session record %s: %w", rec.ChannelID, err)
	}
	return nil
}

func (r *RedisRegistry) Delete(ctx context.Context, instance, channelID string) error {
	if err := r.client.Del(ctx, r.key(instance, channelID)).Err(); err != nil {
		return fmt.Errorf("deleting session record %s: %w", channelID, err)
	}
	return nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]SessionRecord, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.client.Key("session", "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning session records: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading session records: %w", err)
	}

	out := make([]SessionRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var rec SessionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}
