package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
	"github.com/dispatcharr/dispatcharr-proxy/internal/database"
	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
)

const sampleCatalog = `
accounts:
  - id: 1
    name: primary
    priority: 0
    max_connections: 1
    username: alice
    password: secret
  - id: 2
    name: backup
    priority: 5
    enabled: false
profiles:
  - id: 10
    account_id: 1
    name: alt
    max_streams: 2
  - id: 11
    account_id: 1
    name: default
    is_default: true
  - id: 20
    name: global
    is_default: true
streams:
  - id: 100
    url: http://provider.example/live/1.ts
    account_id: 1
  - id: 200
    url: http://backup.example/1.ts
    account_id: 2
channels:
  - id: 7
    uuid: 4b1f6d0e-1111-2222-3333-444455556666
    name: News
    streams: [200, 100]
  - id: 8
    name: Empty
`

func TestParseYAML(t *testing.T) {
	snap, err := ParseYAML([]byte(sampleCatalog))
	require.NoError(t, err)

	entry, ok := snap.Channel("7")
	require.True(t, ok)
	assert.Equal(t, "News", entry.Channel.Name)
	require.Len(t, entry.Streams, 2)
	assert.Equal(t, int64(200), entry.Streams[0].ID, "configured order is kept")
	assert.Equal(t, int64(100), entry.Streams[1].ID)

	byUUID, ok := snap.Channel("4b1f6d0e-1111-2222-3333-444455556666")
	require.True(t, ok)
	assert.Same(t, entry, byUUID)

	empty, ok := snap.Channel("8")
	require.True(t, ok)
	assert.Empty(t, empty.Streams)

	_, ok = snap.Channel("999")
	assert.False(t, ok)

	acct, ok := snap.Account(1)
	require.True(t, ok)
	assert.Equal(t, "secret", acct.Password)

	backup, ok := snap.Account(2)
	require.True(t, ok)
	assert.False(t, backup.IsEnabled())

	stats := snap.Stats()
	assert.Equal(t, 2, stats.Accounts)
	assert.Equal(t, 3, stats.Profiles)
	assert.Equal(t, 2, stats.Channels)
}

func TestSnapshot_ProfilesForAccount(t *testing.T) {
	snap, err := ParseYAML([]byte(sampleCatalog))
	require.NoError(t, err)

	profiles := snap.ProfilesForAccount(1)
	require.Len(t, profiles, 2)
	assert.Equal(t, int64(11), profiles[0].ID, "default profile first")
	assert.Equal(t, int64(10), profiles[1].ID)

	fallback := snap.ProfilesForAccount(2)
	require.Len(t, fallback, 1)
	assert.Equal(t, int64(20), fallback[0].ID, "accounts without profiles use global ones")
}

func TestParseYAML_Invalid(t *testing.T) {
	_, err := ParseYAML([]byte("accounts: [{id: 1}]"))
	assert.ErrorIs(t, err, models.ErrNameRequired)

	_, err = ParseYAML([]byte("streams: [{id: 1, account_id: 1}]"))
	assert.ErrorIs(t, err, models.ErrURLRequired)

	_, err = ParseYAML([]byte("accounts: {"))
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	snap, err := NewFileSource(path).Load(context.Background())
	require.NoError(t, err)
	_, ok := snap.Channel("7")
	assert.True(t, ok)

	_, err = NewFileSource(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.Error(t, err)
}

func TestDBSource(t *testing.T) {
	db, err := database.New(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "catalog.db"),
		MaxOpenConns: 2,
		LogLevel:     "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	account := models.Account{Name: "primary", MaxConnections: 2}
	require.NoError(t, db.Create(&account).Error)
	profile := models.Profile{AccountID: account.ID, Name: "default", IsDefault: true, MaxStreams: 1}
	require.NoError(t, db.Create(&profile).Error)
	first := models.Stream{URL: "http://a.example/1.ts", AccountID: account.ID}
	second := models.Stream{URL: "http://a.example/2.ts", AccountID: account.ID, ProfileID: profile.ID}
	require.NoError(t, db.Create(&first).Error)
	require.NoError(t, db.Create(&second).Error)
	channel := models.Channel{Name: "Sports", UUID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"}
	require.NoError(t, db.Create(&channel).Error)
	require.NoError(t, db.Create(&models.ChannelStream{ChannelID: channel.ID, StreamID: second.ID, Order: 0}).Error)
	require.NoError(t, db.Create(&models.ChannelStream{ChannelID: channel.ID, StreamID: first.ID, Order: 1}).Error)

	snap, err := NewDBSource(db.DB).Load(ctx)
	require.NoError(t, err)

	entry, ok := snap.Channel(channel.UUID)
	require.True(t, ok)
	require.Len(t, entry.Streams, 2)
	assert.Equal(t, second.ID, entry.Streams[0].ID)
	assert.Equal(t, first.ID, entry.Streams[1].ID)

	profiles := snap.ProfilesForAccount(account.ID)
	require.Len(t, profiles, 1)
	assert.Equal(t, 1, profiles[0].MaxStreams)
}

type countingSource struct {
	loads atomic.Int32
	fail  atomic.Bool
}

func (s *countingSource) Load(context.Context) (*Snapshot, error) {
	n := s.loads.Add(1)
	if s.fail.Load() {
		return nil, errors.New("source unavailable")
	}
	return NewSnapshot(Data{Accounts: []models.Account{{BaseModel: models.BaseModel{ID: int64(n)}, Name: "a"}}}), nil
}

func TestStore_Refresh(t *testing.T) {
	src := &countingSource{}
	store := NewStore(src)
	ctx := context.Background()

	assert.Equal(t, 0, store.Snapshot().Stats().Accounts)

	require.NoError(t, store.Refresh(ctx))
	_, ok := store.Snapshot().Account(1)
	assert.True(t, ok)

	src.fail.Store(true)
	assert.Error(t, store.Refresh(ctx))
	_, ok = store.Snapshot().Account(1)
	assert.True(t, ok, "failed refresh keeps previous snapshot")
}

func TestRefresher_Invalidate(t *testing.T) {
	src := &countingSource{}
	store := NewStore(src)
	refresher := NewRefresher(store, "@every 1h")

	require.NoError(t, refresher.Start(context.Background()))
	defer refresher.Stop()
	assert.Equal(t, int32(1), src.loads.Load(), "start performs an initial load")

	assert.Error(t, refresher.Start(context.Background()), "double start is rejected")

	refresher.Invalidate()
	assert.Eventually(t, func() bool { return src.loads.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestRefresher_InvalidSchedule(t *testing.T) {
	refresher := NewRefresher(NewStore(&countingSource{}), "not a schedule")
	assert.Error(t, refresher.Start(context.Background()))
}

func TestRefresher_RedisInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := &countingSource{}
	refresher := NewRefresher(NewStore(src), "").WithInvalidation(client, "test:catalog:invalidate")
	require.NoError(t, refresher.Start(context.Background()))
	defer refresher.Stop()

	require.NoError(t, client.Publish(context.Background(), "test:catalog:invalidate", "reload").Err())
	assert.Eventually(t, func() bool { return src.loads.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}
