package sessionstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/realb/realtime/internal/model"
	"github.com/realb/realtime/internal/store"
)

// fakeCache implements Cache in memory, tracking the last TTL used.
type fakeCache struct {
	values  map[string]string
	lastTTL time.Duration
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string]string{}}
}

func (f *fakeCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.values[key] = string(value.([]byte))
	f.lastTTL = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCache) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func openRelational(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	s := store.New(db)
	require.NoError(t, s.Migrate())
	return s
}

func TestSaveConnectedWritesBothTiers(t *testing.T) {
	cache := newFakeCache()
	rel := openRelational(t)
	s := New(cache, rel, time.Hour)

	connectedAt := time.Now().UTC().Truncate(time.Second)
	s.SaveConnected(context.Background(), FromMetadata("u1", model.RoleDeliver, "driver", "online", true, connectedAt))

	raw, ok := cache.values["ws:user:u1"]
	require.True(t, ok, "cache tier missing record")
	assert.Equal(t, time.Hour, cache.lastTTL)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, "deliver", rec.Role)
	assert.True(t, rec.NotificationsEnabled)
	assert.Nil(t, rec.LastDisconnectedAt)

	row, err := rel.Connection(context.Background(), "u1")
	require.NoError(t, err)
	assert.WithinDuration(t, connectedAt, row.LastConnectedAt, time.Second)
}

func TestMarkDisconnectedStampsBothTiers(t *testing.T) {
	cache := newFakeCache()
	rel := openRelational(t)
	s := New(cache, rel, time.Hour)

	connectedAt := time.Now().UTC().Add(-time.Minute)
	s.SaveConnected(context.Background(), FromMetadata("u1", model.RoleCustomer, "alice", "online", true, connectedAt))

	disconnectedAt := time.Now().UTC().Truncate(time.Second)
	s.MarkDisconnected(context.Background(), "u1", disconnectedAt)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(cache.values["ws:user:u1"]), &rec))
	require.NotNil(t, rec.LastDisconnectedAt)
	assert.WithinDuration(t, disconnectedAt, *rec.LastDisconnectedAt, time.Second)
	// Disconnect timestamp is newer than connect: supersede ordering is
	// observable from the store.
	assert.True(t, rec.LastDisconnectedAt.After(rec.LastConnectedAt))

	row, err := rel.Connection(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, row.LastDisconnectedAt)
}

func TestMarkDisconnectedWithoutRecordIsHarmless(t *testing.T) {
	s := New(newFakeCache(), openRelational(t), time.Hour)
	s.MarkDisconnected(context.Background(), "ghost", time.Now())
}

func TestLookupPrefersCache(t *testing.T) {
	cache := newFakeCache()
	rel := openRelational(t)
	s := New(cache, rel, time.Hour)

	s.SaveConnected(context.Background(), FromMetadata("u1", model.RoleDeliver, "driver", "online", true, time.Now()))

	rec, err := s.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "driver", rec.Username)
}

func TestLookupFallsBackToRelational(t *testing.T) {
	cache := newFakeCache()
	rel := openRelational(t)
	s := New(cache, rel, time.Hour)

	s.SaveConnected(context.Background(), FromMetadata("u1", model.RoleDeliver, "driver", "online", true, time.Now()))

	// Simulate cache TTL expiry.
	delete(cache.values, "ws:user:u1")

	rec, err := s.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "driver", rec.Username)

	_, err = s.Lookup(context.Background(), "nobody")
	assert.Error(t, err)
}
