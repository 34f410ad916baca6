package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/realb/realtime/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	s := New(db)
	require.NoError(t, s.Migrate())
	return s
}

func seedUser(t *testing.T, s *Store, username, role string, notifications bool) string {
	t.Helper()
	u := model.User{Email: username + "@example.com", Username: username, Role: role, Notifications: notifications}
	require.NoError(t, s.db.Create(&u).Error)
	return fmt.Sprint(u.ID)
}

func TestListUserIDsByRoleFiltersDisabledAndFoldsCase(t *testing.T) {
	s := openTestStore(t)

	d1 := seedUser(t, s, "driver1", "Deliver", true)
	seedUser(t, s, "driver2", "deliver", false)
	seedUser(t, s, "shopper", "customer", true)

	ids, err := s.ListUserIDsByRole(context.Background(), model.RoleDeliver)
	require.NoError(t, err)
	assert.Equal(t, []string{d1}, ids)

	ids, err = s.ListUserIDsByRole(context.Background(), model.RoleAdmin)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUserMeta(t *testing.T) {
	s := openTestStore(t)
	id := seedUser(t, s, "alice", "ADMIN", true)

	meta, err := s.UserMeta(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", meta.Username)
	assert.Equal(t, model.RoleAdmin, meta.Role)
	assert.True(t, meta.NotificationsEnabled)

	_, err = s.UserMeta(context.Background(), "99999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateNotificationPreference(t *testing.T) {
	s := openTestStore(t)
	id := seedUser(t, s, "bob", "customer", true)

	require.NoError(t, s.UpdateNotificationPreference(context.Background(), id, false))

	meta, err := s.UserMeta(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, meta.NotificationsEnabled)
}

func TestDeviceLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDevice(ctx, 1, model.UserDevice{
		DeviceToken: "tok-1", Platform: "Android", AppVersion: "1.0", DeviceName: "Pixel",
	}))
	// Same token registered again moves to the new owner instead of
	// duplicating.
	require.NoError(t, s.RegisterDevice(ctx, 2, model.UserDevice{
		DeviceToken: "tok-1", Platform: "android", AppVersion: "1.1", DeviceName: "Pixel",
	}))

	devices, err := s.ListDevices(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, devices)

	devices, err = s.ListDevices(ctx, "2")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, model.PlatformAndroid, devices[0].Platform)

	registered, err := s.DeviceRegistered(ctx, 2, "tok-1")
	require.NoError(t, err)
	assert.True(t, registered)

	require.NoError(t, s.DeleteDevice(ctx, "tok-1"))
	devices, err = s.ListDevices(ctx, "2")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestConnectionAuditUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.UpsertConnection(ctx, "u1", `{"role":"deliver"}`, first))

	second := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpsertConnection(ctx, "u1", `{"role":"deliver"}`, second))

	row, err := s.Connection(ctx, "u1")
	require.NoError(t, err)
	assert.WithinDuration(t, second, row.LastConnectedAt, time.Second)
	assert.Nil(t, row.LastDisconnectedAt)

	disconnectedAt := second.Add(time.Minute)
	require.NoError(t, s.MarkDisconnected(ctx, "u1", disconnectedAt))

	row, err = s.Connection(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, row.LastDisconnectedAt)
	assert.WithinDuration(t, disconnectedAt, *row.LastDisconnectedAt, time.Second)

	// One row per user.
	var count int64
	require.NoError(t, s.db.Model(new(model.UserConnection)).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	_, err = s.Connection(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}
