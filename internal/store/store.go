// Package store is the relational collaborator boundary: user/role lookup,
// device-token lookup and the connection audit table. The notification core
// only reads users and devices here; ownership of those tables stays with the
// marketplace CRUD services.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/realb/realtime/internal/model"
)

var ErrNotFound = errors.New("store: not found")

type UserMeta struct {
	UserID               string
	Username             string
	Role                 model.Role
	NotificationsEnabled bool
}

type Device struct {
	Token    string
	Platform model.Platform
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables this subsystem owns or reads in dev setups.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(new(model.User), new(model.UserDevice), new(model.UserConnection))
}

func (s *Store) UserMeta(ctx context.Context, userID string) (UserMeta, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserMeta{}, ErrNotFound
		}
		return UserMeta{}, fmt.Errorf("store: user meta %s: %w", userID, err)
	}
	return UserMeta{
		UserID:               fmt.Sprint(u.ID),
		Username:             u.Username,
		Role:                 model.NormalizeRole(u.Role),
		NotificationsEnabled: u.Notifications,
	}, nil
}

func (s *Store) UserMetaByEmail(ctx context.Context, email string) (UserMeta, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserMeta{}, ErrNotFound
		}
		return UserMeta{}, fmt.Errorf("store: user meta by email: %w", err)
	}
	return UserMeta{
		UserID:               fmt.Sprint(u.ID),
		Username:             u.Username,
		Role:                 model.NormalizeRole(u.Role),
		NotificationsEnabled: u.Notifications,
	}, nil
}

// ListUserIDsByRole returns ids of users with the given role that have
// notifications enabled. The role match is case-insensitive in SQL so the
// core never folds strings itself.
func (s *Store) ListUserIDsByRole(ctx context.Context, role model.Role) ([]string, error) {
	ids := []string{}
	err := s.db.WithContext(ctx).Model(new(model.User)).
		Where("notifications = ?", true).
		Where("LOWER(role) = ?", strings.ToLower(role.String())).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: list users by role %s: %w", role, err)
	}
	return ids, nil
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	var rows []model.UserDevice
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list devices %s: %w", userID, err)
	}
	devices := make([]Device, 0, len(rows))
	for _, d := range rows {
		devices = append(devices, Device{
			Token:    d.DeviceToken,
			Platform: model.NormalizePlatform(d.Platform),
		})
	}
	return devices, nil
}

// DeleteDevice drops a device row once a push provider reports its token as
// permanently invalid.
func (s *Store) DeleteDevice(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).Where("device_token = ?", token).Delete(new(model.UserDevice)).Error; err != nil {
		return fmt.Errorf("store: delete device: %w", err)
	}
	return nil
}

func (s *Store) RegisterDevice(ctx context.Context, userID uint, d model.UserDevice) error {
	d.UserID = userID
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_token"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "platform", "app_version", "device_name"}),
	}).Create(&d).Error
	if err != nil {
		return fmt.Errorf("store: register device: %w", err)
	}
	return nil
}

func (s *Store) DeviceRegistered(ctx context.Context, userID uint, token string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(new(model.UserDevice)).
		Where("user_id = ? and device_token = ?", userID, token).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: device registered: %w", err)
	}
	return count > 0, nil
}

func (s *Store) UpdateNotificationPreference(ctx context.Context, userID string, enabled bool) error {
	err := s.db.WithContext(ctx).Model(new(model.User)).
		Where("id = ?", userID).
		Update("notifications", enabled).Error
	if err != nil {
		return fmt.Errorf("store: update preference %s: %w", userID, err)
	}
	return nil
}

// UpsertConnection records a connect in the audit table, no TTL.
func (s *Store) UpsertConnection(ctx context.Context, userID, connectionData string, at time.Time) error {
	row := model.UserConnection{
		UserID:          userID,
		LastConnectedAt: at,
		ConnectionData:  connectionData,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_connected_at", "connection_data"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: upsert connection %s: %w", userID, err)
	}
	return nil
}

func (s *Store) MarkDisconnected(ctx context.Context, userID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(new(model.UserConnection)).
		Where("user_id = ?", userID).
		Update("last_disconnected_at", at).Error
	if err != nil {
		return fmt.Errorf("store: mark disconnected %s: %w", userID, err)
	}
	return nil
}

func (s *Store) Connection(ctx context.Context, userID string) (*model.UserConnection, error) {
	var row model.UserConnection
	if err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: connection %s: %w", userID, err)
	}
	return &row, nil
}
