// Package sessionstore persists last-known connection metadata per user: a
// TTL'd redis tier shared by all processes plus a relational audit row. It is
// advisory only; the in-process registry stays authoritative for "is online".
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/realb/realtime/internal/model"
	"github.com/realb/realtime/internal/store"
)

const keyPrefix = "ws:user:"

// Record is the persisted projection of a live session, minus the socket.
type Record struct {
	UserID               string     `json:"user_id"`
	Username             string     `json:"username"`
	Role                 string     `json:"role"`
	Status               string     `json:"status"`
	NotificationsEnabled bool       `json:"notifications_enabled"`
	LastConnectedAt      time.Time  `json:"last_connected_at"`
	LastDisconnectedAt   *time.Time `json:"last_disconnected_at,omitempty"`
}

// Cache is the slice of the redis client the store needs. *redis.Client
// satisfies it.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type Store struct {
	cache Cache
	db    *store.Store
	ttl   time.Duration
}

func New(cache Cache, db *store.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{cache: cache, db: db, ttl: ttl}
}

// SaveConnected writes the record through both tiers. Failures are logged and
// swallowed: losing an advisory write must never fail a connect.
func (s *Store) SaveConnected(ctx context.Context, rec Record) {
	log := zap.S().With("method", "SaveConnected", "user", rec.UserID)

	data, err := json.Marshal(&rec)
	if err != nil {
		log.Error("marshal record:", err)
		return
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, keyPrefix+rec.UserID, data, s.ttl).Err(); err != nil {
			log.Error("cache set:", err)
		}
	}
	if s.db != nil {
		if err := s.db.UpsertConnection(ctx, rec.UserID, string(data), rec.LastConnectedAt); err != nil {
			log.Error("db upsert:", err)
		}
	}
}

// MarkDisconnected stamps the disconnect time in both tiers.
func (s *Store) MarkDisconnected(ctx context.Context, userID string, at time.Time) {
	log := zap.S().With("method", "MarkDisconnected", "user", userID)

	if s.cache != nil {
		raw, err := s.cache.Get(ctx, keyPrefix+userID).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// TTL expired, nothing to stamp.
		case err != nil:
			log.Error("cache get:", err)
		default:
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				log.Error("unmarshal record:", err)
			} else {
				rec.LastDisconnectedAt = &at
				data, _ := json.Marshal(&rec)
				if err := s.cache.Set(ctx, keyPrefix+userID, data, s.ttl).Err(); err != nil {
					log.Error("cache set:", err)
				}
			}
		}
	}
	if s.db != nil {
		if err := s.db.MarkDisconnected(ctx, userID, at); err != nil {
			log.Error("db update:", err)
		}
	}
}

// Lookup returns the last known record, preferring the cache tier. Used for
// reconnection hints, never for liveness.
func (s *Store) Lookup(ctx context.Context, userID string) (*Record, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, keyPrefix+userID).Bytes()
		if err == nil {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err == nil {
				return &rec, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			zap.S().Errorw("sessionstore cache get", "user", userID, "error", err)
		}
	}
	if s.db == nil {
		return nil, fmt.Errorf("sessionstore: no record for user %s", userID)
	}
	row, err := s.db.Connection(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec := Record{UserID: userID, LastConnectedAt: row.LastConnectedAt, LastDisconnectedAt: row.LastDisconnectedAt}
	if row.ConnectionData != "" {
		// Best effort, the audit blob may predate the current shape.
		_ = json.Unmarshal([]byte(row.ConnectionData), &rec)
		rec.UserID = userID
	}
	return &rec, nil
}

// FromMetadata builds a Record from live session metadata.
func FromMetadata(userID string, role model.Role, username, status string, notificationsEnabled bool, connectedAt time.Time) Record {
	return Record{
		UserID:               userID,
		Username:             username,
		Role:                 role.String(),
		Status:               status,
		NotificationsEnabled: notificationsEnabled,
		LastConnectedAt:      connectedAt,
	}
}
