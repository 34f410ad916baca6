package model

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Role is the closed set of user roles the notification core understands.
// Anything else is normalized to RoleUnknown at the store boundary so the
// rest of the code never case-folds ad hoc.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDeliver  Role = "deliver"
	RoleCustomer Role = "customer"
	RoleUnknown  Role = "unknown"
)

func NormalizeRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin
	case "deliver":
		return RoleDeliver
	case "customer":
		return RoleCustomer
	default:
		return RoleUnknown
	}
}

func (r Role) String() string { return string(r) }

// Platform discriminates the two push backends.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

func NormalizePlatform(s string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(s)))
}

type User struct {
	gorm.Model

	Email         string `json:"email" gorm:"column:email;uniqueIndex"`
	Username      string `json:"username" gorm:"column:username"`
	Role          string `json:"role" gorm:"column:role;index"`
	Notifications bool   `json:"notifications" gorm:"column:notifications;default:true"`
}

type UserDevice struct {
	gorm.Model

	UserID      uint   `json:"user_id" gorm:"column:user_id;index"`
	DeviceToken string `json:"device_token" gorm:"column:device_token;uniqueIndex"`
	Platform    string `json:"platform" gorm:"column:platform"`
	AppVersion  string `json:"app_version" gorm:"column:app_version"`
	DeviceName  string `json:"device_name" gorm:"column:device_name"`
}

// UserConnection is the relational audit row behind the session store.
// One row per user, upserted on connect, stamped on disconnect.
type UserConnection struct {
	gorm.Model

	UserID             string     `json:"user_id" gorm:"column:user_id;uniqueIndex"`
	LastConnectedAt    time.Time  `json:"last_connected_at" gorm:"column:last_connected_at"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at" gorm:"column:last_disconnected_at"`
	ConnectionData     string     `json:"connection_data" gorm:"column:connection_data"`
}
