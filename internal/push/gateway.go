// Package push wraps the two mobile push backends behind one gateway.
// Provider clients are constructed lazily and cached; every call is bounded
// by its own timeout so a stalled provider cannot stall a dispatch batch.
// There is no retry here, retry policy belongs to the caller.
package push

import (
	"sync"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/sideshow/apns2"
)

type Config struct {
	FirebaseCredentialsJSON string

	APNSKeyPath  string
	APNSKeyID    string
	APNSTeamID   string
	APNSBundleID string
	APNSSandbox  bool

	CallTimeout time.Duration
}

type Gateway struct {
	cfg Config

	fcmMu sync.Mutex
	fcm   *messaging.Client

	apnsMu sync.Mutex
	apns   *apns2.Client
}

func NewGateway(cfg Config) *Gateway {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Gateway{cfg: cfg}
}
