// Package notify resolves notification targets and coordinates delivery:
// the duplex channel first, the push gateway for everyone the channel did not
// reach. Notify never fails its caller; per-target problems become counters.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realb/realtime/internal/model"
	"github.com/realb/realtime/internal/store"
)

// Via records how one target was reached.
type Via string

const (
	ViaChannel Via = "channel"
	ViaPush    Via = "push"
	ViaNone    Via = "none"
)

// Summary aggregates one dispatch. ChannelSent+PushSent+Failed == Total.
type Summary struct {
	ChannelSent int
	PushSent    int
	Failed      int
	Total       int
	Results     map[string]Via
}

// Broadcaster is the connection registry's delivery surface.
type Broadcaster interface {
	Broadcast(msg *Message, targetIDs []string) map[string]bool
}

// Directory resolves users and roles. Role listings come back pre-filtered to
// users with notifications enabled.
type Directory interface {
	ListUserIDsByRole(ctx context.Context, role model.Role) ([]string, error)
	UserMeta(ctx context.Context, userID string) (store.UserMeta, error)
}

// DeviceSource lists a user's push devices and disposes of dead tokens.
type DeviceSource interface {
	ListDevices(ctx context.Context, userID string) ([]store.Device, error)
	DeleteDevice(ctx context.Context, token string) error
}

// Pusher is the push gateway. A nil error means the provider accepted the
// notification; ErrTokenInvalid marks tokens to clean up.
type Pusher interface {
	SendAndroid(ctx context.Context, token string, msg *Message) error
	SendIOS(ctx context.Context, token string, msg *Message) error
}

type Options struct {
	BatchSize   int
	PushTimeout time.Duration
}

type Dispatcher struct {
	registry  Broadcaster
	directory Directory
	devices   DeviceSource
	pusher    Pusher

	batchSize   int
	pushTimeout time.Duration
}

func NewDispatcher(registry Broadcaster, directory Directory, devices DeviceSource, pusher Pusher, opts Options) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 15 * time.Second
	}
	return &Dispatcher{
		registry:    registry,
		directory:   directory,
		devices:     devices,
		pusher:      pusher,
		batchSize:   opts.BatchSize,
		pushTimeout: opts.PushTimeout,
	}
}

// Notify resolves the target set from roles, explicit ids and exclusions,
// attempts channel delivery for the whole set, then falls back to push for
// everyone the channel missed. An empty resolved set is not an error.
func (d *Dispatcher) Notify(ctx context.Context, msg *Message, roles []model.Role, userIDs, excludeIDs []string) Summary {
	log := zap.S().With("method", "Notify", "type", msg.Type())

	targets := d.resolve(ctx, roles, userIDs, excludeIDs)
	summary := Summary{Total: len(targets), Results: make(map[string]Via, len(targets))}
	if len(targets) == 0 {
		log.Info("no targets resolved")
		return summary
	}

	delivered := d.registry.Broadcast(msg, targets)

	pushCandidates := make([]string, 0, len(targets))
	for _, id := range targets {
		if delivered[id] {
			summary.ChannelSent++
			summary.Results[id] = ViaChannel
		} else {
			pushCandidates = append(pushCandidates, id)
		}
	}

	for i := 0; i < len(pushCandidates); i += d.batchSize {
		end := i + d.batchSize
		if end > len(pushCandidates) {
			end = len(pushCandidates)
		}
		d.pushBatch(ctx, msg, pushCandidates[i:end], &summary)
	}

	log.Infow("dispatched",
		"channel_sent", summary.ChannelSent,
		"push_sent", summary.PushSent,
		"failed", summary.Failed,
		"total", summary.Total)
	return summary
}

// resolve builds the target id set. Users with notifications disabled are
// dropped here so neither channel nor push ever reaches them; exclusions win
// over every other filter.
func (d *Dispatcher) resolve(ctx context.Context, roles []model.Role, userIDs, excludeIDs []string) []string {
	log := zap.S().With("method", "resolve")
	set := map[string]struct{}{}

	for _, role := range roles {
		ids, err := d.directory.ListUserIDsByRole(ctx, role)
		if err != nil {
			log.Errorw("list by role", "role", role, "error", err)
			continue
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}

	for _, id := range userIDs {
		meta, err := d.directory.UserMeta(ctx, id)
		if err != nil {
			// Unknown users stay in the set and surface as failed targets.
			log.Warnw("user meta", "user", id, "error", err)
			set[id] = struct{}{}
			continue
		}
		if !meta.NotificationsEnabled {
			continue
		}
		set[id] = struct{}{}
	}

	for _, id := range excludeIDs {
		delete(set, id)
	}

	targets := make([]string, 0, len(set))
	for id := range set {
		targets = append(targets, id)
	}
	return targets
}

// pushBatch fans out one bounded batch of push attempts and waits for all of
// them before the caller moves on, capping peak concurrency at the batch
// size.
func (d *Dispatcher) pushBatch(ctx context.Context, msg *Message, userIDs []string, summary *Summary) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, userID := range userIDs {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					zap.S().Errorw("push panic", "user", userID, "panic", rec)
					mu.Lock()
					summary.Failed++
					summary.Results[userID] = ViaNone
					mu.Unlock()
				}
			}()

			pushCtx, cancel := context.WithTimeout(ctx, d.pushTimeout)
			sent := d.pushToDevices(pushCtx, userID, msg)
			cancel()

			mu.Lock()
			if sent {
				summary.PushSent++
				summary.Results[userID] = ViaPush
			} else {
				summary.Failed++
				summary.Results[userID] = ViaNone
			}
			mu.Unlock()
		}(userID)
	}
	wg.Wait()
}

// pushToDevices attempts every registered device for the user. One accepted
// delivery is enough to count the user as pushed; permanently dead tokens are
// handed to the cleanup hook.
func (d *Dispatcher) pushToDevices(ctx context.Context, userID string, msg *Message) bool {
	log := zap.S().With("method", "pushToDevices", "user", userID)

	devices, err := d.devices.ListDevices(ctx, userID)
	if err != nil {
		log.Error("list devices:", err)
		return false
	}
	if len(devices) == 0 {
		log.Debug("no registered devices")
		return false
	}

	sent := false
	for _, device := range devices {
		var err error
		switch device.Platform {
		case model.PlatformAndroid:
			err = d.pusher.SendAndroid(ctx, device.Token, msg)
		case model.PlatformIOS:
			err = d.pusher.SendIOS(ctx, device.Token, msg)
		default:
			log.Warnw("unknown platform", "platform", device.Platform)
			continue
		}

		if err == nil {
			sent = true
			continue
		}
		log.Warnw("push failed", "platform", device.Platform, "error", err)
		if IsTokenInvalid(err) {
			if err := d.devices.DeleteDevice(ctx, device.Token); err != nil {
				log.Error("delete device:", err)
			}
		}
	}
	return sent
}
