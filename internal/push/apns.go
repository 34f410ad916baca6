package push

import (
	"context"
	"fmt"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"github.com/realb/realtime/internal/notify"
)

// apnsClient lazily builds the APNs token client under a mutex so concurrent
// callers share one HTTP/2 connection instead of racing to construct it.
func (g *Gateway) apnsClient() (*apns2.Client, error) {
	g.apnsMu.Lock()
	defer g.apnsMu.Unlock()

	if g.apns != nil {
		return g.apns, nil
	}
	authKey, err := token.AuthKeyFromFile(g.cfg.APNSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("push: apns auth key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   g.cfg.APNSKeyID,
		TeamID:  g.cfg.APNSTeamID,
	})
	if g.cfg.APNSSandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}
	g.apns = client
	zap.S().Infow("apns client initialized", "sandbox", g.cfg.APNSSandbox)
	return g.apns, nil
}

// BuildAlertPayload constructs the aps alert with the message's data fields
// as custom keys. The group key becomes the thread-id so the client can
// collapse related notifications.
func BuildAlertPayload(msg *notify.Message) *payload.Payload {
	p := payload.NewPayload().
		AlertTitle(msg.Title()).
		AlertBody(msg.Body()).
		Sound("default").
		Badge(1).
		MutableContent().
		ContentAvailable()

	if key := msg.GroupKey(); key != "" {
		p = p.ThreadID(key)
	}
	for k, v := range msg.Data() {
		p = p.Custom(k, v)
	}
	p = p.Custom("id", msg.ID())
	p = p.Custom("type", string(msg.Type()))
	return p
}

// SendIOS submits one notification through APNs. Unregistered or malformed
// tokens come back as ErrTokenInvalid; everything else is a transient failure
// for this attempt.
func (g *Gateway) SendIOS(ctx context.Context, deviceToken string, msg *notify.Message) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	client, err := g.apnsClient()
	if err != nil {
		return err
	}

	res, err := client.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       g.cfg.APNSBundleID,
		Payload:     BuildAlertPayload(msg),
		PushType:    apns2.PushTypeAlert,
		Expiration:  time.Now().Add(fcmTTL),
	})
	if err != nil {
		return fmt.Errorf("push: apns send: %w", err)
	}
	if !res.Sent() {
		switch res.Reason {
		case apns2.ReasonUnregistered, apns2.ReasonBadDeviceToken, apns2.ReasonDeviceTokenNotForTopic:
			return fmt.Errorf("push: apns %s: %w", res.Reason, notify.ErrTokenInvalid)
		}
		return fmt.Errorf("push: apns rejected: %s", res.Reason)
	}
	zap.S().Debugw("apns sent", "apns_id", res.ApnsID)
	return nil
}
