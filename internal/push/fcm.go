package push

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/realb/realtime/internal/notify"
)

const fcmTTL = 72 * time.Hour

// fcmClient lazily builds the firebase messaging client. Concurrent callers
// share one instance.
func (g *Gateway) fcmClient(ctx context.Context) (*messaging.Client, error) {
	g.fcmMu.Lock()
	defer g.fcmMu.Unlock()

	if g.fcm != nil {
		return g.fcm, nil
	}
	app, err := firebase.NewApp(ctx, nil,
		option.WithCredentialsJSON([]byte(g.cfg.FirebaseCredentialsJSON)))
	if err != nil {
		return nil, fmt.Errorf("push: firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("push: firebase messaging: %w", err)
	}
	g.fcm = client
	zap.S().Info("fcm client initialized")
	return g.fcm, nil
}

// channelID maps a notification type to the Android channel the app renders
// it on.
func channelID(t notify.Type) string {
	switch t {
	case notify.TypeNewProduct:
		return "products_channel"
	case notify.TypeNewOrder, notify.TypeOrderStatusUpdate:
		return "orders_channel"
	case notify.TypeSystem:
		return "system_channel"
	default:
		return "default_channel"
	}
}

// BuildAndroidMessage constructs the provider payload: the flat data map for
// the app plus a high-priority display notification, grouped by the message's
// group key when present.
func BuildAndroidMessage(token string, msg *notify.Message) *messaging.Message {
	data := msg.Data()
	data["id"] = msg.ID()
	data["type"] = string(msg.Type())

	ttl := fcmTTL
	return &messaging.Message{
		Token: token,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
			Notification: &messaging.AndroidNotification{
				Title:     msg.Title(),
				Body:      msg.Body(),
				Sound:     "default",
				ChannelID: channelID(msg.Type()),
				Tag:       msg.GroupKey(),
			},
		},
	}
}

// SendAndroid submits one notification through FCM. Unregistered tokens come
// back as ErrTokenInvalid so the caller can retire the device record.
func (g *Gateway) SendAndroid(ctx context.Context, token string, msg *notify.Message) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	client, err := g.fcmClient(ctx)
	if err != nil {
		return err
	}

	id, err := client.Send(ctx, BuildAndroidMessage(token, msg))
	if err != nil {
		if messaging.IsRegistrationTokenNotRegistered(err) {
			return fmt.Errorf("push: fcm: %v: %w", err, notify.ErrTokenInvalid)
		}
		return fmt.Errorf("push: fcm send: %w", err)
	}
	zap.S().Debugw("fcm sent", "message", id)
	return nil
}
