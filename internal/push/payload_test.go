package push

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realb/realtime/internal/notify"
)

func TestBuildAndroidMessage(t *testing.T) {
	msg := notify.NewOrder("o-7", "alice")

	out := BuildAndroidMessage("token-1", msg)

	assert.Equal(t, "token-1", out.Token)
	assert.Equal(t, "high", out.Android.Priority)
	require.NotNil(t, out.Android.TTL)
	assert.Equal(t, 72*time.Hour, *out.Android.TTL)

	assert.Equal(t, "orders_channel", out.Android.Notification.ChannelID)
	assert.Equal(t, "o-7", out.Android.Notification.Tag)
	assert.NotEmpty(t, out.Android.Notification.Title)

	assert.Equal(t, "new_order", out.Data["type"])
	assert.Equal(t, "o-7", out.Data["order_id"])
	assert.NotEmpty(t, out.Data["id"])
}

func TestChannelIDByType(t *testing.T) {
	assert.Equal(t, "products_channel", channelID(notify.TypeNewProduct))
	assert.Equal(t, "orders_channel", channelID(notify.TypeNewOrder))
	assert.Equal(t, "orders_channel", channelID(notify.TypeOrderStatusUpdate))
	assert.Equal(t, "system_channel", channelID(notify.TypeSystem))
	assert.Equal(t, "default_channel", channelID(notify.Type("whatever")))
}

func TestBuildAlertPayload(t *testing.T) {
	msg := notify.OrderStatusUpdate("o-9", "delivering", "dave")

	data, err := json.Marshal(BuildAlertPayload(msg))
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))

	aps, ok := out["aps"].(map[string]interface{})
	require.True(t, ok, "payload missing aps dictionary")

	assert.Equal(t, float64(1), aps["content-available"])
	assert.Equal(t, float64(1), aps["mutable-content"])
	assert.Equal(t, float64(1), aps["badge"])
	assert.Equal(t, "default", aps["sound"])
	assert.Equal(t, "o-9", aps["thread-id"])

	alert, ok := aps["alert"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, alert["body"], "dave")

	// Data fields ride along as custom keys.
	assert.Equal(t, "o-9", out["order_id"])
	assert.Equal(t, "order_status_update", out["type"])
	assert.NotEmpty(t, out["id"])
}

func TestBuildAlertPayloadWithoutGroupKey(t *testing.T) {
	data, err := json.Marshal(BuildAlertPayload(notify.SystemNotification("maintenance", "tonight")))
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))

	aps := out["aps"].(map[string]interface{})
	_, hasThread := aps["thread-id"]
	assert.False(t, hasThread)
}
