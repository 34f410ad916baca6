package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realb/realtime/internal/model"
	"github.com/realb/realtime/internal/notify"
)

type recordedCall struct {
	msgType    notify.Type
	roles      []model.Role
	userIDs    []string
	excludeIDs []string
}

type recordingNotifier struct {
	calls []recordedCall
}

func (r *recordingNotifier) Notify(_ context.Context, msg *notify.Message, roles []model.Role, userIDs, excludeIDs []string) notify.Summary {
	r.calls = append(r.calls, recordedCall{
		msgType:    msg.Type(),
		roles:      roles,
		userIDs:    userIDs,
		excludeIDs: excludeIDs,
	})
	return notify.Summary{}
}

func TestDispatchOrderCreated(t *testing.T) {
	n := &recordingNotifier{}

	err := Dispatch(context.Background(), n, Event{
		Event:    "order_created",
		OrderID:  "o-1",
		UserID:   "customer-7",
		Username: "alice",
	})
	require.NoError(t, err)

	require.Len(t, n.calls, 1)
	call := n.calls[0]
	assert.Equal(t, notify.TypeNewOrder, call.msgType)
	assert.Equal(t, []model.Role{model.RoleDeliver}, call.roles)
	// The ordering customer never hears about their own order.
	assert.Contains(t, call.excludeIDs, "customer-7")
}

func TestDispatchOrderStatusUpdated(t *testing.T) {
	n := &recordingNotifier{}

	err := Dispatch(context.Background(), n, Event{
		Event:   "order_status_updated",
		OrderID: "o-1",
		UserID:  "customer-7",
		Status:  "delivering",
		Deliver: "dave",
	})
	require.NoError(t, err)

	require.Len(t, n.calls, 1)
	call := n.calls[0]
	assert.Equal(t, notify.TypeOrderStatusUpdate, call.msgType)
	assert.Empty(t, call.roles)
	assert.Equal(t, []string{"customer-7"}, call.userIDs)
}

func TestDispatchSystemNotification(t *testing.T) {
	n := &recordingNotifier{}

	err := Dispatch(context.Background(), n, Event{
		Event: "system_notification",
		Title: "maintenance",
		Body:  "back at midnight",
	})
	require.NoError(t, err)

	require.Len(t, n.calls, 1)
	assert.Equal(t, notify.TypeSystem, n.calls[0].msgType)
	assert.Len(t, n.calls[0].roles, 3)
}

func TestDispatchIgnoresUnknownEvents(t *testing.T) {
	n := &recordingNotifier{}

	err := Dispatch(context.Background(), n, Event{Event: "price_changed"})
	require.NoError(t, err)
	assert.Empty(t, n.calls)
}

func TestHandleRejectsMalformedBody(t *testing.T) {
	c := NewConsumer("amqp://unused", "q", 1, &recordingNotifier{})

	err := c.handle(context.Background(), []byte("{not json"))
	assert.Error(t, err)
}
