package notify

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Type discriminates the well-known notification shapes. Free-form payloads
// go through NewCustom for forward compatibility.
type Type string

const (
	TypeNewOrder          Type = "new_order"
	TypeOrderStatusUpdate Type = "order_status_update"
	TypeSystem            Type = "system_notification"
	TypeNewProduct        Type = "new_product"

	// Frame types used on the duplex channel only.
	TypeConnectionStatus  Type = "connection_status"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeSetPreference     Type = "set_preference"
	TypePreferenceUpdated Type = "preference_updated"
)

// Message is an immutable notification payload. The same message is reused
// for channel delivery and push payload construction, so constructors always
// populate title and body.
type Message struct {
	id    string
	typ   Type
	title string
	body  string
	data  map[string]string
}

func newMessage(typ Type, title, body string, data map[string]string) *Message {
	copied := make(map[string]string, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return &Message{
		id:    uuid.NewString(),
		typ:   typ,
		title: title,
		body:  body,
		data:  copied,
	}
}

func NewOrder(orderID, username string) *Message {
	return newMessage(TypeNewOrder,
		"New order",
		"New order from "+username,
		map[string]string{"order_id": orderID, "username": username})
}

func OrderStatusUpdate(orderID, status, deliver string) *Message {
	body := "Order status changed"
	switch status {
	case "delivering":
		body = deliver + " is delivering your order"
	case "delivered":
		body = deliver + " delivered your order"
	}
	return newMessage(TypeOrderStatusUpdate,
		"Order update",
		body,
		map[string]string{"order_id": orderID, "status": status, "deliver": deliver})
}

func SystemNotification(title, body string) *Message {
	return newMessage(TypeSystem, title, body, nil)
}

func NewProduct(productID, title string) *Message {
	return newMessage(TypeNewProduct, title, title, map[string]string{"product_id": productID})
}

// NewCustom carries an arbitrary payload under an application-chosen type.
func NewCustom(typ, title, body string, data map[string]string) *Message {
	return newMessage(Type(typ), title, body, data)
}

func (m *Message) ID() string    { return m.id }
func (m *Message) Type() Type    { return m.typ }
func (m *Message) Title() string { return m.title }
func (m *Message) Body() string  { return m.body }

// Get returns a payload field by key.
func (m *Message) Get(key string) string { return m.data[key] }

// Data returns a copy of the payload fields.
func (m *Message) Data() map[string]string {
	copied := make(map[string]string, len(m.data))
	for k, v := range m.data {
		copied[k] = v
	}
	return copied
}

// GroupKey is the identifier push providers use to collapse related
// notifications. Conversation wins over order.
func (m *Message) GroupKey() string {
	if v := m.data["conversation_id"]; v != "" {
		return v
	}
	return m.data["order_id"]
}

// MarshalJSON flattens the message into a single object, wire-compatible with
// the mobile clients: {"id":..,"type":..,"title":..,"body":..,<data fields>}.
func (m *Message) MarshalJSON() ([]byte, error) {
	flat := make(map[string]string, len(m.data)+4)
	for k, v := range m.data {
		flat[k] = v
	}
	flat["id"] = m.id
	flat["type"] = string(m.typ)
	if m.title != "" {
		flat["title"] = m.title
	}
	if m.body != "" {
		flat["body"] = m.body
	}
	return json.Marshal(flat)
}
