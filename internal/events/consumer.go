// Package events feeds business events from the order services into the
// dispatcher. The queue is the in-process Notify entry point's remote twin:
// producers publish small JSON events, this consumer resolves them into
// notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/realb/realtime/internal/model"
	"github.com/realb/realtime/internal/notify"
)

// Event is the wire shape producers publish.
type Event struct {
	Event      string            `json:"event"`
	OrderID    string            `json:"order_id"`
	UserID     string            `json:"user_id"`
	Username   string            `json:"username"`
	Status     string            `json:"status"`
	Deliver    string            `json:"deliver"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data"`
	ExcludeIDs []string          `json:"exclude_ids"`
}

// Notifier is the dispatcher's entry point.
type Notifier interface {
	Notify(ctx context.Context, msg *notify.Message, roles []model.Role, userIDs, excludeIDs []string) notify.Summary
}

type Consumer struct {
	url         string
	queue       string
	concurrency int
	notifier    Notifier

	conn *amqp.Connection
	ch   *amqp.Channel
	wg   sync.WaitGroup
}

func NewConsumer(url, queue string, concurrency int, notifier Notifier) *Consumer {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Consumer{url: url, queue: queue, concurrency: concurrency, notifier: notifier}
}

// Start dials the broker and consumes until ctx is cancelled. Malformed
// events are rejected without requeue; everything else is acked after
// dispatch since delivery is best effort anyway.
func (c *Consumer) Start(ctx context.Context) error {
	log := zap.S().With("method", "events.Start", "queue", c.queue)

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("events: dial: %w", err)
	}
	c.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("events: channel: %w", err)
	}
	c.ch = ch

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("events: queue declare: %w", err)
	}
	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		return fmt.Errorf("events: qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: consume: %w", err)
	}

	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					if err := c.handle(ctx, d.Body); err != nil {
						log.Error("handle:", err)
						d.Nack(false, false)
						continue
					}
					d.Ack(false)
				}
			}
		}()
	}

	log.Infow("consuming", "concurrency", c.concurrency)
	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
}

func (c *Consumer) handle(ctx context.Context, body []byte) error {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return fmt.Errorf("events: decode: %w", err)
	}
	return Dispatch(ctx, c.notifier, e)
}

// Dispatch maps one event onto a Notify call.
func Dispatch(ctx context.Context, notifier Notifier, e Event) error {
	switch e.Event {
	case "order_created":
		// Every courier hears about a new order except its originator.
		msg := notify.NewOrder(e.OrderID, e.Username)
		exclude := append([]string{e.UserID}, e.ExcludeIDs...)
		notifier.Notify(ctx, msg, []model.Role{model.RoleDeliver}, nil, exclude)
	case "order_status_updated":
		msg := notify.OrderStatusUpdate(e.OrderID, e.Status, e.Deliver)
		notifier.Notify(ctx, msg, nil, []string{e.UserID}, e.ExcludeIDs)
	case "system_notification":
		msg := notify.SystemNotification(e.Title, e.Body)
		roles := []model.Role{model.RoleAdmin, model.RoleDeliver, model.RoleCustomer}
		notifier.Notify(ctx, msg, roles, nil, e.ExcludeIDs)
	default:
		// Unknown events are logged and dropped, not poison.
		zap.S().Warnw("ignoring event", "event", e.Event)
	}
	return nil
}
