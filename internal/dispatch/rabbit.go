package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/models"
)

const BroadcastExchange = "trip_broadcast"

// publisher is satisfied by *amqp.Channel.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitBroadcaster is the city-wide channel: broadcast announcements and
// their follow-ups (assigned, cancelled) go to a topic exchange with routing
// key city.<city>, where the chat layer's channel bots consume them.
type RabbitBroadcaster struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
}

func DialRabbitBroadcaster(url string) (*RabbitBroadcaster, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.ExchangeDeclare(BroadcastExchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitBroadcaster{conn: conn, ch: ch, exchange: BroadcastExchange}, nil
}

func newRabbitBroadcaster(p publisher) *RabbitBroadcaster {
	return &RabbitBroadcaster{ch: p, exchange: BroadcastExchange}
}

func CityRoutingKey(city string) string { return "city." + city }

func (b *RabbitBroadcaster) Notify(ctx context.Context, ev models.Event) error {
	switch ev.Type {
	case models.EventTripBroadcast, models.EventTripAssigned, models.EventTripCancelled:
	default:
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = b.ch.PublishWithContext(ctx, b.exchange, CityRoutingKey(ev.City), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(ev.Type),
		MessageId:    fmt.Sprintf("%s:%s:%d", ev.TripID, ev.Type, ev.Cycle),
		Timestamp:    ev.At,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (b *RabbitBroadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
