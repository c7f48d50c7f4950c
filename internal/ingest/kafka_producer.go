package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	DefaultLocationsTopic = "driver-locations"
	DefaultEventsTopic    = "trip-events"
)

var ErrInvalidPing = errors.New("invalid location ping")

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver location pings and the trip event stream.
// Pings are keyed by driver id and events by trip id, so each key keeps its
// order within a partition.
type KafkaProducer struct {
	writer         messageWriter
	locationsTopic string
	eventsTopic    string
}

func NewKafkaProducer(brokers []string, locationsTopic, eventsTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafkaProducer(w, locationsTopic, eventsTopic)
}

func newKafkaProducer(w messageWriter, locationsTopic, eventsTopic string) *KafkaProducer {
	if locationsTopic == "" {
		locationsTopic = DefaultLocationsTopic
	}
	if eventsTopic == "" {
		eventsTopic = DefaultEventsTopic
	}
	return &KafkaProducer{writer: w, locationsTopic: locationsTopic, eventsTopic: eventsTopic}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: k.locationsTopic, Key: []byte(p.DriverID), Value: b, Time: p.At})
}

// Notify appends the event to the events topic.
func (k *KafkaProducer) Notify(ctx context.Context, ev models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.eventsTopic,
		Key:   []byte(ev.TripID),
		Value: b,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "cycle", Value: []byte(strconv.Itoa(ev.Cycle))},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", ev.Type, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses and validates a ping read from the locations topic.
func DecodeLocation(b []byte) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPing, err)
	}
	if p.DriverID == "" {
		return p, fmt.Errorf("%w: missing driver_id", ErrInvalidPing)
	}
	if p.Loc.IsZero() || !p.Loc.Valid() {
		return p, fmt.Errorf("%w: bad coordinates", ErrInvalidPing)
	}
	return p, nil
}
