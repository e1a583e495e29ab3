package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the recorder uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// envelope wraps every journal event published to Kafka.
type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// KafkaRecorder publishes journal events as JSON to a single topic.
type KafkaRecorder struct {
	writer messageWriter
	topic  string
}

// NewKafkaRecorder creates a synchronous producer for topic.
func NewKafkaRecorder(brokers []string, topic string) (*KafkaRecorder, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaRecorder{writer: w, topic: topic}, nil
}

func (k *KafkaRecorder) publish(ctx context.Context, typ, key string, data interface{}, at time.Time) error {
	value, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  at,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(typ)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", typ, err)
	}
	return nil
}

func (k *KafkaRecorder) RecordObservation(ctx context.Context, evt *ObservationEvent) error {
	return k.publish(ctx, "observation", evt.Symbol, evt, evt.Timestamp)
}

func (k *KafkaRecorder) RecordTrigger(ctx context.Context, evt *TriggerEvent) error {
	return k.publish(ctx, "trigger", strconv.Itoa(evt.Number), evt, evt.Timestamp)
}

func (k *KafkaRecorder) RecordNotification(ctx context.Context, evt *NotificationEvent) error {
	return k.publish(ctx, "notification", strconv.Itoa(evt.Trigger), evt, evt.Timestamp)
}

func (k *KafkaRecorder) Close() error {
	return k.writer.Close()
}
