// Package ingest publishes collector locations and domain events to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer is the subset of kafka.Writer the producer needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LocationUpdate is the wire form of a collector position fix.
type LocationUpdate struct {
	CollectorID string    `json:"collector_id"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	At          time.Time `json:"at"`
}

type KafkaProducer struct {
	writer  Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return NewKafkaProducerWithWriter(w)
}

func NewKafkaProducerWithWriter(w Writer) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// Publish writes v as JSON under key. Messages with the same key land on the
// same partition, so per-collector and per-collection order is preserved.
func (k *KafkaProducer) Publish(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	return k.Publish(ctx, u.CollectorID, u)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
