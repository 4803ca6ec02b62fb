package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards records to the observability topic. Messages are
// keyed by account so one account's records stay ordered on a partition.
type KafkaPublisher struct {
	w     messageWriter
	topic string
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		topic: topic,
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.CRC32Balancer{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
		},
	}
}

func (k *KafkaPublisher) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record %s: %w", rec.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.Account),
		Value: data,
		Time:  rec.At,
		Headers: []kafka.Header{
			{Key: "record-type", Value: []byte(rec.Type)},
			{Key: "severity", Value: []byte(rec.Severity.String())},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish audit record %s to %s: %w", rec.ID, k.topic, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error { return k.w.Close() }
