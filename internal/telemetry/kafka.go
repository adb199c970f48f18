package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes each record to one topic, keyed by name so a vessel's
// history stays in order on one partition.
type Kafka struct {
	w kafkaWriter
}

func newKafkaWriter(brokers []string, topic string) kafkaWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

var newKafkaWriterFn = newKafkaWriter

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{w: newKafkaWriterFn(brokers, topic)}
}

func (k *Kafka) Write(ctx context.Context, r Record) error {
	value, err := json.Marshal(r)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(string(r.Kind) + "/" + r.Name),
		Value: value,
		Time:  r.At,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(r.RunID)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("telemetry: kafka %s %s: %w", r.Kind, r.Name, err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.w.Close() }
