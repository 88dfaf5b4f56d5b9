// Package kafka publishes ticket state changes for the reporting side.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ticketing/scanner-service/internal/store"
)

type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher hashes on the message key so all events of one ticket land
// on the same partition, in order.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, events []store.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		messages = append(messages, Message(event))
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write %d messages: %w", len(messages), err)
	}
	return nil
}

// Message maps one outbox row to a Kafka message keyed by ticket code.
func Message(event store.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(event.AggregateKey),
		Value: event.Payload,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(fmt.Sprintf("%d", event.EventID))},
		},
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
