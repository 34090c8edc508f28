package kafka

import (
	"context"
	"encoding/json"
	"time"

	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
	"github.com/segmentio/kafka-go"
)

const writeTimeout = 10 * time.Second

// Publisher writes ledger events as JSON to kafka. Each event topic maps to
// one kafka topic, prefixed with the configured prefix.
type Publisher struct {
	writer *kafka.Writer
	prefix string
}

func NewPublisher(brokers []string, topicPrefix string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		prefix: topicPrefix,
	}
}

func (p *Publisher) Publish(topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	return p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic: p.prefix + topic,
			Value: data,
		},
	)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
