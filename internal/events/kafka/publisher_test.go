package kafka

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRejectsUnencodableEvent(t *testing.T) {
	p := NewPublisher([]string{"127.0.0.1:1"}, "test.")
	defer p.Close()

	err := p.Publish("topic", make(chan int))
	require.Error(t, err)
}

func TestPublishRoundTrip(t *testing.T) {
	brokers := os.Getenv("LEDGER_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("LEDGER_TEST_KAFKA_BROKERS not set")
	}
	addrs := strings.Split(brokers, ",")
	prefix := "test-" + uuid.NewString()[:8] + "."

	p := NewPublisher(addrs, prefix)
	defer p.Close()

	sent := events.TransferCompleted{
		TransactionID: uuid.NewString(),
		FromAccount:   "alice",
		ToAccount:     "bob",
		Amount:        "42",
		OccurredAt:    time.Now(),
	}
	require.NoError(t, p.Publish(events.TopicTransferCompleted, sent))

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   addrs,
		Topic:     prefix + events.TopicTransferCompleted,
		Partition: 0,
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	msg, err := r.ReadMessage(ctx)
	require.NoError(t, err)

	var got events.TransferCompleted
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, sent.TransactionID, got.TransactionID)
	assert.Equal(t, sent.FromAccount, got.FromAccount)
	assert.Equal(t, sent.Amount, got.Amount)
	assert.WithinDuration(t, sent.OccurredAt, got.OccurredAt, time.Millisecond)
}
