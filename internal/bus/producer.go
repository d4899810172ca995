package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"tickflow/internal/config"
	"tickflow/internal/metrics"
)

const (
	publishAttempts = 3
	publishBackoff  = 200 * time.Millisecond
)

// HeaderMessageID is the header carrying the per-message id stamped at
// publish time, used to correlate one event across pipeline log lines.
const HeaderMessageID = "message_id"

// Publisher is the producer surface components depend on. *Producer
// implements it; tests inject in-memory fakes.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Producer wraps a sarama SyncProducer. It is safe for concurrent use and is
// shared by every publishing component.
type Producer struct {
	sp     sarama.SyncProducer
	logger *slog.Logger
}

// producerConfig returns the sarama config shared by real and mocked
// producers: acks=all and the idempotent producer so broker-side retries
// cannot duplicate messages.
func producerConfig(clientID string) *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = clientID
	c.Version = sarama.V3_6_0_0
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Idempotent = true
	c.Net.MaxOpenRequests = 1 // required by the idempotent producer
	c.Producer.Retry.Max = 5
	c.Producer.Retry.Backoff = 100 * time.Millisecond
	c.Producer.Return.Successes = true
	return c
}

// NewProducer connects a SyncProducer to the configured brokers.
func NewProducer(cfg config.BusConfig, logger *slog.Logger) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("connect producer: %w", err)
	}
	return newProducer(sp, logger), nil
}

// newProducer wraps an existing SyncProducer; tests pass a sarama mock.
func newProducer(sp sarama.SyncProducer, logger *slog.Logger) *Producer {
	return &Producer{sp: sp, logger: logger.With("component", "bus_producer")}
}

// Publish marshals payload to JSON and sends it with the given partition key.
// Sarama retries broker errors internally; one bounded outer loop covers
// metadata refreshes and leader elections. When every attempt fails the
// message is dropped: the error counter is incremented and the error
// returned, and the caller decides whether that is fatal.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(raw),
		Headers: []sarama.RecordHeader{{
			Key:   []byte(HeaderMessageID),
			Value: []byte(uuid.NewString()),
		}},
	}

	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(publishBackoff << (attempt - 1)):
			}
		}

		if _, _, lastErr = p.sp.SendMessage(msg); lastErr == nil {
			return nil
		}
	}

	metrics.PublishErrors.WithLabelValues(topic).Inc()
	p.logger.Error("publish failed, message dropped",
		"topic", topic, "key", key, "error", lastErr)
	return fmt.Errorf("publish %s: %w", topic, lastErr)
}

// Close flushes and closes the underlying producer.
func (p *Producer) Close() error {
	return p.sp.Close()
}
