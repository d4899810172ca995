package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"tickflow/internal/config"
)

// Handler processes one message. Returning nil acknowledges it (the offset is
// marked); returning an error leaves the offset untouched so the message is
// redelivered after the session rejoins. Handlers therefore return nil for
// poison messages they have logged and counted, and an error only for
// failures a redelivery can fix.
type Handler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// Consumer runs one consumer-group session over a fixed topic list. Messages
// within a partition are dispatched strictly in order; partitions are
// consumed in parallel by sarama.
type Consumer struct {
	group   sarama.ConsumerGroup
	groupID string
	topics  []string
	handler Handler
	logger  *slog.Logger
}

func consumerConfig(clientID string) *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = clientID
	c.Version = sarama.V3_6_0_0
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Return.Errors = true
	c.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRange(),
	}
	return c
}

// NewConsumer joins the group and prepares to consume the given topics.
// Sarama has no pattern subscribe, so callers derive the topic list from the
// configured subscription universe.
func NewConsumer(cfg config.BusConfig, groupID string, topics []string, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("consumer group %s: no topics", groupID)
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, consumerConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("join group %s: %w", groupID, err)
	}
	return &Consumer{
		group:   group,
		groupID: groupID,
		topics:  topics,
		handler: handler,
		logger:  logger.With("component", "bus_consumer", "group", groupID),
	}, nil
}

// Run consumes until ctx is cancelled. Consume returns on every rebalance,
// so it is called in a loop; a handler error also lands here and the session
// rejoins, resuming from the last committed offset.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer group error", "error", err)
		}
	}()

	h := &groupHandler{handler: c.handler, logger: c.logger}
	for {
		if err := c.group.Consume(ctx, c.topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("consume session failed, rejoining", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close leaves the group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// MessageID returns the producer-stamped id header, empty when the message
// came from an outside producer that does not set one.
func MessageID(msg *sarama.ConsumerMessage) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == HeaderMessageID {
			return string(h.Value)
		}
	}
	return ""
}

// groupHandler adapts Handler to sarama's ConsumerGroupHandler. One instance
// serves every claimed partition; ConsumeClaim runs per partition.
type groupHandler struct {
	handler Handler
	logger  *slog.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handler(sess.Context(), msg); err != nil {
				// Offset not marked: ending the session forces redelivery
				// from the last commit.
				h.logger.Warn("handler failed, message will be redelivered",
					"topic", msg.Topic, "partition", msg.Partition,
					"offset", msg.Offset, "message_id", MessageID(msg),
					"error", err)
				return err
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
