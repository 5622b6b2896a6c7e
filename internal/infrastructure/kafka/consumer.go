// Package kafka ingests conversation windows from a topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
	"ArtifactFunnel/pkg/logger"
)

// MessageHandler processes one record. Returning mark=false leaves the offset
// uncommitted so the record is redelivered.
type MessageHandler interface {
	HandleMessage(ctx context.Context, key, value []byte) (mark bool, err error)
}

// WindowHandler persists windows published by the upstream chunker.
type WindowHandler struct {
	store  ports.WindowStore
	logger *slog.Logger
}

var _ MessageHandler = (*WindowHandler)(nil)

// NewWindowHandler builds the handler.
func NewWindowHandler(store ports.WindowStore, log *slog.Logger) *WindowHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WindowHandler{store: store, logger: log.With("component", "kafka.windows")}
}

// HandleMessage decodes and saves one window. Undecodable or invalid records are
// marked and dropped; storage failures are not marked.
func (h *WindowHandler) HandleMessage(ctx context.Context, key, value []byte) (bool, error) {
	var w domain.ConversationWindow
	if err := json.Unmarshal(value, &w); err != nil {
		h.logger.Warn("dropping undecodable window", "key", string(key), "error", err)
		return true, nil
	}
	if err := w.Validate(); err != nil {
		h.logger.Warn("dropping invalid window", "key", string(key), "error", err)
		return true, nil
	}

	created, err := h.store.SaveWindow(ctx, w)
	if err != nil {
		return false, fmt.Errorf("save window %s: %w", w.Ref(), err)
	}
	h.logger.Debug("window received", "window", w.Ref(), "messages", len(w.Messages), "new", created)
	return true, nil
}

// Config holds consumer group settings.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer runs a sarama consumer group feeding a MessageHandler.
type Consumer struct {
	group   sarama.ConsumerGroup
	handler MessageHandler
	topic   string
	groupID string
	logger  *slog.Logger
}

// NewConsumer connects to the brokers. Sarama's own logging is routed into log.
func NewConsumer(cfg Config, handler MessageHandler, log *slog.Logger) (*Consumer, error) {
	if log == nil {
		log = slog.Default()
	}
	sarama.Logger = logger.New(log, "sarama")

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_6_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Consumer{
		group:   group,
		handler: handler,
		topic:   cfg.Topic,
		groupID: cfg.GroupID,
		logger:  log.With("component", "kafka"),
	}, nil
}

// Run consumes until ctx is cancelled, rejoining the group after rebalances.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer error", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started", "group", c.groupID, "topic", c.topic)
	handler := &groupHandler{handler: c.handler, logger: c.logger}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("consume failed", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handler MessageHandler
	logger  *slog.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			mark, err := h.handler.HandleMessage(session.Context(), message.Key, message.Value)
			if err != nil {
				h.logger.Error("handle message failed", "partition", message.Partition, "offset", message.Offset, "error", err)
			}
			if mark {
				session.MarkMessage(message, "")
			}
		case <-session.Context().Done():
			return nil
		}
	}
}
