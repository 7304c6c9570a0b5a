// Package kafkaconsumer feeds invalidation events from a Kafka topic into an
// invalidation.Invalidator.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	obs "github.com/mohammed-shakir/office-poi-cache/internal/core/observability"
	"github.com/mohammed-shakir/office-poi-cache/internal/invalidation"
	mylog "github.com/mohammed-shakir/office-poi-cache/internal/logger"
)

type Applier interface {
	Apply(ctx context.Context, ev invalidation.Event) (invalidation.Result, error)
}

type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	applier Applier
	zlog    *zerolog.Logger
}

func New(cfg Config, logger *slog.Logger, zl *zerolog.Logger, a Applier) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if zl == nil {
		nop := zerolog.Nop()
		zl = &nop
	}
	base := mylog.WithComponent(context.Background(), "kafka_consumer")
	return &Consumer{
		cfg:     cfg,
		logger:  logger,
		applier: a,
		zlog:    mylog.FromContext(base, zl),
	}
}

func (c *Consumer) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "poi-cache-invalidator"
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	return cfg
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.applier == nil {
		return errors.New("kafkaconsumer: missing applier")
	}
	if len(c.cfg.Brokers) == 0 || c.cfg.Topic == "" {
		return errors.New("kafkaconsumer: brokers and topic are required")
	}

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, c.saramaConfig())
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				if ctx.Err() != nil {
					continue
				}
				obs.IncKafkaConsumerError("consume")
				c.zlog.Error().Err(err).
					Strs("brokers", c.cfg.Brokers).
					Str("topic", c.cfg.Topic).
					Msg("kafka consumer error")
				select {
				case <-ctx.Done():
				case <-time.After(c.cfg.RetryBackoff):
				}
			}
		}
	}
}

// ProcessOne applies a single message. Undecodable or invalid events are
// logged and acknowledged; store failures are returned so the offset is not
// committed and the event is redelivered.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncKafkaConsumerError("decode")
		c.zlog.Error().
			Str("kind", "decode").
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("dropping undecodable event")
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncKafkaConsumerError("validate")
		c.zlog.Warn().Err(err).
			Str("event_id", ev.ID).
			Int64("offset", msg.Offset).
			Msg("dropping invalid event")
		return nil
	}

	res, err := c.applier.Apply(ctx, ev)
	if err != nil {
		obs.IncKafkaConsumerError("apply")
		c.zlog.Error().Err(err).
			Str("kind", "apply").
			Str("event_id", ev.ID).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return fmt.Errorf("apply event %s: %w", ev.ID, err)
	}

	c.zlog.Info().
		Str("event", "invalidation").
		Str("event_id", ev.ID).
		Bool("duplicate", res.Duplicate).
		Int64("rows", res.Rows).
		Msg("invalidation processed")
	return nil
}
