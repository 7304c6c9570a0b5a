// Package kafkapublisher sends invalidation events to the topic the
// kafkaconsumer of every server instance reads.
package kafkapublisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/office-poi-cache/internal/invalidation"
)

type Publisher struct {
	topic string
	prod  sarama.SyncProducer
}

func New(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafkapublisher: brokers and topic are required")
	}
	cfg := sarama.NewConfig()
	cfg.ClientID = "poi-cache-cachectl"
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafkapublisher: create producer: %w", err)
	}
	return NewWithProducer(prod, topic), nil
}

func NewWithProducer(prod sarama.SyncProducer, topic string) *Publisher {
	return &Publisher{topic: topic, prod: prod}
}

// Publish validates ev and waits for the broker ack. The event id is the
// message key so redeliveries land on one partition.
func (p *Publisher) Publish(ctx context.Context, ev invalidation.Event) (partition int32, offset int64, err error) {
	if err := ev.Validate(); err != nil {
		return 0, 0, fmt.Errorf("kafkapublisher: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, 0, fmt.Errorf("kafkapublisher: marshal: %w", err)
	}
	partition, offset, err = p.prod.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.ID),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("kafkapublisher: send: %w", err)
	}
	return partition, offset, nil
}

func (p *Publisher) Close() error {
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("kafkapublisher: close producer: %w", err)
	}
	return nil
}
