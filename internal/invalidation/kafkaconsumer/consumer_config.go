package kafkaconsumer

import (
	"strings"
	"time"

	"github.com/mohammed-shakir/office-poi-cache/internal/core/config"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	RetryBackoff        time.Duration
	InitialOffsetOldest bool
}

func FromConfig(ic config.InvalidationCfg) Config {
	return Config{
		Brokers:             splitCSV(ic.Brokers),
		Topic:               ic.Topic,
		GroupID:             ic.GroupID,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		RetryBackoff:        2 * time.Second,
		InitialOffsetOldest: false,
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
