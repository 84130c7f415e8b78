package config

import (
	"errors"
	"fmt"
	"strings"
)

// BrokerDriver selects the message broker implementation.
type BrokerDriver string

const (
	// BrokerDriverRedis uses a Redis list queue (at-least-once).
	BrokerDriverRedis BrokerDriver = "redis"
	// BrokerDriverNATS uses a core NATS queue group (at-most-once).
	BrokerDriverNATS BrokerDriver = "nats"
)

// ErrBrokerNotConfigured is returned when a process needs a broker but no endpoint was supplied.
var ErrBrokerNotConfigured = errors.New("broker endpoint not configured")

// BrokerConfig contains broker selection and naming.
type BrokerConfig struct {
	Driver BrokerDriver `env:"DRIVER" envDefault:"redis"`

	// Queue is the Redis list key or NATS subject that carries job messages.
	Queue string `env:"QUEUE" envDefault:"mmk:jobs"`
}

// Sanitize normalises broker configuration values.
func (b *BrokerConfig) Sanitize() {
	b.Driver = BrokerDriver(strings.ToLower(strings.TrimSpace(string(b.Driver))))
	if b.Driver == "" {
		b.Driver = BrokerDriverRedis
	}
	b.Queue = strings.TrimSpace(b.Queue)
	if b.Queue == "" {
		b.Queue = "mmk:jobs"
	}
}

// Validate checks that the selected driver has an endpoint.
func (b BrokerConfig) Validate(redisCfg RedisConfig, natsCfg NATSConfig) error {
	switch b.Driver {
	case BrokerDriverRedis:
		if !redisCfg.IsConfigured() {
			return fmt.Errorf("%w: set REDIS_URI (or sentinel/cluster nodes)", ErrBrokerNotConfigured)
		}
	case BrokerDriverNATS:
		if !natsCfg.IsConfigured() {
			return fmt.Errorf("%w: set NATS_URL", ErrBrokerNotConfigured)
		}
	default:
		return fmt.Errorf("invalid broker driver: %q (valid options: redis, nats)", b.Driver)
	}
	return nil
}
