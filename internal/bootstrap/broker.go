package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-jobs/config"
	natsadapter "github.com/target/mmk-jobs/internal/adapters/nats"
	redisadapter "github.com/target/mmk-jobs/internal/adapters/redis"
	"github.com/target/mmk-jobs/internal/core"
)

// Infrastructure holds the connections shared by every enabled service.
type Infrastructure struct {
	DB *sql.DB
	// Redis is set when the Redis driver is selected or a Redis endpoint was supplied
	// for the scheduler fire guard.
	Redis redis.UniversalClient
	// NATS is set only when the NATS driver is selected.
	NATS *nats.Conn
}

// ConnectInfrastructure opens the database and broker connections. The selected
// broker endpoint must be configured; there is no silent fallback.
func ConnectInfrastructure(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Infrastructure, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Broker.Validate(cfg.Redis, cfg.NATS); err != nil {
		return nil, err
	}

	dbCfg := DatabaseConfig{DBConfig: cfg.Postgres, RedisConfig: cfg.Redis, Logger: logger}
	db, err := ConnectDB(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	infra := &Infrastructure{DB: db}

	if cfg.Broker.Driver == config.BrokerDriverRedis || cfg.Redis.IsConfigured() {
		client, redisErr := ConnectRedis(ctx, dbCfg)
		if redisErr != nil {
			return nil, errors.Join(fmt.Errorf("connect redis: %w", redisErr), infra.Close())
		}
		infra.Redis = client
	}

	if cfg.Broker.Driver == config.BrokerDriverNATS {
		conn, natsErr := natsadapter.Connect(cfg.NATS)
		if natsErr != nil {
			return nil, errors.Join(fmt.Errorf("connect nats: %w", natsErr), infra.Close())
		}
		if logger != nil {
			logger.InfoContext(ctx, "nats connected", "url", conn.ConnectedUrlRedacted())
		}
		infra.NATS = conn
	}

	return infra, nil
}

// Close releases every open connection.
func (i *Infrastructure) Close() error {
	if i == nil {
		return nil
	}
	var errs []error
	if i.NATS != nil {
		if err := i.NATS.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if i.DB != nil {
		if err := i.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NewBroker builds the broker selected by BROKER_DRIVER over the open connections.
//
//nolint:ireturn // the driver is chosen at runtime.
func NewBroker(cfg *config.AppConfig, infra *Infrastructure, logger *slog.Logger) (core.Broker, error) {
	if cfg == nil || infra == nil {
		return nil, errors.New("config and infrastructure are required")
	}
	switch cfg.Broker.Driver {
	case config.BrokerDriverRedis:
		if infra.Redis == nil {
			return nil, fmt.Errorf("%w: redis client not connected", config.ErrBrokerNotConfigured)
		}
		return redisadapter.NewQueue(infra.Redis, redisadapter.QueueOptions{
			Name:        cfg.Broker.Queue,
			Consumer:    cfg.Worker.Name,
			PollTimeout: cfg.Worker.PollTimeout,
			Logger:      logger,
		})
	case config.BrokerDriverNATS:
		if infra.NATS == nil {
			return nil, fmt.Errorf("%w: nats connection not open", config.ErrBrokerNotConfigured)
		}
		return natsadapter.NewQueue(infra.NATS, natsadapter.QueueOptions{
			Subject:     cfg.Broker.Queue,
			PollTimeout: cfg.Worker.PollTimeout,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("invalid broker driver: %q", cfg.Broker.Driver)
	}
}

// newFireGuard returns the Redis fire guard when enabled and Redis is connected.
//
//nolint:ireturn // nil disables the guard.
func newFireGuard(cfg config.SchedulerConfig, infra *Infrastructure, logger *slog.Logger) core.FireGuard {
	if !cfg.FireGuard {
		return nil
	}
	if infra == nil || infra.Redis == nil {
		logger.Warn("scheduler fire guard disabled: redis not configured")
		return nil
	}
	guard, err := redisadapter.NewFireGuard(infra.Redis, cfg.FireGuardTTL)
	if err != nil {
		logger.Warn("scheduler fire guard disabled", "error", err)
		return nil
	}
	return guard
}
