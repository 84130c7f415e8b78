package config

import (
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"mmkjobs"`
	Password string `env:"PASSWORD" envDefault:"mmkjobs"`
	Name     string `env:"NAME"     envDefault:"mmkjobs"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
//
// URI has no default: when Redis backs the broker the endpoint must be
// supplied explicitly (REDIS_URI, e.g. redis://localhost:6379/0).
type RedisConfig struct {
	URI      string `env:"URI"`
	Password string `env:"PASSWORD" envDefault:""`
}

// IsConfigured reports whether a Redis endpoint was supplied.
func (r RedisConfig) IsConfigured() bool {
	return strings.TrimSpace(r.URI) != ""
}

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string        `env:"URL"`
	Name          string        `env:"CLIENT_NAME"    envDefault:"mmk-jobs"`
	MaxReconnects int           `env:"MAX_RECONNECTS" envDefault:"60"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`
}

// IsConfigured reports whether a NATS endpoint was supplied.
func (n NATSConfig) IsConfigured() bool {
	return strings.TrimSpace(n.URL) != ""
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
