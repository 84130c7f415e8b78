package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the admin HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs broker consumers that dispatch job runs.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeScheduler runs the cron scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the requeue reaper for orphaned runs.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeScheduler,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeScheduler, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, scheduler, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains worker service configuration.
type WorkerConfig struct {
	// Name identifies this worker process. It scopes the Redis processing list,
	// so it must be stable across restarts for in-flight messages to be recovered.
	// Defaults to the hostname.
	Name string `env:"WORKER_NAME"`

	// Concurrency is the number of consumer goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// PollTimeout bounds each blocking broker read so shutdown is observed promptly.
	PollTimeout time.Duration `env:"WORKER_POLL_TIMEOUT" envDefault:"5s"`

	// RateLimit is the maximum sustained messages per second taken from the broker.
	// Zero disables rate limiting.
	RateLimit float64 `env:"WORKER_RATE_LIMIT" envDefault:"0"`

	// RateBurst is the token-bucket burst; defaults to 1 when RateLimit is set.
	RateBurst int `env:"WORKER_RATE_BURST" envDefault:"1"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	w.Name = strings.TrimSpace(w.Name)
	if w.Name == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			w.Name = host
		} else {
			w.Name = "worker"
		}
	}
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.Concurrency > 256 {
		w.Concurrency = 256
	}
	if w.PollTimeout < time.Second {
		w.PollTimeout = time.Second
	}
	if w.RateLimit < 0 {
		w.RateLimit = 0
	}
	if w.RateBurst < 1 {
		w.RateBurst = 1
	}
}

// DispatcherConfig contains retry engine configuration.
type DispatcherConfig struct {
	// AttemptTimeout is the deadline applied to each execution attempt.
	AttemptTimeout time.Duration `env:"DISPATCHER_ATTEMPT_TIMEOUT" envDefault:"5m"`

	// AttemptGrace is how long a cancelled attempt may keep running before the next
	// attempt starts anyway. Targets that ignore their context for longer are abandoned.
	AttemptGrace time.Duration `env:"DISPATCHER_ATTEMPT_GRACE" envDefault:"10s"`

	// BackoffInitial is the base delay for exponential backoff between attempts.
	BackoffInitial time.Duration `env:"DISPATCHER_BACKOFF_INITIAL" envDefault:"1s"`

	// BackoffMax caps the delay between attempts.
	BackoffMax time.Duration `env:"DISPATCHER_BACKOFF_MAX" envDefault:"1m"`

	// Lease is how long a claim on a running run stays valid. It is renewed at the
	// start of every attempt; once it lapses another delivery may take the run over.
	Lease time.Duration `env:"DISPATCHER_LEASE" envDefault:"15m"`
}

// Sanitize applies guardrails to dispatcher configuration values.
func (d *DispatcherConfig) Sanitize() {
	if d.AttemptTimeout < time.Second {
		d.AttemptTimeout = time.Second
	}
	if d.AttemptGrace <= 0 {
		d.AttemptGrace = 10 * time.Second
	}
	if d.BackoffInitial < 0 {
		d.BackoffInitial = 0
	}
	if d.BackoffMax < d.BackoffInitial {
		d.BackoffMax = d.BackoffInitial
	}
	// The lease must outlive one attempt, its grace and the following backoff.
	if minLease := d.AttemptTimeout + d.AttemptGrace + d.BackoffMax + time.Minute; d.Lease < minLease {
		d.Lease = minLease
	}
}

// SchedulerConfig contains cron scheduler configuration.
type SchedulerConfig struct {
	// Interval is the tick evaluation interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"15s"`

	// Timezone is the location cron expressions are evaluated in.
	Timezone string `env:"SCHEDULER_TIMEZONE" envDefault:"UTC"`

	// DisabledEntries lists scheduled entry ids that should not fire.
	DisabledEntries []string `env:"SCHEDULER_DISABLED_ENTRIES"`

	// FireGuard enables the Redis fire guard that suppresses duplicate fires
	// from accidental second scheduler instances.
	FireGuard bool `env:"SCHEDULER_FIRE_GUARD" envDefault:"true"`

	// FireGuardTTL is how long a fire marker is retained.
	FireGuardTTL time.Duration `env:"SCHEDULER_FIRE_GUARD_TTL" envDefault:"24h"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
	if s.Interval > time.Minute {
		s.Interval = time.Minute
	}
	s.Timezone = strings.TrimSpace(s.Timezone)
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.FireGuardTTL < time.Minute {
		s.FireGuardTTL = time.Minute
	}
	s.DisabledEntries = nonEmpty(s.DisabledEntries)
}

// IsEntryDisabled reports whether the given entry id was disabled via configuration.
func (s *SchedulerConfig) IsEntryDisabled(id string) bool {
	for _, disabled := range s.DisabledEntries {
		if disabled == id {
			return true
		}
	}
	return false
}

// ReaperConfig contains requeue reaper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// QueuedMaxAge is how long a run may sit in queued, or in running past its lease,
	// before it is republished.
	QueuedMaxAge time.Duration `env:"REAPER_QUEUED_MAX_AGE" envDefault:"10m"`

	// BatchSize is the maximum number of runs republished per tick.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.QueuedMaxAge < time.Minute {
		r.QueuedMaxAge = time.Minute
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
