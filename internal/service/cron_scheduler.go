package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/metrics"
)

// cronParser accepts standard 5-field expressions.
var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// maxCatchUpSteps bounds the walk to the latest missed trigger of one entry.
const maxCatchUpSteps = 100000

// Enqueuer is the producer entry point the scheduler fires into.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.EnqueueResult, error)
}

// CronSchedulerOptions groups dependencies for CronScheduler.
type CronSchedulerOptions struct {
	Producer Enqueuer                       // Required: receives one enqueue per due entry per tick
	Entries  []model.ScheduledJobDefinition // Required: fixed entry table
	Config   config.SchedulerConfig         // Required: tick interval, timezone, disabled entries
	Guard    core.FireGuard                 // Optional: suppresses fires already claimed elsewhere
	Logger   *slog.Logger                   // Optional: structured logger
	Metrics  metrics.Recorder               // Optional: fire counters
	// Clock returns the current time; defaults to time.Now.
	Clock func() time.Time
}

type cronEntry struct {
	def      model.ScheduledJobDefinition
	schedule cronlib.Schedule
}

// CronScheduler fires a fixed table of entries into the producer.
// It is an explicit value owned by its caller and must be started and stopped.
type CronScheduler struct {
	producer Enqueuer
	entries  []cronEntry
	interval time.Duration
	loc      *time.Location
	guard    core.FireGuard
	logger   *slog.Logger
	metrics  metrics.Recorder
	clock    func() time.Time

	mu       sync.Mutex
	lastTick time.Time
	stopCh   chan struct{}
	done     chan struct{}
}

// NewCronScheduler parses every enabled entry once. Invalid expressions, unknown
// time zones and duplicate entry ids are rejected.
func NewCronScheduler(opts CronSchedulerOptions) (*CronScheduler, error) {
	if opts.Producer == nil {
		return nil, errors.New("producer is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load scheduler timezone: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron_scheduler")

	entries, err := parseEntries(opts.Entries, &cfg, logger)
	if err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &CronScheduler{
		producer: opts.Producer,
		entries:  entries,
		interval: cfg.Interval,
		loc:      loc,
		guard:    opts.Guard,
		logger:   logger,
		metrics:  metrics.OrNoop(opts.Metrics),
		clock:    clock,
	}, nil
}

func parseEntries(defs []model.ScheduledJobDefinition, cfg *config.SchedulerConfig, logger *slog.Logger) ([]cronEntry, error) {
	seen := make(map[string]bool, len(defs))
	entries := make([]cronEntry, 0, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return nil, errors.New("scheduled entry id is required")
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate scheduled entry id %q", def.ID)
		}
		seen[def.ID] = true

		schedule, err := cronParser.Parse(def.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron for %s: %w", def.ID, err)
		}
		if !def.Enabled || cfg.IsEntryDisabled(def.ID) {
			logger.Info("scheduled entry disabled", "entry", def.ID)
			continue
		}
		entries = append(entries, cronEntry{def: def, schedule: schedule})
	}
	return entries, nil
}

// Entries returns the ids of active entries in table order.
func (s *CronScheduler) Entries() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.def.ID
	}
	return out
}

// Start launches the tick loop. Triggers that fall before Start are not fired.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return ErrSchedulerRunning
	}

	s.lastTick = s.clock()
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	// Detach from the caller's cancellation; Stop owns the loop's lifetime.
	go s.loop(context.WithoutCancel(ctx), s.stopCh, s.done)

	s.logger.InfoContext(ctx, "cron scheduler started",
		"entries", len(s.entries),
		"interval", s.interval,
		"timezone", s.loc.String(),
	)
	return nil
}

// Stop ends the tick loop and waits for an in-flight tick, or until ctx is done.
func (s *CronScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stopCh, done := s.stopCh, s.done
	s.stopCh, s.done = nil, nil
	s.mu.Unlock()

	if stopCh == nil {
		return ErrSchedulerNotRunning
	}
	close(stopCh)

	select {
	case <-done:
		s.logger.InfoContext(ctx, "cron scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop cron scheduler: %w", ctx.Err())
	}
}

func (s *CronScheduler) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-stopCh:
					cancel()
				case <-tickCtx.Done():
				}
			}()
			if _, err := s.Tick(tickCtx, s.clock()); err != nil {
				s.logger.ErrorContext(ctx, "cron tick finished with errors", "error", err)
			}
			cancel()
		}
	}
}

// Tick fires every entry with a trigger in (previous tick, now], at most once per entry.
// Several missed triggers of one entry collapse into a single fire. The first Tick of a
// scheduler that was never started only records now as the baseline.
func (s *CronScheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	since := s.lastTick
	if since.IsZero() || now.After(since) {
		s.lastTick = now
	}
	s.mu.Unlock()

	if since.IsZero() || !now.After(since) {
		return 0, nil
	}

	fired := 0
	var errs []error
	for _, entry := range s.entries {
		scheduledAt, due := latestTrigger(entry.schedule, since.In(s.loc), now.In(s.loc))
		if !due {
			continue
		}
		ok, err := s.fire(ctx, entry, scheduledAt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

// latestTrigger returns the last trigger in (since, now].
func latestTrigger(schedule cronlib.Schedule, since, now time.Time) (time.Time, bool) {
	next := schedule.Next(since)
	if next.IsZero() || next.After(now) {
		return time.Time{}, false
	}
	for range maxCatchUpSteps {
		following := schedule.Next(next)
		if following.IsZero() || following.After(now) {
			break
		}
		next = following
	}
	return next, true
}

func (s *CronScheduler) fire(ctx context.Context, entry cronEntry, scheduledAt time.Time) (bool, error) {
	if s.guard != nil {
		first, err := s.guard.TryFire(ctx, entry.def.ID, scheduledAt)
		if err != nil {
			s.logger.WarnContext(ctx, "fire guard unavailable, firing anyway", "entry", entry.def.ID, "error", err)
		} else if !first {
			s.metrics.SchedulerFire(entry.def.ID, metrics.ResultNoop)
			s.logger.DebugContext(ctx, "entry already fired elsewhere", "entry", entry.def.ID, "scheduled_at", scheduledAt)
			return false, nil
		}
	}

	res, err := s.producer.Enqueue(ctx, entry.def.EnqueueRequest())
	var publishErr *PublishError
	if errors.As(err, &publishErr) {
		// Recorded but not published; the requeue reaper owns it from here.
		s.metrics.SchedulerFire(entry.def.ID, metrics.ResultSuccess)
		s.logger.WarnContext(ctx, "scheduled job recorded but not published",
			"entry", entry.def.ID,
			"job_run_id", publishErr.JobRunID,
			"error", publishErr.Err,
		)
		return true, nil
	}
	if err != nil {
		s.metrics.SchedulerFire(entry.def.ID, metrics.ResultError)
		return false, fmt.Errorf("fire %s: %w", entry.def.ID, err)
	}

	s.metrics.SchedulerFire(entry.def.ID, metrics.ResultSuccess)
	s.logger.InfoContext(ctx, "scheduled job enqueued",
		"entry", entry.def.ID,
		"job_name", entry.def.JobName,
		"job_run_id", res.JobRunID,
		"scheduled_at", scheduledAt,
	)
	return true, nil
}
