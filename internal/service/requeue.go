package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/metrics"
)

// Republisher re-sends an existing unfinished run to the broker.
type Republisher interface {
	Republish(ctx context.Context, run *model.JobRun) error
}

var _ Republisher = (*Producer)(nil)

// RequeueServiceOptions groups dependencies for RequeueService.
type RequeueServiceOptions struct {
	Repo      core.JobRunRepository // Required: job run store
	Publisher Republisher           // Required: usually the Producer
	Config    config.ReaperConfig   // Required: interval, age and batch size
	Logger    *slog.Logger          // Optional: structured logger
	Metrics   metrics.Recorder      // Optional: republish counter
}

// RequeueService republishes runs whose broker message was lost: queued runs whose
// publish failed after the row was written, and running runs whose lease lapsed because
// the worker died after Claim. The next delivery takes a lapsed run over through Claim.
// It never changes a run's status.
type RequeueService struct {
	repo      core.JobRunRepository
	publisher Republisher
	config    config.ReaperConfig
	logger    *slog.Logger
	metrics   metrics.Recorder
}

// NewRequeueService constructs a new RequeueService.
func NewRequeueService(opts RequeueServiceOptions) (*RequeueService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRunRepository is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "requeue_service")
		logger.Debug("RequeueService initialized",
			"interval", cfg.Interval,
			"queued_max_age", cfg.QueuedMaxAge,
			"batch_size", cfg.BatchSize,
		)
	}

	return &RequeueService{
		repo:      opts.Repo,
		publisher: opts.Publisher,
		config:    cfg,
		logger:    logger,
		metrics:   metrics.OrNoop(opts.Metrics),
	}, nil
}

// Run starts the requeue loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *RequeueService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting requeue service", "interval", s.config.Interval)
	}

	// Spread instances that start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logRunError(ctx, err, "initial requeue")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "requeue service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logRunError(ctx, err, "requeue")
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *RequeueService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// RunOnce republishes one batch of stale runs and returns how many were sent.
// A run is touched after a successful publish so it is not picked again until it ages out once more.
func (s *RequeueService) RunOnce(ctx context.Context) (int, error) {
	runs, err := s.repo.ListStale(ctx, core.StaleRunsParams{
		OlderThan: s.config.QueuedMaxAge,
		Limit:     s.config.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}

	count := 0
	var errs []error
	for _, run := range runs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.publisher.Republish(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("republish %s: %w", run.ID, err))
			continue
		}
		if _, err := s.repo.TouchStale(ctx, run.ID); err != nil {
			errs = append(errs, fmt.Errorf("touch %s: %w", run.ID, err))
		}
		count++
	}

	s.metrics.Republished(count)
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "republished stale runs",
			"count", count,
			"queued_max_age", s.config.QueuedMaxAge,
		)
	}
	return count, errors.Join(errs...)
}

func (s *RequeueService) logRunError(ctx context.Context, err error, label string) {
	if s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, label+" interrupted", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
