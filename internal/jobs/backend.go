package jobs

import (
	"context"
	"log/slog"
	"time"
)

// LoggingBackend stands in for the external marketplace, mail and award systems.
// Every call logs its inputs and reports zero work done.
type LoggingBackend struct {
	Logger *slog.Logger
}

func (b LoggingBackend) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default().With("component", "jobs_backend")
}

func (b LoggingBackend) RunAlerts(ctx context.Context, frequency string) (AlertSummary, error) {
	b.logger().InfoContext(ctx, "alert runner not configured", "frequency", frequency)
	return AlertSummary{}, nil
}

func (b LoggingBackend) SyncPosted(ctx context.Context, from, to time.Time, limit int) (int, error) {
	b.logger().InfoContext(ctx, "opportunity source not configured", "from", from, "to", to, "limit", limit)
	return 0, nil
}

func (b LoggingBackend) ArchiveExpired(ctx context.Context, cutoff time.Time) (int, error) {
	b.logger().InfoContext(ctx, "opportunity source not configured", "cutoff", cutoff)
	return 0, nil
}

func (b LoggingBackend) SendDeadlineReminders(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	b.logger().InfoContext(ctx, "reminder sender not configured", "now", now, "window", window)
	return 0, nil
}

func (b LoggingBackend) ImportAwards(ctx context.Context, fiscalYear, limit int) (int, error) {
	b.logger().InfoContext(ctx, "contract importer not configured", "fiscal_year", fiscalYear, "limit", limit)
	return 0, nil
}
