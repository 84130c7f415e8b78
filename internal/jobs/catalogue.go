// Package jobs holds the registered job targets and the default cron table.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainjob "github.com/target/mmk-jobs/internal/domain/job"
)

// Registered target keys.
const (
	TargetAlerts            = "alerts.run"
	TargetOpportunitiesSync = "opportunities.sync"
	TargetArchiveExpired    = "opportunities.archive_expired"
	TargetDeadlineReminders = "reminders.deadlines"
	TargetContractHistory   = "contracts.update_history"
)

const (
	defaultSyncLimit          = 100
	defaultReminderWindowDays = 7
)

// AlertSummary is the outcome of one alert pass.
type AlertSummary struct {
	Matched int `json:"matched"`
	Sent    int `json:"sent"`
}

// AlertRunner evaluates saved searches and sends digests.
type AlertRunner interface {
	RunAlerts(ctx context.Context, frequency string) (AlertSummary, error)
}

// OpportunitySource imports and archives marketplace opportunities.
type OpportunitySource interface {
	// SyncPosted upserts opportunities posted in [from, to] and returns how many were imported.
	SyncPosted(ctx context.Context, from, to time.Time, limit int) (int, error)
	// ArchiveExpired archives active opportunities whose response deadline is before cutoff.
	ArchiveExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// ReminderSender notifies users about saved opportunities with deadlines inside window.
type ReminderSender interface {
	SendDeadlineReminders(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

// ContractImporter imports contract award history.
type ContractImporter interface {
	ImportAwards(ctx context.Context, fiscalYear, limit int) (int, error)
}

// Collaborators are the external systems the targets drive. A nil field
// falls back to the logging backend.
type Collaborators struct {
	Alerts        AlertRunner
	Opportunities OpportunitySource
	Reminders     ReminderSender
	Contracts     ContractImporter
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

// AlertsPayload configures alerts.run.
type AlertsPayload struct {
	// Frequency is daily, weekly or all. Empty means all.
	Frequency string `json:"frequency"`
}

// SyncPayload configures opportunities.sync.
type SyncPayload struct {
	LookbackDays int `json:"lookback_days"`
	Limit        int `json:"limit"`
}

// ReminderPayload configures reminders.deadlines.
type ReminderPayload struct {
	WindowDays int `json:"window_days"`
}

// ContractPayload configures contracts.update_history.
type ContractPayload struct {
	FiscalYear int `json:"fiscal_year"`
	Limit      int `json:"limit"`
}

type catalogue struct {
	c Collaborators
}

// Register adds every target to reg.
func Register(reg *domainjob.Registry, c Collaborators) error {
	if reg == nil {
		return errors.New("registry is required")
	}
	backend := LoggingBackend{}
	if c.Alerts == nil {
		c.Alerts = backend
	}
	if c.Opportunities == nil {
		c.Opportunities = backend
	}
	if c.Reminders == nil {
		c.Reminders = backend
	}
	if c.Contracts == nil {
		c.Contracts = backend
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	cat := catalogue{c: c}

	return errors.Join(
		domainjob.RegisterTyped(reg, TargetAlerts, cat.runAlerts),
		domainjob.RegisterTyped(reg, TargetOpportunitiesSync, cat.syncOpportunities),
		domainjob.RegisterTyped(reg, TargetArchiveExpired, cat.archiveExpired),
		domainjob.RegisterTyped(reg, TargetDeadlineReminders, cat.sendReminders),
		domainjob.RegisterTyped(reg, TargetContractHistory, cat.updateContractHistory),
	)
}

func (cat catalogue) runAlerts(ctx context.Context, run domainjob.RunContext, p AlertsPayload) error {
	frequency := p.Frequency
	if frequency == "" {
		frequency = "all"
	}
	switch frequency {
	case "daily", "weekly", "all":
	default:
		return fmt.Errorf("%w: unknown alert frequency %q", domainjob.ErrInvalidPayload, frequency)
	}

	run.Info(ctx, fmt.Sprintf("running alerts with frequency: %s", frequency), nil)
	summary, err := cat.c.Alerts.RunAlerts(ctx, frequency)
	if err != nil {
		return fmt.Errorf("run alerts: %w", err)
	}
	run.Info(ctx, fmt.Sprintf("alerts completed: %d emails sent", summary.Sent),
		map[string]any{"matched": summary.Matched, "sent": summary.Sent})
	return nil
}

func (cat catalogue) syncOpportunities(ctx context.Context, run domainjob.RunContext, p SyncPayload) error {
	if p.LookbackDays <= 0 {
		p.LookbackDays = 1
	}
	if p.Limit <= 0 {
		p.Limit = defaultSyncLimit
	}
	to := cat.c.Clock()
	from := to.AddDate(0, 0, -p.LookbackDays)

	imported, err := cat.c.Opportunities.SyncPosted(ctx, from, to, p.Limit)
	if err != nil {
		return fmt.Errorf("sync opportunities: %w", err)
	}
	run.Info(ctx, fmt.Sprintf("opportunity sync complete: %d imported", imported), map[string]any{
		"posted_from": from.Format(time.DateOnly),
		"posted_to":   to.Format(time.DateOnly),
	})
	return nil
}

func (cat catalogue) archiveExpired(ctx context.Context, run domainjob.RunContext, _ struct{}) error {
	archived, err := cat.c.Opportunities.ArchiveExpired(ctx, cat.c.Clock())
	if err != nil {
		return fmt.Errorf("archive expired opportunities: %w", err)
	}
	run.Info(ctx, fmt.Sprintf("archived %d expired opportunities", archived), nil)
	return nil
}

func (cat catalogue) sendReminders(ctx context.Context, run domainjob.RunContext, p ReminderPayload) error {
	if p.WindowDays <= 0 {
		p.WindowDays = defaultReminderWindowDays
	}
	sent, err := cat.c.Reminders.SendDeadlineReminders(ctx, cat.c.Clock(), time.Duration(p.WindowDays)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("send deadline reminders: %w", err)
	}
	run.Info(ctx, fmt.Sprintf("sent %d deadline reminders", sent), map[string]any{"window_days": p.WindowDays})
	return nil
}

func (cat catalogue) updateContractHistory(ctx context.Context, run domainjob.RunContext, p ContractPayload) error {
	if p.FiscalYear <= 0 {
		p.FiscalYear = cat.c.Clock().Year()
	}
	if p.Limit <= 0 {
		p.Limit = defaultSyncLimit
	}
	imported, err := cat.c.Contracts.ImportAwards(ctx, p.FiscalYear, p.Limit)
	if err != nil {
		return fmt.Errorf("import contract awards: %w", err)
	}
	run.Info(ctx, fmt.Sprintf("contract history update complete: %d contracts imported", imported),
		map[string]any{"fiscal_year": p.FiscalYear})
	return nil
}
