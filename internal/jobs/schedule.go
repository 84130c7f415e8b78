package jobs

import (
	"encoding/json"

	"github.com/target/mmk-jobs/internal/domain/model"
)

// DefaultSchedule returns the fixed cron table. Times are evaluated in the
// scheduler's configured time zone (UTC by default).
func DefaultSchedule() []model.ScheduledJobDefinition {
	return []model.ScheduledJobDefinition{
		{
			ID:      "sync_sam_opportunities",
			Cron:    "0 1 * * *",
			JobName: "sync_sam_opportunities",
			Target:  TargetOpportunitiesSync,
			Enabled: true,
		},
		{
			ID:      "send_deadline_reminders",
			Cron:    "0 9 * * *",
			JobName: "send_deadline_reminders",
			Target:  TargetDeadlineReminders,
			Enabled: true,
		},
		{
			ID:      "update_contract_history",
			Cron:    "0 2 * * 1",
			JobName: "update_contract_history",
			Target:  TargetContractHistory,
			Enabled: true,
		},
		{
			ID:      "archive_expired_opportunities",
			Cron:    "0 3 * * *",
			JobName: "archive_expired_opportunities",
			Target:  TargetArchiveExpired,
			Enabled: true,
		},
		{
			ID:      "send_alerts",
			Cron:    "0 8 * * *",
			JobName: "send_alerts",
			Target:  TargetAlerts,
			Payload: json.RawMessage(`{"frequency":"daily"}`),
			Enabled: true,
		},
	}
}
