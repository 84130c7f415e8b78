package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/domain/model"
)

const timeLayout = time.RFC3339

func printRuns(w io.Writer, runs []*model.JobRun) error {
	if len(runs) == 0 {
		return writef(w, "no job runs\n")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "ID\tJOB\tTARGET\tSTATUS\tATTEMPTS\tCREATED\tFINISHED\n"); err != nil {
		return err
	}
	for _, r := range runs {
		if err := writef(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, r.JobName, r.Target, r.Status, r.Attempts, r.MaxRetries,
			r.CreatedAt.Format(timeLayout), formatOptionalTime(r.FinishedAt),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printRunDetail(w io.Writer, d model.JobRunDetail) error {
	r := d.Run
	lines := []struct{ k, v string }{
		{"ID", r.ID},
		{"Job", r.JobName},
		{"Target", r.Target},
		{"Status", string(r.Status)},
		{"Attempts", fmt.Sprintf("%d/%d", r.Attempts, r.MaxRetries)},
		{"Payload", string(r.Payload)},
		{"Created", r.CreatedAt.Format(timeLayout)},
		{"Started", formatOptionalTime(r.StartedAt)},
		{"Finished", formatOptionalTime(r.FinishedAt)},
	}
	if r.LastError != nil {
		lines = append(lines, struct{ k, v string }{"Last error", *r.LastError})
	}
	for _, l := range lines {
		if err := writef(w, "%-11s %s\n", l.k+":", l.v); err != nil {
			return err
		}
	}

	if err := writef(w, "\nEvents (%d):\n", len(d.Events)); err != nil {
		return err
	}
	for _, ev := range d.Events {
		line := fmt.Sprintf("  %s  %-5s  %s", ev.CreatedAt.Format(timeLayout), ev.Level, ev.Message)
		if len(ev.Meta) > 0 && string(ev.Meta) != "{}" && string(ev.Meta) != "null" {
			line += "  " + string(ev.Meta)
		}
		if err := writef(w, "%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func printStats(w io.Writer, s *model.JobRunStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := []struct {
		status model.JobRunStatus
		count  int
	}{
		{model.JobRunStatusQueued, s.Queued},
		{model.JobRunStatusRunning, s.Running},
		{model.JobRunStatusSuccess, s.Success},
		{model.JobRunStatusFailed, s.Failed},
	}
	total := 0
	for _, row := range rows {
		total += row.count
		if err := writef(tw, "%s\t%d\n", row.status, row.count); err != nil {
			return err
		}
	}
	if err := writef(tw, "total\t%d\n", total); err != nil {
		return err
	}
	return tw.Flush()
}

func printTargets(
	w io.Writer,
	targets []string,
	entries []model.ScheduledJobDefinition,
	sched config.SchedulerConfig,
) error {
	if err := writef(w, "Targets:\n"); err != nil {
		return err
	}
	for _, t := range targets {
		if err := writef(w, "  %s\n", t); err != nil {
			return err
		}
	}

	if err := writef(w, "\nSchedule (%s):\n", sched.Timezone); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		state := "enabled"
		if !e.Enabled || sched.IsEntryDisabled(e.ID) {
			state = "disabled"
		}
		if err := writef(tw, "  %s\t%s\t%s\t%s\n", e.ID, e.Cron, e.Target, state); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(timeLayout)
}
