package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/target/mmk-jobs/internal/bootstrap"
	"github.com/target/mmk-jobs/internal/data"
	domainjob "github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/jobs"
	"github.com/target/mmk-jobs/internal/service"
)

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = 30 * time.Second
	defaultRunsLimit        = 20
)

var errJobRunIDRequired = errors.New("job run id argument is required")

type migrateOptions struct {
	Timeout time.Duration
}

type enqueueOptions struct {
	Request model.EnqueueRequest
	Payload string
}

type listRunsOptions struct {
	Status  string
	JobName string
	Limit   int
	Offset  int
}

type showOptions struct {
	ID      string
	RawJSON bool
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("running database migrations")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return migrateErr
		}
		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

func runEnqueue(cmdCtx *commandContext, args []string) error {
	opts, err := parseEnqueueFlags(args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		res, enqueueErr := svc.Producer.Enqueue(ctx, opts.Request)
		return printEnqueueOutcome(cmdCtx.Out, "", res, enqueueErr)
	})
}

func runRerun(cmdCtx *commandContext, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errJobRunIDRequired
	}
	id := args[0]

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		res, rerunErr := svc.Producer.Rerun(ctx, id)
		return printEnqueueOutcome(cmdCtx.Out, id, res, rerunErr)
	})
}

func runListRuns(cmdCtx *commandContext, args []string) error {
	opts, err := parseListRunsFlags(args)
	if err != nil {
		return err
	}
	listOpts, err := opts.listOptions()
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		runs, listErr := data.NewJobRunRepo(db, data.RepoConfig{Logger: cmdCtx.Logger}).List(ctx, listOpts)
		if listErr != nil {
			return fmt.Errorf("list job runs: %w", listErr)
		}
		return printRuns(cmdCtx.Out, runs)
	})
}

func runShow(cmdCtx *commandContext, args []string) error {
	opts, err := parseShowFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		repoCfg := data.RepoConfig{Logger: cmdCtx.Logger}
		run, getErr := data.NewJobRunRepo(db, repoCfg).GetByID(ctx, opts.ID)
		if getErr != nil {
			return fmt.Errorf("get job run: %w", getErr)
		}
		events, eventsErr := data.NewJobEventRepo(db, repoCfg).ListByRun(ctx, opts.ID)
		if eventsErr != nil {
			return fmt.Errorf("list job events: %w", eventsErr)
		}
		detail := model.JobRunDetail{Run: run, Events: events}
		if opts.RawJSON {
			enc := json.NewEncoder(cmdCtx.Out)
			enc.SetIndent("", "  ")
			return enc.Encode(detail)
		}
		return printRunDetail(cmdCtx.Out, detail)
	})
}

func runStats(cmdCtx *commandContext, _ []string) error {
	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		stats, err := data.NewJobRunRepo(db, data.RepoConfig{Logger: cmdCtx.Logger}).Stats(ctx)
		if err != nil {
			return fmt.Errorf("job run stats: %w", err)
		}
		return printStats(cmdCtx.Out, stats)
	})
}

func runTargets(cmdCtx *commandContext, _ []string) error {
	reg := domainjob.NewRegistry()
	if err := jobs.Register(reg, jobs.Collaborators{}); err != nil {
		return err
	}
	return printTargets(cmdCtx.Out, reg.Targets(), jobs.DefaultSchedule(), cmdCtx.Config.Scheduler)
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{}
	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for migrations to complete",
	)

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}
	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func parseEnqueueFlags(args []string) (enqueueOptions, error) {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts enqueueOptions
	fs.StringVar(&opts.Request.JobName, "name", "", "Job name recorded on the run")
	fs.StringVar(&opts.Request.Target, "target", "", "Registered target key")
	fs.StringVar(&opts.Payload, "payload", "", "JSON payload passed to the target")
	fs.IntVar(&opts.Request.MaxRetries, "max-retries", model.DefaultMaxRetries, "Total attempts allowed")

	if err := fs.Parse(args); err != nil {
		return enqueueOptions{}, err
	}
	if opts.Request.JobName == "" || opts.Request.Target == "" {
		return enqueueOptions{}, errors.New("--name and --target are required")
	}
	if opts.Payload != "" {
		if !json.Valid([]byte(opts.Payload)) {
			return enqueueOptions{}, errors.New("--payload must be valid JSON")
		}
		opts.Request.Payload = json.RawMessage(opts.Payload)
	}
	return opts, nil
}

func parseListRunsFlags(args []string) (listRunsOptions, error) {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listRunsOptions
	fs.StringVar(&opts.Status, "status", "", "Filter by status (queued, running, success, failed)")
	fs.StringVar(&opts.JobName, "job-name", "", "Filter by job name")
	fs.IntVar(&opts.Limit, "limit", defaultRunsLimit, "Maximum runs to show")
	fs.IntVar(&opts.Offset, "offset", 0, "Runs to skip")

	if err := fs.Parse(args); err != nil {
		return listRunsOptions{}, err
	}
	if opts.Limit < 1 {
		return listRunsOptions{}, errors.New("--limit must be at least 1")
	}
	if opts.Offset < 0 {
		return listRunsOptions{}, errors.New("--offset must be non-negative")
	}
	return opts, nil
}

func (o listRunsOptions) listOptions() (model.JobRunListOptions, error) {
	out := model.JobRunListOptions{Limit: o.Limit, Offset: o.Offset}
	if o.Status != "" {
		var status model.JobRunStatus
		if err := status.UnmarshalText([]byte(o.Status)); err != nil {
			return out, err
		}
		out.Status = &status
	}
	if o.JobName != "" {
		name := o.JobName
		out.JobName = &name
	}
	return out, nil
}

func parseShowFlags(args []string) (showOptions, error) {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts showOptions
	fs.BoolVar(&opts.RawJSON, "json", false, "Print the run and events as JSON")

	if err := fs.Parse(args); err != nil {
		return showOptions{}, err
	}
	if fs.NArg() != 1 || fs.Arg(0) == "" {
		return showOptions{}, errJobRunIDRequired
	}
	opts.ID = fs.Arg(0)
	return opts, nil
}

func withDatabase(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *sql.DB) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(ctx, bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	return f(ctx, db)
}

// withServices connects the database and the configured broker for commands that publish.
func withServices(cmdCtx *commandContext, f func(context.Context, bootstrap.ServiceContainer) error) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()

	infra, err := bootstrap.ConnectInfrastructure(ctx, &cmdCtx.Config, cmdCtx.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := infra.Close(); cerr != nil {
			cmdCtx.Logger.Warn("close infrastructure failed", "error", cerr)
		}
	}()

	svc, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config: &cmdCtx.Config,
		Infra:  infra,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return err
	}
	return f(ctx, svc)
}

// printEnqueueOutcome reports a published run, or a recorded run whose publish failed.
func printEnqueueOutcome(w io.Writer, originalID string, res *model.EnqueueResult, err error) error {
	var pubErr *service.PublishError
	if errors.As(err, &pubErr) {
		if werr := writef(w, "job run %s recorded but not published; the reaper will republish it\n", pubErr.JobRunID); werr != nil {
			return werr
		}
		return err
	}
	if err != nil {
		return err
	}
	if originalID != "" {
		return writef(w, "job run %s queued (rerun of %s)\n", res.JobRunID, originalID)
	}
	return writef(w, "job run %s %s\n", res.JobRunID, res.Status)
}
