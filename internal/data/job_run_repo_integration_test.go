package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/testutil"
)

func TestJobRunRepo_Integration_Lifecycle(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: tp})

		run, err := repo.Create(ctx, testutil.NewEnqueueRequest().
			WithJobName("send_alerts").
			WithTarget("alerts.run").
			WithPayloadString(`{"batch":1}`).
			Build())
		require.NoError(t, err)
		assert.Equal(t, model.JobRunStatusQueued, run.Status)
		assert.Equal(t, 0, run.Attempts)
		assert.Equal(t, 3, run.MaxRetries)
		assert.Nil(t, run.StartedAt)
		assert.Nil(t, run.FinishedAt)
		assert.JSONEq(t, `{"batch":1}`, string(run.Payload))
		require.NoError(t, run.CheckInvariants())

		claimed, ok, err := repo.Claim(ctx, core.ClaimParams{ID: run.ID, Lease: time.Minute})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, model.JobRunStatusRunning, claimed.Status)
		require.NotNil(t, claimed.StartedAt)
		require.NotNil(t, claimed.LeaseExpiresAt)

		// A second claim while the lease holds is rejected.
		_, ok, err = repo.Claim(ctx, core.ClaimParams{ID: run.ID, Lease: time.Minute})
		require.NoError(t, err)
		assert.False(t, ok)

		tp.AddTime(time.Second)
		require.NoError(t, repo.RecordAttempt(ctx, core.AttemptParams{ID: run.ID, Attempts: 1, Lease: time.Minute}))

		require.NoError(t, repo.Complete(ctx, core.CompleteParams{ID: run.ID, Attempts: 1}))
		done, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, done.Attempts)
		assert.Equal(t, model.JobRunStatusSuccess, done.Status)
		require.NotNil(t, done.FinishedAt)
		assert.Nil(t, done.LastError)
		assert.Nil(t, done.LeaseExpiresAt)
		require.NoError(t, done.CheckInvariants())

		// Terminal runs cannot be claimed again.
		_, ok, err = repo.Claim(ctx, core.ClaimParams{ID: run.ID, Lease: time.Minute})
		require.NoError(t, err)
		assert.False(t, ok)

		err = repo.Fail(ctx, core.FailParams{ID: run.ID, Attempts: 3, LastError: "boom"})
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestJobRunRepo_Integration_FailExhausted(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewJobRunRepo(db, RepoConfig{})

		run, err := repo.Create(ctx, testutil.NewEnqueueRequest().WithMaxRetries(2).Build())
		require.NoError(t, err)
		_, ok, err := repo.Claim(ctx, core.ClaimParams{ID: run.ID, Lease: time.Minute})
		require.NoError(t, err)
		require.True(t, ok)

		for i := 1; i <= 2; i++ {
			require.NoError(t, repo.RecordAttempt(ctx, core.AttemptParams{ID: run.ID, Attempts: i, Lease: time.Minute}))
		}
		err = repo.RecordAttempt(ctx, core.AttemptParams{ID: run.ID, Attempts: 3, Lease: time.Minute})
		require.ErrorIs(t, err, ErrInvalidTransition)

		require.NoError(t, repo.Fail(ctx, core.FailParams{ID: run.ID, Attempts: 2, LastError: "connection refused"}))
		failed, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobRunStatusFailed, failed.Status)
		assert.Equal(t, 2, failed.Attempts)
		require.NotNil(t, failed.LastError)
		assert.Equal(t, "connection refused", *failed.LastError)
		require.NoError(t, failed.CheckInvariants())
	})
}

func TestJobRunRepo_Integration_ClaimTakeover(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: tp})

		run, err := repo.Create(ctx, testutil.NewEnqueueRequest().Build())
		require.NoError(t, err)
		_, ok, err := repo.Claim(ctx, core.ClaimParams{ID: run.ID, Lease: time.Minute})
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.RecordAttempt(ctx, core.AttemptParams{ID: run.ID, Attempts: 1, Lease: time.Minute}))

		tp.AddTime(2 * time.Minute)
		taken, ok, err := repo.Claim(ctx, core.ClaimParams{ID: run.ID, Lease: time.Minute})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, taken.Attempts, "takeover keeps the recorded attempts")
		assert.Equal(t, run.CreatedAt, taken.CreatedAt)
	})
}

func TestJobRunRepo_Integration_Release(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewJobRunRepo(db, RepoConfig{})

		run, err := repo.Create(ctx, testutil.NewEnqueueRequest().Build())
		require.NoError(t, err)
		_, _, err = repo.Claim(ctx, core.ClaimParams{ID: run.ID, Lease: time.Hour})
		require.NoError(t, err)

		require.NoError(t, repo.Release(ctx, run.ID))

		_, ok, err := repo.Claim(ctx, core.ClaimParams{ID: run.ID, Lease: time.Hour})
		require.NoError(t, err)
		assert.True(t, ok, "released run is immediately claimable")
	})
}

func TestJobRunRepo_Integration_NotFound(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewJobRunRepo(db, RepoConfig{})

		_, err := repo.GetByID(ctx, "018f2b8e-0000-7000-8000-000000000000")
		require.ErrorIs(t, err, ErrJobRunNotFound)

		_, err = repo.GetByID(ctx, "not-a-uuid")
		require.ErrorIs(t, err, ErrJobRunNotFound)

		_, _, err = repo.Claim(ctx, core.ClaimParams{ID: "018f2b8e-0000-7000-8000-000000000000", Lease: time.Minute})
		require.ErrorIs(t, err, ErrJobRunNotFound)
	})
}

func TestJobRunRepo_Integration_ListAndStats(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: tp})

		var ids []string
		for _, name := range []string{"a", "b", "c"} {
			run, err := repo.Create(ctx, testutil.NewEnqueueRequest().WithJobName(name).Build())
			require.NoError(t, err)
			ids = append(ids, run.ID)
			tp.AddTime(time.Second)
		}
		_, _, err := repo.Claim(ctx, core.ClaimParams{ID: ids[0], Lease: time.Minute})
		require.NoError(t, err)

		all, err := repo.List(ctx, model.JobRunListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, ids[2], all[0].ID, "newest first")
		assert.Equal(t, ids[0], all[2].ID)

		running := model.JobRunStatusRunning
		filtered, err := repo.List(ctx, model.JobRunListOptions{Status: &running})
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Equal(t, ids[0], filtered[0].ID)

		limited, err := repo.List(ctx, model.JobRunListOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		bogus := model.JobRunStatus("paused")
		_, err = repo.List(ctx, model.JobRunListOptions{Status: &bogus})
		require.Error(t, err)

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.JobRunStats{Queued: 2, Running: 1}, *stats)
	})
}

func TestJobRunRepo_Integration_StaleQueued(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: tp})

		old, err := repo.Create(ctx, testutil.NewEnqueueRequest().Build())
		require.NoError(t, err)
		tp.AddTime(20 * time.Minute)
		_, err = repo.Create(ctx, testutil.NewEnqueueRequest().Build())
		require.NoError(t, err)

		stale, err := repo.ListStale(ctx, core.StaleRunsParams{OlderThan: 10 * time.Minute, Limit: 10})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, old.ID, stale[0].ID)

		touched, err := repo.TouchStale(ctx, old.ID)
		require.NoError(t, err)
		assert.True(t, touched)

		stale, err = repo.ListStale(ctx, core.StaleRunsParams{OlderThan: 10 * time.Minute, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, stale)
	})
}

func TestJobRunRepo_Integration_StaleIncludesLapsedLeases(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, RepoConfig{TimeProvider: tp})

		run, err := repo.Create(ctx, testutil.NewEnqueueRequest().Build())
		require.NoError(t, err)
		_, ok, err := repo.Claim(ctx, core.ClaimParams{ID: run.ID, Lease: time.Hour})
		require.NoError(t, err)
		require.True(t, ok)

		tp.AddTime(30 * time.Minute)
		stale, err := repo.ListStale(ctx, core.StaleRunsParams{OlderThan: 10 * time.Minute, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, stale, "lease still held")
		touched, err := repo.TouchStale(ctx, run.ID)
		require.NoError(t, err)
		assert.False(t, touched)

		tp.AddTime(time.Hour)
		stale, err = repo.ListStale(ctx, core.StaleRunsParams{OlderThan: 10 * time.Minute, Limit: 10})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, run.ID, stale[0].ID)
		assert.Equal(t, model.JobRunStatusRunning, stale[0].Status)

		touched, err = repo.TouchStale(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, touched)
	})
}

func TestJobEventRepo_Integration_AppendAndList(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		runs := NewJobRunRepo(db, RepoConfig{})
		events := NewJobEventRepo(db, RepoConfig{})

		run, err := runs.Create(ctx, testutil.NewEnqueueRequest().Build())
		require.NoError(t, err)

		messages := []string{"starting test_job", "test_job failed on attempt 1", "retrying test_job (attempt 2/3)"}
		levels := []model.EventLevel{model.EventLevelInfo, model.EventLevelError, model.EventLevelInfo}
		for i, msg := range messages {
			_, err = events.Append(ctx, model.AppendEventRequest{
				JobRunID: run.ID,
				Level:    levels[i],
				Message:  msg,
				Meta:     map[string]any{"attempt": i + 1},
			})
			require.NoError(t, err)
		}

		got, err := events.ListByRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, ev := range got {
			assert.Equal(t, messages[i], ev.Message)
			assert.Equal(t, levels[i], ev.Level)
			var meta map[string]any
			require.NoError(t, json.Unmarshal(ev.Meta, &meta))
			assert.InDelta(t, float64(i+1), meta["attempt"], 0)
		}

		_, err = events.Append(ctx, model.AppendEventRequest{
			JobRunID: "018f2b8e-0000-7000-8000-000000000000",
			Level:    model.EventLevelInfo,
			Message:  "orphan",
		})
		require.ErrorIs(t, err, ErrJobRunNotFound)

		_, err = db.ExecContext(ctx, `UPDATE job_events SET message = 'edited' WHERE job_run_id = $1`, run.ID)
		require.Error(t, err, "job events are append-only")
	})
}
