// Package memstore contains hand-written in-memory doubles of the job run store and broker.
// They enforce the same conditional transitions as the Postgres repositories so that
// dispatcher, producer and scheduler tests can run without infrastructure.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	"github.com/target/mmk-jobs/internal/domain/model"
)

// Ensure compile-time conformance to core ports.
var (
	_ core.JobRunRepository   = (*RunRepo)(nil)
	_ core.JobEventRepository = (*EventRepo)(nil)
)

// Store holds runs and events behind one lock.
type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	runs   map[string]*model.JobRun
	order  []string
	events map[string][]*model.JobEvent

	// failAppend makes every event write fail when set.
	failAppend bool
}

// New creates an empty store. A nil clock uses time.Now.
func New(clock func() time.Time) *Store {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		now:    clock,
		runs:   make(map[string]*model.JobRun),
		events: make(map[string][]*model.JobEvent),
	}
}

// Runs returns the job run repository view.
func (s *Store) Runs() *RunRepo { return &RunRepo{s: s} }

// Events returns the job event repository view.
func (s *Store) Events() *EventRepo { return &EventRepo{s: s} }

// RunRepo implements core.JobRunRepository in memory.
type RunRepo struct{ s *Store }

func (r *RunRepo) Create(_ context.Context, req *model.EnqueueRequest) (*model.JobRun, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	run := &model.JobRun{
		ID:         id.String(),
		JobName:    req.JobName,
		Target:     req.Target,
		Payload:    append(json.RawMessage(nil), req.Payload...),
		Status:     model.JobRunStatusQueued,
		MaxRetries: req.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	return clone(run), nil
}

func (r *RunRepo) Claim(_ context.Context, params core.ClaimParams) (*model.JobRun, bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[params.ID]
	if !ok {
		return nil, false, data.ErrJobRunNotFound
	}
	now := s.now()
	leaseLapsed := run.LeaseExpiresAt == nil || !run.LeaseExpiresAt.After(now)
	if run.Status != model.JobRunStatusQueued && (run.Status != model.JobRunStatusRunning || !leaseLapsed) {
		return nil, false, nil
	}
	run.Status = model.JobRunStatusRunning
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	lease := now.Add(params.Lease)
	run.LeaseExpiresAt = &lease
	run.UpdatedAt = now
	return clone(run), true, nil
}

func (r *RunRepo) RecordAttempt(_ context.Context, params core.AttemptParams) error {
	return r.update(params.ID, func(run *model.JobRun, now time.Time) bool {
		if run.Status != model.JobRunStatusRunning || params.Attempts > run.MaxRetries || params.Attempts < 0 {
			return false
		}
		run.Attempts = params.Attempts
		lease := now.Add(params.Lease)
		run.LeaseExpiresAt = &lease
		return true
	})
}

func (r *RunRepo) Release(_ context.Context, id string) error {
	return r.update(id, func(run *model.JobRun, now time.Time) bool {
		if run.Status != model.JobRunStatusRunning {
			return false
		}
		run.LeaseExpiresAt = &now
		return true
	})
}

func (r *RunRepo) Complete(_ context.Context, params core.CompleteParams) error {
	return r.update(params.ID, func(run *model.JobRun, now time.Time) bool {
		if run.Status != model.JobRunStatusRunning || params.Attempts > run.MaxRetries {
			return false
		}
		run.Status = model.JobRunStatusSuccess
		run.Attempts = params.Attempts
		run.FinishedAt = &now
		run.LeaseExpiresAt = nil
		run.LastError = nil
		return true
	})
}

func (r *RunRepo) Fail(_ context.Context, params core.FailParams) error {
	return r.update(params.ID, func(run *model.JobRun, now time.Time) bool {
		if run.Status != model.JobRunStatusRunning || params.Attempts != run.MaxRetries || params.LastError == "" {
			return false
		}
		run.Status = model.JobRunStatusFailed
		run.Attempts = params.Attempts
		run.FinishedAt = &now
		run.LeaseExpiresAt = nil
		msg := params.LastError
		run.LastError = &msg
		return true
	})
}

func (r *RunRepo) update(id string, fn func(run *model.JobRun, now time.Time) bool) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return data.ErrJobRunNotFound
	}
	next := clone(run)
	now := s.now()
	if !fn(next, now) {
		return fmt.Errorf("job run %s (%s): %w", id, run.Status, data.ErrInvalidTransition)
	}
	if err := next.CheckInvariants(); err != nil {
		return fmt.Errorf("%w: %w", data.ErrInvalidTransition, err)
	}
	next.UpdatedAt = now
	s.runs[id] = next
	return nil
}

func (r *RunRepo) GetByID(_ context.Context, id string) (*model.JobRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, data.ErrJobRunNotFound
	}
	return clone(run), nil
}

func (r *RunRepo) List(_ context.Context, opts model.JobRunListOptions) ([]*model.JobRun, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, fmt.Errorf("invalid status filter %q", *opts.Status)
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*model.JobRun{}
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if opts.Status != nil && run.Status != *opts.Status {
			continue
		}
		if opts.JobName != nil && *opts.JobName != "" && run.JobName != *opts.JobName {
			continue
		}
		out = append(out, clone(run))
	}
	offset := min(max(opts.Offset, 0), len(out))
	out = out[offset:]
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RunRepo) Stats(_ context.Context) (*model.JobRunStats, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var st model.JobRunStats
	for _, run := range s.runs {
		switch run.Status {
		case model.JobRunStatusQueued:
			st.Queued++
		case model.JobRunStatusRunning:
			st.Running++
		case model.JobRunStatusSuccess:
			st.Success++
		case model.JobRunStatusFailed:
			st.Failed++
		}
	}
	return &st, nil
}

func (r *RunRepo) ListStale(_ context.Context, params core.StaleRunsParams) ([]*model.JobRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-params.OlderThan)
	var out []*model.JobRun
	for _, id := range s.order {
		run := s.runs[id]
		if isStale(run, now) && run.UpdatedAt.Before(cutoff) {
			out = append(out, clone(run))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

func (r *RunRepo) TouchStale(_ context.Context, id string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	now := s.now()
	if !ok || !isStale(run, now) {
		return false, nil
	}
	next := clone(run)
	next.UpdatedAt = now
	s.runs[id] = next
	return true, nil
}

// isStale reports whether run is queued or running under a lapsed lease.
func isStale(run *model.JobRun, now time.Time) bool {
	switch run.Status {
	case model.JobRunStatusQueued:
		return true
	case model.JobRunStatusRunning:
		return run.LeaseExpiresAt == nil || !run.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// EventRepo implements core.JobEventRepository in memory.
type EventRepo struct{ s *Store }

func (r *EventRepo) Append(_ context.Context, req model.AppendEventRequest) (*model.JobEvent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return nil, fmt.Errorf("append event: %w", errAppendDisabled)
	}
	if strings.TrimSpace(req.JobRunID) == "" {
		return nil, data.ErrJobRunIDRequired
	}
	if _, ok := s.runs[req.JobRunID]; !ok {
		return nil, data.ErrJobRunNotFound
	}
	meta := json.RawMessage(`{}`)
	if len(req.Meta) > 0 {
		b, err := json.Marshal(req.Meta)
		if err != nil {
			return nil, err
		}
		meta = b
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	ev := &model.JobEvent{
		ID:        id.String(),
		JobRunID:  req.JobRunID,
		Level:     req.Level,
		Message:   req.Message,
		Meta:      meta,
		CreatedAt: s.now(),
	}
	s.events[req.JobRunID] = append(s.events[req.JobRunID], ev)
	cp := *ev
	return &cp, nil
}

func (r *EventRepo) ListByRun(_ context.Context, jobRunID string) ([]*model.JobEvent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.JobEvent, 0, len(s.events[jobRunID]))
	for _, ev := range s.events[jobRunID] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// Messages returns the event messages of a run in append order.
func (s *Store) Messages(jobRunID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events[jobRunID]))
	for _, ev := range s.events[jobRunID] {
		out = append(out, ev.Message)
	}
	return out
}

// SetFailAppend toggles event write failures.
func (s *Store) SetFailAppend(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = fail
}

// Count returns the number of stored runs.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func clone(run *model.JobRun) *model.JobRun {
	cp := *run
	cp.Payload = append(json.RawMessage(nil), run.Payload...)
	if run.StartedAt != nil {
		t := *run.StartedAt
		cp.StartedAt = &t
	}
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		cp.FinishedAt = &t
	}
	if run.LastError != nil {
		e := *run.LastError
		cp.LastError = &e
	}
	if run.LeaseExpiresAt != nil {
		t := *run.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	return &cp
}
