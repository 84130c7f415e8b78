// Package job holds the target registry and retry policy used to execute job runs.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/target/mmk-jobs/internal/domain/model"
)

// EventRecorder appends diagnostic events to the run being executed.
type EventRecorder interface {
	Record(ctx context.Context, level model.EventLevel, message string, meta map[string]any)
}

// RunContext is what a target sees of the run executing it.
type RunContext struct {
	JobRunID   string
	JobName    string
	Target     string
	Payload    json.RawMessage
	Attempt    int
	MaxRetries int
	Events     EventRecorder
}

// Info records an info event when an event sink is attached.
func (rc RunContext) Info(ctx context.Context, message string, meta map[string]any) {
	if rc.Events != nil {
		rc.Events.Record(ctx, model.EventLevelInfo, message, meta)
	}
}

// Warn records a warn event when an event sink is attached.
func (rc RunContext) Warn(ctx context.Context, message string, meta map[string]any) {
	if rc.Events != nil {
		rc.Events.Record(ctx, model.EventLevelWarn, message, meta)
	}
}

// Func is a unit of work addressed by a target key. A returned error fails the attempt.
type Func func(ctx context.Context, run RunContext) error

// Registry maps target keys to functions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Func)}
}

// Register binds fn to target.
func (r *Registry) Register(target string, fn Func) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return ErrTargetRequired
	}
	if fn == nil {
		return ErrNilJobFunc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.targets[target]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, target)
	}
	r.targets[target] = fn
	return nil
}

// MustRegister is like Register but panics on error. Intended for wiring at startup.
func (r *Registry) MustRegister(target string, fn Func) {
	if err := r.Register(target, fn); err != nil {
		panic(err)
	}
}

// Resolve returns the function registered under target.
func (r *Registry) Resolve(target string) (Func, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, ErrTargetRequired
	}

	r.mu.RLock()
	fn, ok := r.targets[target]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return fn, nil
}

// Has reports whether target is registered.
func (r *Registry) Has(target string) bool {
	_, err := r.Resolve(target)
	return err == nil
}

// Targets lists registered keys in sorted order.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.targets))
	for k := range r.targets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RegisterTyped binds a function taking a decoded payload of type T.
// An empty payload decodes to the zero value; a malformed one fails the attempt with ErrInvalidPayload.
func RegisterTyped[T any](r *Registry, target string, fn func(ctx context.Context, run RunContext, payload T) error) error {
	if fn == nil {
		return ErrNilJobFunc
	}
	return r.Register(target, func(ctx context.Context, run RunContext) error {
		var payload T
		if len(run.Payload) > 0 {
			if err := json.Unmarshal(run.Payload, &payload); err != nil {
				return fmt.Errorf("%w for %s: %w", ErrInvalidPayload, target, err)
			}
		}
		return fn(ctx, run, payload)
	})
}
