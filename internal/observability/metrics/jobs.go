// Package metrics records job run lifecycle metrics to StatsD and Prometheus.
package metrics

import (
	"time"

	obserrors "github.com/target/mmk-jobs/internal/observability/errors"
	"github.com/target/mmk-jobs/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Transition names used for job metrics.
const (
	TransitionClaim     = "claim"
	TransitionAttempt   = "attempt"
	TransitionComplete  = "complete"
	TransitionFail      = "fail"
	TransitionInterrupt = "interrupt"
	TransitionDuplicate = "duplicate"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	JobName    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// Recorder receives job subsystem measurements. Implementations must be safe for concurrent use.
type Recorder interface {
	JobTransition(in JobMetric)
	Enqueue(jobName, result string)
	SchedulerFire(entryID, result string)
	Republished(count int)
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) JobTransition(JobMetric) {}
func (Noop) Enqueue(string, string) {}
func (Noop) SchedulerFire(string, string) {}
func (Noop) Republished(int) {}

// OrNoop returns r, or a Noop recorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

// Multi fans measurements out to several recorders.
type Multi []Recorder

func (m Multi) JobTransition(in JobMetric) {
	for _, r := range m {
		r.JobTransition(in)
	}
}

func (m Multi) Enqueue(jobName, result string) {
	for _, r := range m {
		r.Enqueue(jobName, result)
	}
}

func (m Multi) SchedulerFire(entryID, result string) {
	for _, r := range m {
		r.SchedulerFire(entryID, result)
	}
}

func (m Multi) Republished(count int) {
	for _, r := range m {
		r.Republished(count)
	}
}

// StatsdRecorder emits measurements through a StatsD sink.
type StatsdRecorder struct {
	sink statsd.Sink
}

// NewStatsdRecorder wraps sink. A nil sink yields a recorder that drops everything.
func NewStatsdRecorder(sink statsd.Sink) *StatsdRecorder {
	return &StatsdRecorder{sink: sink}
}

// JobTransition emits standardised job lifecycle metrics.
func (r *StatsdRecorder) JobTransition(in JobMetric) {
	if r == nil || r.sink == nil {
		return
	}

	tags := map[string]string{
		"job_name":   in.JobName,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if class := errorClass(in); class != "" {
		tags["error_class"] = class
	}

	r.sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		r.sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

func (r *StatsdRecorder) Enqueue(jobName, result string) {
	if r == nil || r.sink == nil {
		return
	}
	r.sink.Count("job.enqueue", 1, map[string]string{"job_name": jobName, "result": result})
}

func (r *StatsdRecorder) SchedulerFire(entryID, result string) {
	if r == nil || r.sink == nil {
		return
	}
	r.sink.Count("scheduler.fire", 1, map[string]string{"entry": entryID, "result": result})
}

func (r *StatsdRecorder) Republished(count int) {
	if r == nil || r.sink == nil || count <= 0 {
		return
	}
	r.sink.Count("reaper.republished", int64(count), nil)
}

func errorClass(in JobMetric) string {
	if in.Err == nil || in.Result != ResultError {
		return ""
	}
	return obserrors.Classify(in.Err)
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
