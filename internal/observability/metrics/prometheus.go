package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exposes job metrics as Prometheus collectors.
type PrometheusRecorder struct {
	transitions *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	enqueues    *prometheus.CounterVec
	fires       *prometheus.CounterVec
	republished prometheus.Counter
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
// Collectors already registered by a previous recorder are reused.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &PrometheusRecorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmk_jobs",
			Name:      "job_transitions_total",
			Help:      "Job run lifecycle transitions by job name, transition and result.",
		}, []string{"job_name", "transition", "result", "error_class"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mmk_jobs",
			Name:      "job_attempt_duration_seconds",
			Help:      "Duration of job attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"job_name", "result"}),
		enqueues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmk_jobs",
			Name:      "enqueued_total",
			Help:      "Enqueue calls by job name and result.",
		}, []string{"job_name", "result"}),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmk_jobs",
			Name:      "scheduler_fires_total",
			Help:      "Cron scheduler entry fires by entry and result.",
		}, []string{"entry", "result"}),
		republished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mmk_jobs",
			Name:      "reaper_republished_total",
			Help:      "Queued job runs republished by the requeue reaper.",
		}),
	}

	var err error
	if r.transitions, err = registerOrReuse(reg, r.transitions); err != nil {
		return nil, err
	}
	if r.durations, err = registerOrReuse(reg, r.durations); err != nil {
		return nil, err
	}
	if r.enqueues, err = registerOrReuse(reg, r.enqueues); err != nil {
		return nil, err
	}
	if r.fires, err = registerOrReuse(reg, r.fires); err != nil {
		return nil, err
	}
	if r.republished, err = registerOrReuse(reg, r.republished); err != nil {
		return nil, err
	}
	return r, nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

func (r *PrometheusRecorder) JobTransition(in JobMetric) {
	r.transitions.WithLabelValues(in.JobName, in.Transition, in.Result, errorClass(in)).Inc()
	if in.Duration > 0 {
		r.durations.WithLabelValues(in.JobName, in.Result).Observe(in.Duration.Seconds())
	}
}

func (r *PrometheusRecorder) Enqueue(jobName, result string) {
	r.enqueues.WithLabelValues(jobName, result).Inc()
}

func (r *PrometheusRecorder) SchedulerFire(entryID, result string) {
	r.fires.WithLabelValues(entryID, result).Inc()
}

func (r *PrometheusRecorder) Republished(count int) {
	if count > 0 {
		r.republished.Add(float64(count))
	}
}
