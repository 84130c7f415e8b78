// Package testutil provides testing utilities and helpers for the job run subsystem.
package testutil

import (
	"encoding/json"

	"github.com/target/mmk-jobs/internal/domain/model"
)

// EnqueueRequestBuilder provides a fluent interface for building EnqueueRequest objects for testing.
type EnqueueRequestBuilder struct {
	req *model.EnqueueRequest
}

// NewEnqueueRequest creates a new EnqueueRequestBuilder with sensible defaults.
func NewEnqueueRequest() *EnqueueRequestBuilder {
	return &EnqueueRequestBuilder{
		req: &model.EnqueueRequest{
			JobName:    "test_job",
			Target:     "test.noop",
			Payload:    json.RawMessage(`{}`),
			MaxRetries: model.DefaultMaxRetries,
		},
	}
}

// WithJobName sets the job name.
func (b *EnqueueRequestBuilder) WithJobName(name string) *EnqueueRequestBuilder {
	b.req.JobName = name
	return b
}

// WithTarget sets the target key.
func (b *EnqueueRequestBuilder) WithTarget(target string) *EnqueueRequestBuilder {
	b.req.Target = target
	return b
}

// WithPayloadString sets the payload from a string.
func (b *EnqueueRequestBuilder) WithPayloadString(payload string) *EnqueueRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithMaxRetries sets the attempt budget.
func (b *EnqueueRequestBuilder) WithMaxRetries(n int) *EnqueueRequestBuilder {
	b.req.MaxRetries = n
	return b
}

// Build returns a copy of the request.
func (b *EnqueueRequestBuilder) Build() *model.EnqueueRequest {
	out := *b.req
	out.Payload = append(json.RawMessage(nil), b.req.Payload...)
	return &out
}
