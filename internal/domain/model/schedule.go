package model

import "encoding/json"

// ScheduledJobDefinition is one fixed entry in the cron scheduler table.
type ScheduledJobDefinition struct {
	ID         string          `json:"id"`
	Cron       string          `json:"cron"`
	JobName    string          `json:"job_name"`
	Target     string          `json:"target"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
	Enabled    bool            `json:"enabled"`
}

// EnqueueRequest builds the producer request fired for this entry.
func (d ScheduledJobDefinition) EnqueueRequest() EnqueueRequest {
	return EnqueueRequest{
		JobName:    d.JobName,
		Target:     d.Target,
		Payload:    d.Payload,
		MaxRetries: d.MaxRetries,
	}
}
