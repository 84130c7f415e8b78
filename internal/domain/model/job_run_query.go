package model

// JobRunListOptions groups parameters for listing job runs (admin view).
type JobRunListOptions struct {
	Status  *JobRunStatus // Optional filter by status
	JobName *string       // Optional filter by job name
	Limit   int           // Pagination limit
	Offset  int           // Pagination offset
}

// JobRunDetail is a run together with its ordered events.
type JobRunDetail struct {
	Run    *JobRun     `json:"job_run"`
	Events []*JobEvent `json:"events"`
}
