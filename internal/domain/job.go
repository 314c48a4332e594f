package domain

import "time"

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ImportJob records one bulk import: who asked for it, how big it is,
// and how far along it is. Created at admission, mutated only by the
// runner, terminal on COMPLETED or FAILED.
type ImportJob struct {
	JobID          string     `json:"job_id"`
	UserID         string     `json:"user_id"`
	Tier           string     `json:"tier"`
	Status         JobStatus  `json:"status"`
	RequestedCount int64      `json:"requested_count"`
	ProcessedCount int64      `json:"processed_count"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// Progress returns completion as a 0-100 percentage.
func (j *ImportJob) Progress() int {
	if j.RequestedCount <= 0 {
		return 0
	}
	p := int(j.ProcessedCount * 100 / j.RequestedCount)
	if p > 100 {
		p = 100
	}
	return p
}
