// Package jobtracker records import job status and progress in the
// shared store so any replica can answer a status query, and records
// survive replica restarts.
package jobtracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/vega/internal/domain"
)

const (
	statusKeyPrefix = "jobstatus:"
	// Terminal records age out after a day; nobody polls a job forever.
	recordTTL = 24 * time.Hour
)

// Tracker stores job records under jobstatus:{jobId} as JSON. Writes
// are last-writer-wins, which is safe because only the owning runner
// mutates a job.
type Tracker struct {
	client *redis.Client
}

// New creates a tracker over an existing Redis client.
func New(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

func statusKey(jobID string) string {
	return statusKeyPrefix + jobID
}

// Put writes the full record for a job.
func (t *Tracker) Put(ctx context.Context, job *domain.ImportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}
	if err := t.client.Set(ctx, statusKey(job.JobID), data, recordTTL).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", job.JobID, err)
	}
	return nil
}

// Get returns the record for jobID, or nil when unknown.
func (t *Tracker) Get(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	data, err := t.client.Get(ctx, statusKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var job domain.ImportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// UpdateProgress bumps the processed count and message on an existing
// record. Missing records are ignored; the runner may already have
// written a terminal status.
func (t *Tracker) UpdateProgress(ctx context.Context, jobID string, processed int64, message string) error {
	job, err := t.Get(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	job.ProcessedCount = processed
	job.Message = message
	return t.Put(ctx, job)
}

// SetStatus transitions a job's status, stamping FinishedAt on
// terminal states.
func (t *Tracker) SetStatus(ctx context.Context, jobID string, status domain.JobStatus, message string) error {
	job, err := t.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not tracked", jobID)
	}
	job.Status = status
	if message != "" {
		job.Message = message
	}
	if status.Terminal() {
		now := time.Now().UTC()
		job.FinishedAt = &now
	}
	return t.Put(ctx, job)
}
