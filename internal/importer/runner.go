// Package importer executes admitted bulk import jobs on a worker
// pool, reporting progress into the job tracker and always releasing
// the admission reservation on the way out.
package importer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/vega/internal/admission"
	"github.com/oriys/vega/internal/domain"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
)

// Source provides user records for an import job.
type Source interface {
	FetchUsers(ctx context.Context, count int) ([]domain.User, error)
}

// Sink persists a batch of user records.
type Sink interface {
	InsertUsers(ctx context.Context, users []domain.User) error
}

// Tracker records job lifecycle for status queries.
type Tracker interface {
	Put(ctx context.Context, job *domain.ImportJob) error
	UpdateProgress(ctx context.Context, jobID string, processed int64, message string) error
	SetStatus(ctx context.Context, jobID string, status domain.JobStatus, message string) error
}

// Config configures the import worker pool.
type Config struct {
	Workers          int           // parallel jobs on this replica
	BatchSize        int           // records fetched and inserted per batch
	ProgressInterval int           // batches between tracker updates
	JobTimeout       time.Duration // hard bound on a single job's execution
}

type job struct {
	id     string
	userID string
	tier   admission.Tier
	count  int64
}

// Runner accepts submissions, admits them through the guard, and runs
// the workload asynchronously. The HTTP caller gets an answer at
// admission time; everything after that reports through the tracker.
type Runner struct {
	guard   *admission.Guard
	tracker Tracker
	source  Source
	sink    Sink
	cfg     Config

	jobs    chan job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// New creates a runner. Zero config fields pick defaults.
func New(guard *admission.Guard, tracker Tracker, source Source, sink Sink, cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = admission.DefaultSafetyKeyTTL
	}
	return &Runner{
		guard:   guard,
		tracker: tracker,
		source:  source,
		sink:    sink,
		cfg:     cfg,
		jobs:    make(chan job, cfg.Workers*4),
		stopCh:  make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	logging.Op().Info("import workers started", "workers", r.cfg.Workers, "batch_size", r.cfg.BatchSize)
}

// Stop shuts the pool down, cancelling in-flight jobs. Their deferred
// cleanup still releases reservations and writes terminal status. Jobs
// still sitting in the queue are drained and failed the same way, so
// no accepted job ends up without a terminal status or with a leaked
// reservation.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()

	for {
		select {
		case j := <-r.jobs:
			r.abandon(j)
		default:
			logging.Op().Info("import workers stopped")
			return
		}
	}
}

// abandon releases a queued job that no worker will ever pick up.
func (r *Runner) abandon(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.guard.MarkFinished(ctx, j.userID, j.tier, j.id); err != nil {
		logging.Op().Warn("release of queued job failed, expiry listener will reclaim", "job_id", j.id, "error", err)
	}
	if err := r.tracker.SetStatus(ctx, j.id, domain.JobFailed, "service shutting down before job start"); err != nil {
		logging.Op().Error("terminal status write for queued job failed", "job_id", j.id, "error", err)
	}
	logging.Op().Info("abandoned queued import job on shutdown", "job_id", j.id, "user_id", j.userID, "tier", j.tier.Name)
}

// Submit admits and enqueues a new import job. The returned Decision
// tells the caller whether the job was accepted; only Allowed
// decisions produce a queued job.
func (r *Runner) Submit(ctx context.Context, userID string, count int64) (string, admission.Decision, error) {
	jobID := uuid.NewString()

	dec, err := r.guard.CheckAndReserve(ctx, userID, count, jobID)
	if err != nil {
		metrics.Global().Admission("unknown", "unavailable")
		return "", admission.Decision{}, err
	}

	switch dec.Outcome {
	case admission.RejectedConcurrency:
		metrics.Global().Admission(dec.Tier.Name, "rejected_concurrency")
		return "", dec, nil
	case admission.RejectedCooldown:
		metrics.Global().Admission(dec.Tier.Name, "rejected_cooldown")
		return "", dec, nil
	}
	metrics.Global().Admission(dec.Tier.Name, "allowed")

	now := time.Now().UTC()
	rec := &domain.ImportJob{
		JobID:          jobID,
		UserID:         userID,
		Tier:           dec.Tier.Name,
		Status:         domain.JobPending,
		RequestedCount: count,
		StartedAt:      now,
		Message:        "queued for import",
	}
	if err := r.tracker.Put(ctx, rec); err != nil {
		// The reservation exists but the job cannot be tracked or run.
		if mfErr := r.guard.MarkFinished(ctx, userID, dec.Tier, jobID); mfErr != nil {
			logging.Op().Error("release after tracker failure failed", "job_id", jobID, "error", mfErr)
		}
		return "", admission.Decision{}, fmt.Errorf("record job status: %w", err)
	}

	j := job{id: jobID, userID: userID, tier: dec.Tier, count: count}
	select {
	case r.jobs <- j:
		return jobID, dec, nil
	case <-r.stopCh:
	case <-ctx.Done():
	}

	// Could not hand the job to a worker; undo the reservation.
	if mfErr := r.guard.MarkFinished(context.Background(), userID, dec.Tier, jobID); mfErr != nil {
		logging.Op().Error("release after enqueue failure failed", "job_id", jobID, "error", mfErr)
	}
	_ = r.tracker.SetStatus(context.Background(), jobID, domain.JobFailed, "service shutting down before job start")
	return "", admission.Decision{}, fmt.Errorf("runner not accepting jobs")
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case j := <-r.jobs:
			r.run(j)
		}
	}
}

// run executes one job. MarkFinished runs exactly once on every exit
// path, including panic, so reservations never outlive the workload.
func (r *Runner) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JobTimeout)
	defer cancel()

	// Cancel the workload when the pool stops.
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	metrics.Global().JobStarted()

	var processed int64
	var runErr error

	defer func() {
		if rec := recover(); rec != nil {
			runErr = fmt.Errorf("workload panicked: %v", rec)
		}

		// Cleanup uses a fresh context: the job context may already be
		// cancelled and the reservation must still be released.
		cleanCtx, cleanCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cleanCancel()

		if err := r.guard.MarkFinished(cleanCtx, j.userID, j.tier, j.id); err != nil {
			// Idempotent cleanup; the expiry listener is the backstop.
			logging.Op().Warn("mark finished failed, expiry listener will reclaim", "job_id", j.id, "error", err)
		}

		status := domain.JobCompleted
		message := fmt.Sprintf("imported %d users", processed)
		if runErr != nil {
			status = domain.JobFailed
			message = runErr.Error()
		}
		if err := r.tracker.SetStatus(cleanCtx, j.id, status, message); err != nil {
			logging.Op().Error("terminal status write failed", "job_id", j.id, "error", err)
		}
		metrics.Global().JobFinished(j.tier.Name, string(status), time.Since(start))

		logging.Op().Info("import job finished",
			"job_id", j.id, "user_id", j.userID, "tier", j.tier.Name,
			"status", string(status), "processed", processed, "took", time.Since(start))
	}()

	if err := r.tracker.SetStatus(ctx, j.id, domain.JobInProgress, "import running"); err != nil {
		runErr = fmt.Errorf("start job: %w", err)
		return
	}
	logging.Op().Info("import job started", "job_id", j.id, "user_id", j.userID, "tier", j.tier.Name, "count", j.count)

	processed, runErr = r.execute(ctx, j)
}

// execute runs the batched fetch-and-insert loop, updating progress
// every ProgressInterval batches.
func (r *Runner) execute(ctx context.Context, j job) (int64, error) {
	var processed int64
	batchNo := 0

	for processed < j.count {
		if err := ctx.Err(); err != nil {
			return processed, fmt.Errorf("job cancelled: %w", err)
		}

		n := r.cfg.BatchSize
		if remaining := j.count - processed; remaining < int64(n) {
			n = int(remaining)
		}

		users, err := r.source.FetchUsers(ctx, n)
		if err != nil {
			return processed, fmt.Errorf("fetch batch %d: %w", batchNo, err)
		}
		if len(users) == 0 {
			return processed, fmt.Errorf("source returned no users for batch %d", batchNo)
		}

		if err := r.sink.InsertUsers(ctx, users); err != nil {
			return processed, fmt.Errorf("persist batch %d: %w", batchNo, err)
		}

		processed += int64(len(users))
		metrics.Global().UsersImported(len(users))
		batchNo++

		if batchNo%r.cfg.ProgressInterval == 0 {
			msg := fmt.Sprintf("imported %d of %d users", processed, j.count)
			if err := r.tracker.UpdateProgress(ctx, j.id, processed, msg); err != nil {
				logging.Op().Warn("progress update failed", "job_id", j.id, "error", err)
			}
		}
	}
	return processed, nil
}
