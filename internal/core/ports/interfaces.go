package ports

import (
	"context"
	"time"

	"github.com/sihlelab/effluent/internal/core/domain"
)

// JobStore abstracts the durable Result Store (DuckDB). It is the only
// shared mutable resource between workers; all transitions on a claimed job
// go through its owning worker until the job is terminal.
type JobStore interface {
	// CreateJob persists a new QUEUED job.
	CreateJob(ctx context.Context, job domain.Job) error

	// GetJob returns the current snapshot, or domain.ErrJobNotFound.
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)

	// FindActiveByFingerprint returns a de-duplication candidate: a job with
	// the same fingerprint that is non-terminal, or DONE and not yet expired.
	// Returns domain.ErrJobNotFound when no candidate exists.
	FindActiveByFingerprint(ctx context.Context, fingerprint string, now time.Time) (domain.Job, error)

	// ClaimJob atomically transitions QUEUED -> RUNNING. claimed is false
	// when another worker already owns the job or it is terminal; the caller
	// must then discard its delivery without computing.
	ClaimJob(ctx context.Context, id domain.JobID) (job domain.Job, claimed bool, err error)

	// UpdateProgress records progress on a RUNNING job and bumps updated_at,
	// which doubles as the liveness heartbeat the reaper inspects.
	UpdateProgress(ctx context.Context, id domain.JobID, p domain.Progress) error

	// CompleteJob transitions RUNNING -> DONE with the result payload.
	CompleteJob(ctx context.Context, id domain.JobID, result *domain.AbundanceEstimate) error

	// FailJob transitions a non-terminal job to FAILED with a typed error.
	FailJob(ctx context.Context, id domain.JobID, jobErr *domain.Error) error

	// RequestCancel marks a job for cancellation. QUEUED jobs go terminal
	// immediately; RUNNING jobs get a flag the executor honors between
	// buckets. Returns domain.ErrAlreadyTerminal on finished jobs.
	RequestCancel(ctx context.Context, id domain.JobID) error

	// CancelRequested reports whether cancellation was requested for a
	// RUNNING job.
	CancelRequested(ctx context.Context, id domain.JobID) (bool, error)

	// MarkCancelled transitions a non-terminal job to CANCELLED.
	MarkCancelled(ctx context.Context, id domain.JobID) error

	// PurgeExpired deletes terminal jobs past their TTL.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	// ListStale returns QUEUED and RUNNING jobs whose updated_at predates
	// the cutoff: RUNNING ones abandoned by a crashed worker, QUEUED ones
	// whose in-process delivery was lost (restart, dropped redelivery).
	ListStale(ctx context.Context, cutoff time.Time) ([]domain.Job, error)

	// RequeueJob puts a stale QUEUED or RUNNING job back to QUEUED with a
	// fresh heartbeat so the reaper can re-enqueue it exactly once per
	// staleness window.
	RequeueJob(ctx context.Context, id domain.JobID) error

	Close() error
}

// Delivery is one at-least-once message from the task queue. Ack confirms
// handling; Nack returns the message for redelivery.
type Delivery struct {
	JobID domain.JobID
	Ack   func()
	Nack  func()
}

// TaskQueue carries job requests from submitters to workers with
// at-least-once delivery. Constructed in main and injected; never ambient.
type TaskQueue interface {
	Enqueue(ctx context.Context, id domain.JobID) error

	// Dequeue blocks until a delivery or context cancellation.
	Dequeue(ctx context.Context) (Delivery, error)

	Close() error
}

// BucketCount is the composed (count, coverage) pair for one bucket.
type BucketCount struct {
	Bucket   time.Time
	Count    int
	Coverage int
}

// CountSource is the external genomic-data collaborator. Implementations
// must issue the filtered-count and coverage queries over identical bucket
// boundaries so the two are comparable.
type CountSource interface {
	// FetchCounts returns per-bucket (count, coverage) for one mutation.
	FetchCounts(ctx context.Context, mutation, location string, from, to time.Time, interval domain.BucketInterval) ([]BucketCount, error)

	// FetchLocations lists sampling locations known to the source.
	FetchLocations(ctx context.Context) ([]string, error)

	// DataVersion identifies the upstream data release, folded into job
	// fingerprints so a new release invalidates de-duplication.
	DataVersion(ctx context.Context) (string, error)
}
