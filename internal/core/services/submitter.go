package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sihlelab/effluent/internal/core/domain"
	"github.com/sihlelab/effluent/internal/core/ports"
)

// Submitter is the client-facing side of the pipeline: it fingerprints
// requests, de-duplicates against in-flight or recently completed jobs, and
// enqueues new work. It never blocks on the computation itself.
type Submitter struct {
	logger *slog.Logger
	store  ports.JobStore
	queue  ports.TaskQueue
	source ports.CountSource
	ttl    time.Duration
}

func NewSubmitter(logger *slog.Logger, store ports.JobStore, queue ports.TaskQueue, source ports.CountSource, ttl time.Duration) *Submitter {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Submitter{logger: logger, store: store, queue: queue, source: source, ttl: ttl}
}

// Submit validates the request and returns a job id immediately. A request
// whose fingerprint matches a QUEUED/RUNNING job, or a DONE job still
// within its TTL, returns that job's id instead of creating a duplicate.
func (s *Submitter) Submit(ctx context.Context, req domain.SubmitRequest) (domain.JobID, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}

	version, err := s.source.DataVersion(ctx)
	if err != nil {
		// The source being unreachable should not reject the submission;
		// the worker will surface a real failure if it persists.
		s.logger.Warn("data version unavailable, fingerprinting without it", "error", err)
		version = "unknown"
	}
	req.SourceVersion = version

	fingerprint := req.Fingerprint()
	now := time.Now().UTC()

	existing, err := s.store.FindActiveByFingerprint(ctx, fingerprint, now)
	if err == nil {
		s.logger.Info("submission de-duplicated",
			"job_id", existing.ID, "status", existing.Status, "fingerprint", fingerprint[:12])
		return existing.ID, nil
	}
	if !errors.Is(err, domain.ErrJobNotFound) {
		return "", fmt.Errorf("fingerprint lookup: %w", err)
	}

	job := domain.Job{
		ID:          domain.JobID(uuid.NewString()),
		Fingerprint: fingerprint,
		Status:      domain.JobStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
		Request:     req,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		if failErr := s.store.FailJob(ctx, job.ID, domain.NewError(domain.ErrKindInternal, "enqueue failed")); failErr != nil {
			s.logger.Error("failed to mark unenqueued job", "job_id", job.ID, "error", failErr)
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	s.logger.Info("job submitted", "job_id", job.ID, "location", req.Location,
		"variants", len(req.Signatures), "fingerprint", fingerprint[:12])
	return job.ID, nil
}

// Status returns the current job snapshot; domain.ErrJobNotFound covers
// both unknown and expired ids.
func (s *Submitter) Status(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Cancel requests cancellation. It reports true when the request was
// accepted (the job was still cancellable) and false when the job had
// already reached a terminal state.
func (s *Submitter) Cancel(ctx context.Context, id domain.JobID) (bool, error) {
	err := s.store.RequestCancel(ctx, id)
	switch {
	case err == nil:
		s.logger.Info("cancellation requested", "job_id", id)
		return true, nil
	case errors.Is(err, domain.ErrAlreadyTerminal):
		return false, nil
	default:
		return false, err
	}
}
