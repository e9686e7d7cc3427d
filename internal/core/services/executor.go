package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sihlelab/effluent/internal/core/domain"
	"github.com/sihlelab/effluent/internal/core/ports"
	"github.com/sihlelab/effluent/internal/deconv"
)

type ExecutorConfig struct {
	// MaxConcurrentJobs bounds how many jobs one process computes at once.
	MaxConcurrentJobs int64

	// CancelPollInterval is how often a running job checks its
	// cancellation flag in the store.
	CancelPollInterval time.Duration
}

// Executor is the worker side of the pipeline: it pulls deliveries from the
// task queue, claims the job exclusively, builds the frequency matrix, runs
// the deconvolution engine, and persists the terminal state. Any panic is
// converted to a FAILED record; a job never stays RUNNING past its worker.
type Executor struct {
	logger  *slog.Logger
	store   ports.JobStore
	queue   ports.TaskQueue
	builder *MatrixBuilder
	engine  *deconv.Engine
	cfg     ExecutorConfig
	sem     *semaphore.Weighted
}

func NewExecutor(logger *slog.Logger, store ports.JobStore, queue ports.TaskQueue, builder *MatrixBuilder, engine *deconv.Engine, cfg ExecutorConfig) *Executor {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 2 * time.Second
	}
	return &Executor{
		logger:  logger,
		store:   store,
		queue:   queue,
		builder: builder,
		engine:  engine,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentJobs),
	}
}

// Run consumes deliveries until ctx is cancelled. Each delivery is handled
// in its own goroutine, gated by the concurrency semaphore.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("worker executor started", "max_concurrent", e.cfg.MaxConcurrentJobs)
	for {
		delivery, err := e.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Info("worker executor stopped")
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}

		if err := e.sem.Acquire(ctx, 1); err != nil {
			delivery.Nack()
			return nil
		}
		go func(d ports.Delivery) {
			defer e.sem.Release(1)
			e.handle(ctx, d)
		}(delivery)
	}
}

func (e *Executor) handle(ctx context.Context, d ports.Delivery) {
	job, claimed, err := e.store.ClaimJob(ctx, d.JobID)
	if err != nil {
		e.logger.Error("claim failed", "job_id", d.JobID, "error", err)
		d.Nack()
		return
	}
	if !claimed {
		// Duplicate delivery, or the job was cancelled/finished before we
		// got to it. Ack and walk away without computing.
		e.logger.Debug("delivery discarded", "job_id", d.JobID, "observed_status", job.Status)
		d.Ack()
		return
	}

	defer d.Ack()
	e.execute(ctx, job)
}

func (e *Executor) execute(ctx context.Context, job domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during job execution", "job_id", job.ID, "panic", r)
			e.finalizeFail(ctx, job.ID, domain.NewError(domain.ErrKindInternal,
				fmt.Sprintf("unexpected failure: %v", r)))
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go e.watchCancellation(runCtx, job.ID, cancelRun)

	cat, err := domain.NewCatalogue(job.Request.Signatures)
	if err != nil {
		// Validated at submission; reaching here means the record was
		// corrupted in between.
		e.finalizeFail(ctx, job.ID, domain.NewError(domain.ErrKindInternal, err.Error()))
		return
	}

	e.progress(ctx, job.ID, domain.Progress{Stage: "fetching counts"})

	matrix, err := e.builder.Build(runCtx, cat.MutationUnion(),
		job.Request.Location, job.Request.DateFrom, job.Request.DateTo, job.Request.Interval)
	if err != nil {
		e.finalizeInterrupted(ctx, job.ID, err)
		return
	}

	result, err := e.engine.Deconvolve(runCtx, matrix, cat, job.Request.Options,
		func(done, total int) {
			e.progress(ctx, job.ID, domain.Progress{Done: done, Total: total, Stage: "deconvolving"})
		})
	if err != nil {
		e.finalizeInterrupted(ctx, job.ID, err)
		return
	}

	if err := e.store.CompleteJob(context.WithoutCancel(ctx), job.ID, result); err != nil {
		e.logger.Error("failed to persist result", "job_id", job.ID, "error", err)
		return
	}
	e.logger.Info("job completed", "job_id", job.ID,
		"buckets", len(matrix.Buckets), "no_data", len(result.NoData), "partial", result.Partial)
}

// finalizeInterrupted sorts an execution error into its terminal state:
// user cancellation, typed engine failure, or internal error. Shutdown of
// the process itself leaves the job RUNNING for the reaper to requeue.
func (e *Executor) finalizeInterrupted(ctx context.Context, id domain.JobID, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		bg := context.WithoutCancel(ctx)
		requested, cErr := e.store.CancelRequested(bg, id)
		if cErr == nil && requested {
			if mErr := e.store.MarkCancelled(bg, id); mErr != nil {
				e.logger.Error("failed to mark cancelled", "job_id", id, "error", mErr)
				return
			}
			e.logger.Info("job cancelled", "job_id", id)
			return
		}
		// Process shutdown: leave RUNNING; the reaper re-enqueues it once
		// updated_at goes stale.
		e.logger.Warn("job interrupted by shutdown", "job_id", id)
		return
	}

	var jobErr *domain.Error
	if !errors.As(err, &jobErr) {
		jobErr = domain.NewError(domain.ErrKindInternal, err.Error())
	}
	e.finalizeFail(ctx, id, jobErr)
}

func (e *Executor) finalizeFail(ctx context.Context, id domain.JobID, jobErr *domain.Error) {
	if err := e.store.FailJob(context.WithoutCancel(ctx), id, jobErr); err != nil {
		e.logger.Error("failed to persist failure", "job_id", id, "error", err)
		return
	}
	e.logger.Warn("job failed", "job_id", id, "kind", string(jobErr.Kind), "message", jobErr.Message)
}

// progress persists progress and bumps updated_at, which is also the
// liveness heartbeat the reaper watches.
func (e *Executor) progress(ctx context.Context, id domain.JobID, p domain.Progress) {
	if err := e.store.UpdateProgress(context.WithoutCancel(ctx), id, p); err != nil {
		e.logger.Warn("progress update failed", "job_id", id, "error", err)
	}
}

// watchCancellation polls the job's cancellation flag and cancels the run
// context when it is set. Best-effort: the engine observes the cancelled
// context between bucket computations.
func (e *Executor) watchCancellation(ctx context.Context, id domain.JobID, cancel context.CancelFunc) {
	ticker := time.NewTicker(e.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := e.store.CancelRequested(ctx, id)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					e.logger.Warn("cancellation check failed", "job_id", id, "error", err)
				}
				continue
			}
			if requested {
				cancel()
				return
			}
		}
	}
}
