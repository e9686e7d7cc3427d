package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/sihlelab/effluent/internal/core/ports"
)

type ReaperConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// StaleAfter is how long a non-terminal job may go without an
	// updated_at bump before it is presumed abandoned: a RUNNING job whose
	// worker died, or a QUEUED job whose delivery was lost.
	StaleAfter time.Duration
}

// Reaper runs the two background sweeps the store needs: purging expired
// terminal records and re-enqueueing abandoned QUEUED and RUNNING jobs.
type Reaper struct {
	logger *slog.Logger
	store  ports.JobStore
	queue  ports.TaskQueue
	cfg    ReaperConfig
}

func NewReaper(logger *slog.Logger, store ports.JobStore, queue ports.TaskQueue, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Reaper{logger: logger, store: store, queue: queue, cfg: cfg}
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", "interval", r.cfg.Interval, "stale_after", r.cfg.StaleAfter)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one purge + requeue pass. Exported so tests and the serve
// command's startup path can trigger it directly.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	purged, err := r.store.PurgeExpired(ctx, now)
	if err != nil {
		r.logger.Error("purge failed", "error", err)
	} else if purged > 0 {
		r.logger.Info("purged expired jobs", "count", purged)
	}

	stale, err := r.store.ListStale(ctx, now.Add(-r.cfg.StaleAfter))
	if err != nil {
		r.logger.Error("stale listing failed", "error", err)
		return
	}

	for _, job := range stale {
		// RequeueJob bumps updated_at, so a job the queue cannot absorb
		// right now goes stale again before the next retry.
		if err := r.store.RequeueJob(ctx, job.ID); err != nil {
			r.logger.Warn("requeue transition failed", "job_id", job.ID, "error", err)
			continue
		}
		if err := r.queue.Enqueue(ctx, job.ID); err != nil {
			r.logger.Error("re-enqueue failed", "job_id", job.ID, "error", err)
			continue
		}
		r.logger.Warn("stale job re-enqueued", "job_id", job.ID, "last_heartbeat", job.UpdatedAt)
	}
}
