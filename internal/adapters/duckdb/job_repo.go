package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sihlelab/effluent/internal/core/domain"
	"github.com/sihlelab/effluent/internal/core/ports"
)

var _ ports.JobStore = (*Repository)(nil)

const jobColumns = `id, fingerprint, status, created_at, updated_at, expires_at, request, progress, result, error`

func (r *Repository) CreateJob(ctx context.Context, job domain.Job) error {
	request, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
	INSERT INTO jobs (id, fingerprint, status, created_at, updated_at, expires_at, request)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID), job.Fingerprint, string(job.Status),
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(), job.ExpiresAt.UTC(), string(request),
	)
	return err
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, err
}

func (r *Repository) FindActiveByFingerprint(ctx context.Context, fingerprint string, now time.Time) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
	SELECT `+jobColumns+` FROM jobs
	WHERE fingerprint = ?
	  AND (status IN ('QUEUED', 'RUNNING') OR (status = 'DONE' AND expires_at > ?))
	ORDER BY created_at DESC
	LIMIT 1`, fingerprint, now.UTC())
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, err
}

// ClaimJob is the exclusivity point of the whole pipeline: the conditional
// update succeeds for exactly one worker per job, however many duplicate
// deliveries the queue produces.
func (r *Repository) ClaimJob(ctx context.Context, id domain.JobID) (domain.Job, bool, error) {
	res, err := r.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, updated_at = ?
	WHERE id = ? AND status = ?`,
		string(domain.JobStatusRunning), time.Now().UTC(),
		string(id), string(domain.JobStatusQueued),
	)
	if err != nil {
		return domain.Job{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, false, err
	}
	if n == 0 {
		// Already running, terminal, or gone. Return the snapshot if it
		// still exists so the caller can log what it observed.
		job, err := r.GetJob(ctx, id)
		if err == domain.ErrJobNotFound {
			return domain.Job{}, false, nil
		}
		return job, false, err
	}
	job, err := r.GetJob(ctx, id)
	return job, n == 1, err
}

func (r *Repository) UpdateProgress(ctx context.Context, id domain.JobID, p domain.Progress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
	UPDATE jobs SET progress = ?, updated_at = ?
	WHERE id = ? AND status = ?`,
		string(progress), time.Now().UTC(), string(id), string(domain.JobStatusRunning))
	return err
}

func (r *Repository) CompleteJob(ctx context.Context, id domain.JobID, result *domain.AbundanceEstimate) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, result = ?, progress = NULL, updated_at = ?, expires_at = ?
	WHERE id = ? AND status = ?`,
		string(domain.JobStatusDone), string(payload), now, now.Add(r.ttl),
		string(id), string(domain.JobStatusRunning),
	)
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

func (r *Repository) FailJob(ctx context.Context, id domain.JobID, jobErr *domain.Error) error {
	payload, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, error = ?, progress = NULL, updated_at = ?, expires_at = ?
	WHERE id = ? AND status IN ('QUEUED', 'RUNNING')`,
		string(domain.JobStatusFailed), string(payload), now, now.Add(r.ttl), string(id),
	)
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

func (r *Repository) RequestCancel(ctx context.Context, id domain.JobID) error {
	now := time.Now().UTC()

	// A queued job never started; it goes terminal right away.
	res, err := r.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, cancel_requested = TRUE, updated_at = ?, expires_at = ?
	WHERE id = ? AND status = ?`,
		string(domain.JobStatusCancelled), now, now.Add(r.ttl),
		string(id), string(domain.JobStatusQueued),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}

	// A running job only gets the flag; the executor honors it between
	// bucket computations.
	res, err = r.db.ExecContext(ctx, `
	UPDATE jobs SET cancel_requested = TRUE, updated_at = ?
	WHERE id = ? AND status = ?`,
		now, string(id), string(domain.JobStatusRunning))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}

	if _, err := r.GetJob(ctx, id); err != nil {
		return err
	}
	return domain.ErrAlreadyTerminal
}

func (r *Repository) CancelRequested(ctx context.Context, id domain.JobID) (bool, error) {
	var requested bool
	err := r.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, string(id)).Scan(&requested)
	if err == sql.ErrNoRows {
		return false, domain.ErrJobNotFound
	}
	return requested, err
}

func (r *Repository) MarkCancelled(ctx context.Context, id domain.JobID) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, progress = NULL, updated_at = ?, expires_at = ?
	WHERE id = ? AND status IN ('QUEUED', 'RUNNING')`,
		string(domain.JobStatusCancelled), now, now.Add(r.ttl), string(id))
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
	DELETE FROM jobs
	WHERE status IN ('DONE', 'FAILED', 'CANCELLED') AND expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListStale covers both flavors of abandonment: RUNNING jobs whose worker
// died, and QUEUED jobs whose in-memory delivery was lost to a restart or a
// dropped redelivery.
func (r *Repository) ListStale(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+jobColumns+` FROM jobs
	WHERE status IN ('QUEUED', 'RUNNING') AND updated_at <= ?
	ORDER BY updated_at ASC`,
		cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *Repository) RequeueJob(ctx context.Context, id domain.JobID) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, progress = NULL, updated_at = ?
	WHERE id = ? AND status IN ('QUEUED', 'RUNNING')`,
		string(domain.JobStatusQueued), time.Now().UTC(), string(id))
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job                       domain.Job
		id, fingerprint, status   string
		request                   string
		progress, result, jobErr  sql.NullString
		created, updated, expires time.Time
	)
	err := row.Scan(&id, &fingerprint, &status, &created, &updated, &expires,
		&request, &progress, &result, &jobErr)
	if err != nil {
		return domain.Job{}, err
	}

	job.ID = domain.JobID(id)
	job.Fingerprint = fingerprint
	job.Status = domain.JobStatus(status)
	job.CreatedAt = created.UTC()
	job.UpdatedAt = updated.UTC()
	job.ExpiresAt = expires.UTC()

	if err := json.Unmarshal([]byte(request), &job.Request); err != nil {
		return domain.Job{}, fmt.Errorf("decode request for job %s: %w", id, err)
	}
	if progress.Valid {
		job.Progress = &domain.Progress{}
		if err := json.Unmarshal([]byte(progress.String), job.Progress); err != nil {
			return domain.Job{}, fmt.Errorf("decode progress for job %s: %w", id, err)
		}
	}
	if result.Valid {
		job.Result = &domain.AbundanceEstimate{}
		if err := json.Unmarshal([]byte(result.String), job.Result); err != nil {
			return domain.Job{}, fmt.Errorf("decode result for job %s: %w", id, err)
		}
	}
	if jobErr.Valid {
		job.Error = &domain.Error{}
		if err := json.Unmarshal([]byte(jobErr.String), job.Error); err != nil {
			return domain.Job{}, fmt.Errorf("decode error for job %s: %w", id, err)
		}
	}
	return job, nil
}

func requireAffected(res sql.Result, id domain.JobID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: no eligible row for transition", id)
	}
	return nil
}
