package services

import (
	"context"
	"sync"
	"time"

	"github.com/sihlelab/effluent/internal/core/domain"
	"github.com/sihlelab/effluent/internal/core/ports"
)

// fakeStore is an in-memory JobStore with the same transition rules as the
// DuckDB adapter, so service tests exercise real state machine behavior.
type fakeStore struct {
	mu     sync.Mutex
	jobs   map[domain.JobID]*domain.Job
	cancel map[domain.JobID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:   map[domain.JobID]*domain.Job{},
		cancel: map[domain.JobID]bool{},
	}
}

func (s *fakeStore) CreateJob(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return *j, nil
	}
	return domain.Job{}, domain.ErrJobNotFound
}

func (s *fakeStore) FindActiveByFingerprint(_ context.Context, fingerprint string, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Fingerprint != fingerprint {
			continue
		}
		if !j.Status.Terminal() || (j.Status == domain.JobStatusDone && j.ExpiresAt.After(now)) {
			return *j, nil
		}
	}
	return domain.Job{}, domain.ErrJobNotFound
}

func (s *fakeStore) ClaimJob(_ context.Context, id domain.JobID) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false, domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusQueued {
		return *j, false, nil
	}
	j.Status = domain.JobStatusRunning
	j.UpdatedAt = time.Now().UTC()
	return *j, true, nil
}

func (s *fakeStore) UpdateProgress(_ context.Context, id domain.JobID, p domain.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.Progress = &p
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) CompleteJob(_ context.Context, id domain.JobID, result *domain.AbundanceEstimate) error {
	return s.finish(id, domain.JobStatusDone, result, nil)
}

func (s *fakeStore) FailJob(_ context.Context, id domain.JobID, jobErr *domain.Error) error {
	return s.finish(id, domain.JobStatusFailed, nil, jobErr)
}

func (s *fakeStore) MarkCancelled(_ context.Context, id domain.JobID) error {
	return s.finish(id, domain.JobStatusCancelled, nil, nil)
}

func (s *fakeStore) finish(id domain.JobID, status domain.JobStatus, result *domain.AbundanceEstimate, jobErr *domain.Error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	j.Status = status
	j.Result = result
	j.Error = jobErr
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) RequestCancel(_ context.Context, id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	switch j.Status {
	case domain.JobStatusQueued:
		j.Status = domain.JobStatusCancelled
		return nil
	case domain.JobStatusRunning:
		s.cancel[id] = true
		return nil
	default:
		return domain.ErrAlreadyTerminal
	}
}

func (s *fakeStore) CancelRequested(_ context.Context, id domain.JobID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel[id], nil
}

func (s *fakeStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.ExpiresAt.Before(now) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ListStale(_ context.Context, cutoff time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		active := j.Status == domain.JobStatusQueued || j.Status == domain.JobStatusRunning
		if active && j.UpdatedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) RequeueJob(_ context.Context, id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusQueued && j.Status != domain.JobStatusRunning {
		return domain.ErrAlreadyTerminal
	}
	j.Status = domain.JobStatusQueued
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) status(id domain.JobID) domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.Status
	}
	return ""
}

var _ ports.JobStore = (*fakeStore)(nil)

// stubSource answers count queries from a fixed per-bucket table, and can
// be made to fail, block, or panic to drive executor edge cases.
type stubSource struct {
	count     int
	coverage  int
	version   string
	fetchErr  error
	panicMsg  string
	blockCtx  bool
	locations []string
}

func (s *stubSource) FetchCounts(ctx context.Context, _ string, _ string, from, to time.Time, interval domain.BucketInterval) ([]ports.BucketCount, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []ports.BucketCount
	for _, b := range domain.BucketStarts(from, to, interval) {
		out = append(out, ports.BucketCount{Bucket: b, Count: s.count, Coverage: s.coverage})
	}
	return out, nil
}

func (s *stubSource) FetchLocations(context.Context) ([]string, error) {
	return s.locations, nil
}

func (s *stubSource) DataVersion(context.Context) (string, error) {
	if s.version == "" {
		return "", context.DeadlineExceeded
	}
	return s.version, nil
}

var _ ports.CountSource = (*stubSource)(nil)
