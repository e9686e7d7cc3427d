package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sihlelab/effluent/internal/adapters/memqueue"
	"github.com/sihlelab/effluent/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testRequest() domain.SubmitRequest {
	return domain.SubmitRequest{
		Signatures: []domain.VariantSignature{
			{Name: "BA.1", Mutations: []string{"C241T", "A2832G"}},
			{Name: "BA.2", Mutations: []string{"C241T", "G8393A"}},
		},
		Location: "Zurich",
		DateFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DateTo:   time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC),
		Interval: domain.IntervalDaily,
	}
}

func TestSubmitter_SubmitCreatesQueuedJob(t *testing.T) {
	store := newFakeStore()
	queue := memqueue.New(testLogger(), 8)
	defer queue.Close()
	sub := NewSubmitter(testLogger(), store, queue, &stubSource{version: "v1"}, time.Hour)

	id, err := sub.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := sub.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, "v1", job.Request.SourceVersion)
	assert.NotEmpty(t, job.Fingerprint)

	d, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, d.JobID)
}

func TestSubmitter_Deduplicates(t *testing.T) {
	store := newFakeStore()
	queue := memqueue.New(testLogger(), 8)
	defer queue.Close()
	sub := NewSubmitter(testLogger(), store, queue, &stubSource{version: "v1"}, time.Hour)
	ctx := context.Background()

	first, err := sub.Submit(ctx, testRequest())
	require.NoError(t, err)
	second, err := sub.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Only one delivery exists for the two submissions.
	_, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = queue.Dequeue(shortCtx)
	assert.Error(t, err)
}

func TestSubmitter_NewDataVersionBreaksDedup(t *testing.T) {
	store := newFakeStore()
	queue := memqueue.New(testLogger(), 8)
	defer queue.Close()
	source := &stubSource{version: "v1"}
	sub := NewSubmitter(testLogger(), store, queue, source, time.Hour)
	ctx := context.Background()

	first, err := sub.Submit(ctx, testRequest())
	require.NoError(t, err)

	source.version = "v2"
	second, err := sub.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestSubmitter_FailedJobPermitsResubmission(t *testing.T) {
	store := newFakeStore()
	queue := memqueue.New(testLogger(), 8)
	defer queue.Close()
	sub := NewSubmitter(testLogger(), store, queue, &stubSource{version: "v1"}, time.Hour)
	ctx := context.Background()

	first, err := sub.Submit(ctx, testRequest())
	require.NoError(t, err)
	_, _, err = store.ClaimJob(ctx, first)
	require.NoError(t, err)
	require.NoError(t, store.FailJob(ctx, first, domain.NewError(domain.ErrKindInternal, "boom")))

	second, err := sub.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestSubmitter_InvalidRequestRejected(t *testing.T) {
	store := newFakeStore()
	queue := memqueue.New(testLogger(), 8)
	defer queue.Close()
	sub := NewSubmitter(testLogger(), store, queue, &stubSource{version: "v1"}, time.Hour)

	req := testRequest()
	req.Location = ""
	_, err := sub.Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestSubmitter_SourceOutageDoesNotRejectSubmission(t *testing.T) {
	store := newFakeStore()
	queue := memqueue.New(testLogger(), 8)
	defer queue.Close()
	// Empty version makes DataVersion fail.
	sub := NewSubmitter(testLogger(), store, queue, &stubSource{}, time.Hour)

	id, err := sub.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	job, err := sub.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "unknown", job.Request.SourceVersion)
}

func TestSubmitter_EnqueueFailureFailsJob(t *testing.T) {
	store := newFakeStore()
	queue := memqueue.New(testLogger(), 1)
	defer queue.Close()
	sub := NewSubmitter(testLogger(), store, queue, &stubSource{version: "v1"}, time.Hour)
	ctx := context.Background()

	_, err := sub.Submit(ctx, testRequest())
	require.NoError(t, err)

	req := testRequest()
	req.Location = "Geneva"
	id, err := sub.Submit(ctx, req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Empty(t, id)

	// The orphaned record is FAILED, not stuck QUEUED.
	for _, j := range store.jobs {
		if j.Request.Location == "Geneva" {
			assert.Equal(t, domain.JobStatusFailed, j.Status)
		}
	}
}

func TestSubmitter_Cancel(t *testing.T) {
	store := newFakeStore()
	queue := memqueue.New(testLogger(), 8)
	defer queue.Close()
	sub := NewSubmitter(testLogger(), store, queue, &stubSource{version: "v1"}, time.Hour)
	ctx := context.Background()

	id, err := sub.Submit(ctx, testRequest())
	require.NoError(t, err)

	accepted, err := sub.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, accepted)

	// Second cancel: job already terminal.
	accepted, err = sub.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, accepted)

	_, err = sub.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
