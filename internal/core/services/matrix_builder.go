package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/sihlelab/effluent/internal/core/domain"
	"github.com/sihlelab/effluent/internal/core/ports"
)

// MatrixBuilder assembles the mutation x time-bucket frequency matrix from
// the external data collaborator. A failed fetch for one mutation leaves
// its cells empty (coverage 0) and records a warning, so the deconvolution
// can still proceed on partial data, flagged as such.
type MatrixBuilder struct {
	logger *slog.Logger
	source ports.CountSource
}

func NewMatrixBuilder(logger *slog.Logger, source ports.CountSource) *MatrixBuilder {
	return &MatrixBuilder{logger: logger, source: source}
}

func (b *MatrixBuilder) Build(ctx context.Context, mutations []string, location string, from, to time.Time, interval domain.BucketInterval) (*domain.FrequencyMatrix, error) {
	buckets := domain.BucketStarts(from, to, interval)
	m := domain.NewFrequencyMatrix(location, interval, buckets, mutations)

	for _, mut := range m.Mutations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		counts, err := b.source.FetchCounts(ctx, mut, location, from, to, interval)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.logger.Warn("count fetch failed, cells left empty", "mutation", mut, "error", err)
			m.Warn(mut, err.Error())
			continue
		}

		for _, c := range counts {
			m.Set(domain.MutationObservation{
				Mutation: mut,
				Bucket:   c.Bucket,
				Count:    c.Count,
				Coverage: c.Coverage,
			})
		}
	}
	return m, nil
}
