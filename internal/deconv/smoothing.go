package deconv

import (
	"math"

	"github.com/sihlelab/effluent/internal/core/domain"
)

// smoothSeries applies a Gaussian kernel across bucket dates, linking
// neighboring estimates. The kernel is truncated at three bandwidths, so a
// bucket isolated from every neighbor by more than that keeps its raw
// estimate exactly. Weights renormalize over the points actually present;
// missing buckets contribute nothing.
func smoothSeries(points []domain.BucketPoint, bandwidthDays int) []domain.BucketPoint {
	if bandwidthDays <= 0 || len(points) < 2 {
		return points
	}

	h := float64(bandwidthDays)
	out := make([]domain.BucketPoint, len(points))
	for i := range points {
		var wsum, psum, lsum, usum float64
		for j := range points {
			d := points[i].Date.Sub(points[j].Date).Hours() / 24
			if math.Abs(d) > 3*h {
				continue
			}
			w := math.Exp(-0.5 * (d / h) * (d / h))
			wsum += w
			psum += w * points[j].Proportion
			lsum += w * points[j].Lower
			usum += w * points[j].Upper
		}
		out[i] = domain.BucketPoint{
			Date:       points[i].Date,
			Proportion: psum / wsum,
			Lower:      lsum / wsum,
			Upper:      usum / wsum,
		}
	}
	return out
}
