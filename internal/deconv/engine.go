package deconv

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sihlelab/effluent/internal/core/domain"
)

// Config carries the fixed numerical parameters of the engine. They are not
// per-job options: holding them constant is what makes identical inputs
// reproduce identical outputs.
type Config struct {
	// Ridge is the Tikhonov term folded into every solve. It breaks ties
	// among equally-good solutions of a rank-deficient design matrix by
	// selecting the minimum-norm one.
	Ridge float64

	// Tol is the NNLS gradient termination tolerance.
	Tol float64

	// ConfidenceZ is the normal quantile for coverage-derived intervals.
	ConfidenceZ float64

	// BootstrapSeed seeds the resampling RNG. Fixed so bootstrap intervals
	// are reproducible.
	BootstrapSeed uint64
}

func (c Config) withDefaults() Config {
	if c.Ridge <= 0 {
		c.Ridge = 1e-6
	}
	if c.Tol <= 0 {
		c.Tol = 1e-3
	}
	if c.ConfidenceZ <= 0 {
		c.ConfidenceZ = 1.96
	}
	if c.BootstrapSeed == 0 {
		c.BootstrapSeed = 1
	}
	return c
}

// Engine solves, independently per time bucket, for the non-negative
// variant proportions that best explain the observed mutation frequencies.
type Engine struct {
	logger *slog.Logger
	cfg    Config
}

func New(logger *slog.Logger, cfg Config) *Engine {
	return &Engine{logger: logger, cfg: cfg.withDefaults()}
}

// ProgressFunc is invoked after each bucket computation.
type ProgressFunc func(done, total int)

// bucketSolution holds one bucket's estimate before assembly.
type bucketSolution struct {
	proportions []float64
	lower       []float64
	upper       []float64
	residual    float64
	resLower    float64
	resUpper    float64
}

// Deconvolve runs the weighted non-negative least-squares estimation over
// every bucket of the matrix. Buckets that cannot be estimated are reported
// in the result's NoData list; the whole run fails only when no bucket is
// usable or the catalogue has no signal at all. Cancellation is honored
// between buckets via ctx.
func (e *Engine) Deconvolve(ctx context.Context, m *domain.FrequencyMatrix, cat domain.Catalogue, opts domain.DeconvolutionOptions, progress ProgressFunc) (*domain.AbundanceEstimate, error) {
	variants := cat.Names()
	nv := len(variants)

	design := e.designMatrix(m, cat)
	if isZero(design) {
		return nil, domain.NewError(domain.ErrKindUnsolvable,
			"no signature mutation overlaps the frequency matrix")
	}

	nb := len(m.Buckets)
	solutions := make([]*bucketSolution, nb)
	missing := make([]domain.ErrorKind, nb)

	for bi := 0; bi < nb; bi++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sol, kind, err := e.solveBucket(m, design, nv, bi, opts)
		if err != nil {
			return nil, err
		}
		if kind != "" {
			missing[bi] = kind
			e.logger.Debug("bucket skipped",
				"bucket", m.Buckets[bi].Format("2006-01-02"), "kind", string(kind))
		} else {
			solutions[bi] = sol
		}

		if progress != nil {
			progress(bi+1, nb)
		}
	}

	if err := e.checkAllMissing(m, missing, solutions); err != nil {
		return nil, err
	}

	est := e.assemble(m, variants, solutions, missing, opts)
	return est, nil
}

// designMatrix builds the mutation-by-variant indicator matrix restricted
// to the mutations present in the frequency matrix.
func (e *Engine) designMatrix(m *domain.FrequencyMatrix, cat domain.Catalogue) *mat.Dense {
	nm, nv := len(m.Mutations), len(cat.Variants)
	a := mat.NewDense(nm, nv, nil)
	for mi, mut := range m.Mutations {
		for vi, v := range cat.Variants {
			if v.Defines(mut) {
				a.Set(mi, vi, 1)
			}
		}
	}
	return a
}

// solveBucket estimates one bucket. A non-empty kind marks the bucket
// missing (data-level failure, recovered locally); an error aborts the run.
func (e *Engine) solveBucket(m *domain.FrequencyMatrix, design *mat.Dense, nv, bi int, opts domain.DeconvolutionOptions) (*bucketSolution, domain.ErrorKind, error) {
	minCov := opts.MinCoverage
	if minCov < 1 {
		minCov = 1
	}

	var rows []int
	var freqs, weights []float64
	var totalCoverage float64
	for mi := range m.Mutations {
		obs := m.At(bi, mi)
		if err := obs.Validate(); err != nil {
			return nil, domain.ErrKindMalformedObservation, nil
		}
		f, ok := obs.Frequency()
		if !ok || obs.Coverage < minCov {
			continue
		}
		rows = append(rows, mi)
		freqs = append(freqs, clip01(f))
		weights = append(weights, float64(obs.Coverage))
		totalCoverage += float64(obs.Coverage)
	}

	if len(rows) == 0 {
		return nil, domain.ErrKindInsufficientData, nil
	}

	aug, rhs := e.augment(design, rows, freqs, weights, nv)
	p, err := nnls(aug, rhs, e.cfg.Tol)
	if err != nil {
		return nil, "", fmt.Errorf("bucket %s: %w", m.Buckets[bi].Format("2006-01-02"), err)
	}
	for i := range p {
		p[i] = clip01(p[i])
	}
	if opts.SimplexConstraint {
		p = projectSimplex(p)
	}

	sol := &bucketSolution{proportions: p, residual: residualOf(p, opts)}

	if opts.Bootstraps > 0 {
		if err := e.bootstrap(sol, design, rows, freqs, weights, nv, bi, opts); err != nil {
			return nil, "", err
		}
	} else {
		e.wilson(sol, totalCoverage, opts)
	}

	return sol, "", nil
}

// augment stacks the coverage-weighted observation rows over the ridge
// block sqrt(lambda) * I, so the NNLS subproblems are always full rank and
// the minimum-norm solution wins deterministically.
func (e *Engine) augment(design *mat.Dense, rows []int, freqs, weights []float64, nv int) (*mat.Dense, *mat.VecDense) {
	nr := len(rows)
	aug := mat.NewDense(nr+nv, nv, nil)
	rhs := mat.NewVecDense(nr+nv, nil)

	for r, mi := range rows {
		sw := math.Sqrt(weights[r])
		for v := 0; v < nv; v++ {
			aug.Set(r, v, sw*design.At(mi, v))
		}
		rhs.SetVec(r, sw*freqs[r])
	}
	sl := math.Sqrt(e.cfg.Ridge)
	for v := 0; v < nv; v++ {
		aug.Set(nr+v, v, sl)
	}
	return aug, rhs
}

// bootstrap derives confidence bounds by binomial resampling of the counts
// at the observed frequencies, re-solving each replicate. The RNG is seeded
// per bucket from the fixed engine seed.
func (e *Engine) bootstrap(sol *bucketSolution, design *mat.Dense, rows []int, freqs, weights []float64, nv, bi int, opts domain.DeconvolutionOptions) error {
	src := rand.NewSource(e.cfg.BootstrapSeed + uint64(bi))
	samples := make([][]float64, nv)
	var resSamples []float64

	rep := make([]float64, len(rows))
	for b := 0; b < opts.Bootstraps; b++ {
		for r := range rows {
			bin := distuv.Binomial{N: weights[r], P: freqs[r], Src: src}
			rep[r] = clip01(bin.Rand() / weights[r])
		}
		aug, rhs := e.augment(design, rows, rep, weights, nv)
		p, err := nnls(aug, rhs, e.cfg.Tol)
		if err != nil {
			return fmt.Errorf("bootstrap replicate: %w", err)
		}
		for i := range p {
			p[i] = clip01(p[i])
		}
		if opts.SimplexConstraint {
			p = projectSimplex(p)
		}
		for v := 0; v < nv; v++ {
			samples[v] = append(samples[v], p[v])
		}
		resSamples = append(resSamples, residualOf(p, opts))
	}

	sol.lower = make([]float64, nv)
	sol.upper = make([]float64, nv)
	for v := 0; v < nv; v++ {
		sort.Float64s(samples[v])
		sol.lower[v] = stat.Quantile(0.025, stat.Empirical, samples[v], nil)
		sol.upper[v] = stat.Quantile(0.975, stat.Empirical, samples[v], nil)
	}
	sort.Float64s(resSamples)
	sol.resLower = stat.Quantile(0.025, stat.Empirical, resSamples, nil)
	sol.resUpper = stat.Quantile(0.975, stat.Empirical, resSamples, nil)
	return nil
}

// wilson derives coverage-density interval bounds: the deeper the bucket's
// aggregate coverage, the tighter the band.
func (e *Engine) wilson(sol *bucketSolution, n float64, opts domain.DeconvolutionOptions) {
	nv := len(sol.proportions)
	sol.lower = make([]float64, nv)
	sol.upper = make([]float64, nv)
	for v, p := range sol.proportions {
		lo, hi := wilsonBounds(p, n, e.cfg.ConfidenceZ)
		sol.lower[v], sol.upper[v] = lo, hi
	}
	sol.resLower, sol.resUpper = wilsonBounds(sol.residual, n, e.cfg.ConfidenceZ)
}

func wilsonBounds(p, n, z float64) (float64, float64) {
	if n <= 0 {
		return clip01(p), clip01(p)
	}
	denom := 1 + z*z/n
	center := (p + z*z/(2*n)) / denom
	half := z * math.Sqrt(p*(1-p)/n+z*z/(4*n*n)) / denom
	return clip01(center - half), clip01(center + half)
}

func (e *Engine) checkAllMissing(m *domain.FrequencyMatrix, missing []domain.ErrorKind, solutions []*bucketSolution) error {
	anySolved := false
	allMalformed := true
	for bi := range solutions {
		if solutions[bi] != nil {
			anySolved = true
			break
		}
		if missing[bi] != domain.ErrKindMalformedObservation {
			allMalformed = false
		}
	}
	if anySolved {
		return nil
	}

	kind := domain.ErrKindInsufficientData
	msg := "no bucket has usable coverage"
	if allMalformed {
		kind = domain.ErrKindMalformedObservation
		msg = "every bucket violates the count/coverage invariant"
	}
	return domain.NewError(kind, msg, m.Buckets...)
}

// assemble turns per-bucket solutions into the result structure, applying
// the optional smoothing pass across buckets.
func (e *Engine) assemble(m *domain.FrequencyMatrix, variants []string, solutions []*bucketSolution, missing []domain.ErrorKind, opts domain.DeconvolutionOptions) *domain.AbundanceEstimate {
	est := &domain.AbundanceEstimate{
		Location: m.Location,
		Partial:  len(m.Warnings) > 0,
		Warnings: m.Warnings,
	}

	for bi, kind := range missing {
		if kind != "" {
			est.NoData = append(est.NoData, domain.NoDataBucket{Date: m.Buckets[bi], Kind: kind})
		}
	}

	for vi, name := range variants {
		var series []domain.BucketPoint
		for bi, sol := range solutions {
			if sol == nil {
				continue
			}
			series = append(series, domain.BucketPoint{
				Date:       m.Buckets[bi],
				Proportion: sol.proportions[vi],
				Lower:      sol.lower[vi],
				Upper:      sol.upper[vi],
			})
		}
		series = smoothSeries(series, opts.SmoothingBandwidth)
		est.Variants = append(est.Variants, domain.VariantSeries{Variant: name, Timeseries: series})
	}

	if !opts.SimplexConstraint {
		var res []domain.BucketPoint
		for bi, sol := range solutions {
			if sol == nil {
				continue
			}
			res = append(res, domain.BucketPoint{
				Date:       m.Buckets[bi],
				Proportion: sol.residual,
				Lower:      sol.resLower,
				Upper:      sol.resUpper,
			})
		}
		est.Unassigned = smoothSeries(res, opts.SmoothingBandwidth)
	}

	return est
}

func residualOf(p []float64, opts domain.DeconvolutionOptions) float64 {
	if opts.SimplexConstraint {
		return 0
	}
	sum := 0.0
	for _, v := range p {
		sum += v
	}
	return clip01(1 - sum)
}

func isZero(a *mat.Dense) bool {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if a.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

func clip01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
