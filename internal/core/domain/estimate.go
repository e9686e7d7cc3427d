package domain

import "time"

// BucketPoint is one estimated point of a variant's abundance curve. The
// field names mirror the wire format consumed by the explorer UI.
type BucketPoint struct {
	Date       time.Time `json:"date"`
	Proportion float64   `json:"proportion"`
	Lower      float64   `json:"proportionLower"`
	Upper      float64   `json:"proportionUpper"`
}

// VariantSeries is one variant's abundance over the requested buckets.
// Buckets the engine could not estimate are absent from Timeseries and are
// listed in AbundanceEstimate.NoData instead.
type VariantSeries struct {
	Variant    string        `json:"variant"`
	Timeseries []BucketPoint `json:"timeseriesSummary"`
}

// NoDataBucket marks a bucket that yielded no estimate, with the reason.
type NoDataBucket struct {
	Date time.Time `json:"date"`
	Kind ErrorKind `json:"kind"`
}

// AbundanceEstimate is the complete deconvolution result for one job.
// Proportions lie in [0,1]; per bucket they need not sum to 1 unless the
// simplex constraint was requested, in which case Unassigned is empty.
type AbundanceEstimate struct {
	Location string          `json:"location"`
	Variants []VariantSeries `json:"variants"`

	// Unassigned is the residual abundance 1 - sum(p) per bucket when the
	// catalogue does not account for everything observed.
	Unassigned []BucketPoint `json:"unassigned,omitempty"`

	// NoData lists buckets excluded from every series, never reported as
	// silent zeros.
	NoData []NoDataBucket `json:"noData,omitempty"`

	// Partial flags that the frequency matrix was assembled with fetch
	// failures (see Warnings) and the estimate covers partial data.
	Partial  bool            `json:"partial,omitempty"`
	Warnings []BucketWarning `json:"warnings,omitempty"`
}

// Series returns the series for a variant, or nil.
func (e *AbundanceEstimate) Series(variant string) *VariantSeries {
	for i := range e.Variants {
		if e.Variants[i].Variant == variant {
			return &e.Variants[i]
		}
	}
	return nil
}
