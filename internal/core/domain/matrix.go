package domain

import (
	"fmt"
	"sort"
	"time"
)

type BucketInterval string

const (
	IntervalDaily   BucketInterval = "daily"
	IntervalWeekly  BucketInterval = "weekly"
	IntervalMonthly BucketInterval = "monthly"
)

func (i BucketInterval) Validate() error {
	switch i {
	case IntervalDaily, IntervalWeekly, IntervalMonthly:
		return nil
	}
	return fmt.Errorf("unknown bucket interval %q", string(i))
}

// BucketStart truncates a date to the start of its bucket. Weekly buckets
// start on Monday, monthly on the first of the month. All callers fetching
// or composing counts must use this one function so count and coverage
// queries share bucket boundaries.
func BucketStart(t time.Time, interval BucketInterval) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch interval {
	case IntervalWeekly:
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case IntervalMonthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

// BucketStarts enumerates the ascending bucket boundaries covering [from, to].
func BucketStarts(from, to time.Time, interval BucketInterval) []time.Time {
	var out []time.Time
	cur := BucketStart(from, interval)
	end := BucketStart(to, interval)
	for !cur.After(end) {
		out = append(out, cur)
		switch interval {
		case IntervalWeekly:
			cur = cur.AddDate(0, 0, 7)
		case IntervalMonthly:
			cur = cur.AddDate(0, 1, 0)
		default:
			cur = cur.AddDate(0, 0, 1)
		}
	}
	return out
}

// MutationObservation is one cell of the frequency matrix. Coverage == 0
// encodes "no data", which is distinct from Count == 0 with coverage
// (observed absence).
type MutationObservation struct {
	Mutation string    `json:"mutation"`
	Bucket   time.Time `json:"bucket"`
	Count    int       `json:"count"`
	Coverage int       `json:"coverage"`
}

// Validate checks the count/coverage invariant. A violation is local to one
// bucket and is reported as a MalformedObservation.
func (o MutationObservation) Validate() error {
	if o.Count < 0 || o.Coverage < 0 {
		return NewError(ErrKindMalformedObservation,
			fmt.Sprintf("negative count/coverage for %s", o.Mutation), o.Bucket)
	}
	if o.Count > o.Coverage {
		return NewError(ErrKindMalformedObservation,
			fmt.Sprintf("count %d exceeds coverage %d for %s", o.Count, o.Coverage, o.Mutation), o.Bucket)
	}
	return nil
}

// Frequency returns count/coverage and whether the cell holds data at all.
func (o MutationObservation) Frequency() (float64, bool) {
	if o.Coverage <= 0 {
		return 0, false
	}
	return float64(o.Count) / float64(o.Coverage), true
}

// BucketWarning records a partial-data condition: the fetch for one mutation
// failed and its cells were left empty rather than failing the whole matrix.
type BucketWarning struct {
	Mutation string `json:"mutation"`
	Message  string `json:"message"`
}

// FrequencyMatrix is the assembled mutation x time-bucket observation grid.
// Buckets are ascending and duplicate-free; mutations are sorted. Cells with
// no data carry Coverage == 0.
type FrequencyMatrix struct {
	Location  string
	Interval  BucketInterval
	Buckets   []time.Time
	Mutations []string
	Warnings  []BucketWarning

	cells [][]MutationObservation // [bucket][mutation]
}

// NewFrequencyMatrix builds an empty matrix over the given buckets and
// mutations. Mutations are sorted; buckets must already be ascending (as
// produced by BucketStarts).
func NewFrequencyMatrix(location string, interval BucketInterval, buckets []time.Time, mutations []string) *FrequencyMatrix {
	muts := append([]string(nil), mutations...)
	sort.Strings(muts)
	muts = dedupSorted(muts)

	cells := make([][]MutationObservation, len(buckets))
	for bi, b := range buckets {
		row := make([]MutationObservation, len(muts))
		for mi, m := range muts {
			row[mi] = MutationObservation{Mutation: m, Bucket: b}
		}
		cells[bi] = row
	}

	return &FrequencyMatrix{
		Location:  location,
		Interval:  interval,
		Buckets:   buckets,
		Mutations: muts,
		cells:     cells,
	}
}

// Set records an observation. Unknown mutations or buckets are ignored.
func (m *FrequencyMatrix) Set(obs MutationObservation) {
	bi := m.bucketIndex(obs.Bucket)
	mi := sort.SearchStrings(m.Mutations, obs.Mutation)
	if bi < 0 || mi >= len(m.Mutations) || m.Mutations[mi] != obs.Mutation {
		return
	}
	m.cells[bi][mi] = obs
}

// At returns the observation for (bucket index, mutation index).
func (m *FrequencyMatrix) At(bucket, mutation int) MutationObservation {
	return m.cells[bucket][mutation]
}

// Warn records a partial-data condition without failing the matrix.
func (m *FrequencyMatrix) Warn(mutation, message string) {
	m.Warnings = append(m.Warnings, BucketWarning{Mutation: mutation, Message: message})
}

func (m *FrequencyMatrix) bucketIndex(b time.Time) int {
	for i, bb := range m.Buckets {
		if bb.Equal(b) {
			return i
		}
	}
	return -1
}
