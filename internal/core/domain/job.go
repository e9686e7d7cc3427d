package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusDone      JobStatus = "DONE"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is the durable unit of work. Terminal records are immutable and are
// purged from the store once ExpiresAt passes.
type Job struct {
	ID          JobID              `json:"id"`
	Fingerprint string             `json:"fingerprint"`
	Status      JobStatus          `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Request     SubmitRequest      `json:"request"`
	Progress    *Progress          `json:"progress,omitempty"`
	Result      *AbundanceEstimate `json:"result,omitempty"`
	Error       *Error             `json:"error,omitempty"`
}

// Progress tracks a running job between bucket computations.
type Progress struct {
	Done  int    `json:"done"`
	Total int    `json:"total"`
	Stage string `json:"stage"`
}

// DeconvolutionOptions is the explicit schema for per-job tuning. A zero
// value is valid: no simplex constraint, no smoothing, no coverage floor.
type DeconvolutionOptions struct {
	SimplexConstraint  bool `json:"simplex_constraint"`
	SmoothingBandwidth int  `json:"smoothing_bandwidth"` // days; 0 disables the smoothing pass
	MinCoverage        int  `json:"min_coverage"`
	Bootstraps         int  `json:"bootstraps"`
}

func (o DeconvolutionOptions) Validate() error {
	if o.SmoothingBandwidth < 0 {
		return errors.New("smoothing_bandwidth must be >= 0")
	}
	if o.MinCoverage < 0 {
		return errors.New("min_coverage must be >= 0")
	}
	if o.Bootstraps < 0 || o.Bootstraps > 1000 {
		return errors.New("bootstraps must be in [0, 1000]")
	}
	return nil
}

// SubmitRequest is everything a client provides to start an estimation.
type SubmitRequest struct {
	Signatures []VariantSignature   `json:"signatures"`
	Location   string               `json:"location"`
	DateFrom   time.Time            `json:"date_from"`
	DateTo     time.Time            `json:"date_to"`
	Interval   BucketInterval       `json:"interval"`
	Options    DeconvolutionOptions `json:"options"`

	// SourceVersion pins the upstream data release the job was computed
	// against. Filled in at submission time, part of the fingerprint.
	SourceVersion string `json:"source_version"`
}

func (r SubmitRequest) Validate() error {
	if _, err := NewCatalogue(r.Signatures); err != nil {
		return err
	}
	if r.Location == "" {
		return errors.New("location is required")
	}
	if r.DateFrom.IsZero() || r.DateTo.IsZero() {
		return errors.New("date range is required")
	}
	if r.DateTo.Before(r.DateFrom) {
		return errors.New("date_to precedes date_from")
	}
	if err := r.Interval.Validate(); err != nil {
		return err
	}
	return r.Options.Validate()
}

// fingerprintPayload is the canonical encoding hashed into a fingerprint.
// Field order and the sorting of signatures/mutations are fixed so that two
// semantically identical requests always hash identically.
type fingerprintPayload struct {
	Signatures    []VariantSignature   `json:"signatures"`
	Location      string               `json:"location"`
	DateFrom      string               `json:"date_from"`
	DateTo        string               `json:"date_to"`
	Interval      BucketInterval       `json:"interval"`
	Options       DeconvolutionOptions `json:"options"`
	SourceVersion string               `json:"source_version"`
}

// Fingerprint derives the deterministic identity of this request, used for
// submission de-duplication and the single-flight guarantee.
func (r SubmitRequest) Fingerprint() string {
	sigs := make([]VariantSignature, len(r.Signatures))
	for i, s := range r.Signatures {
		muts := append([]string(nil), s.Mutations...)
		sort.Strings(muts)
		sigs[i] = VariantSignature{Name: s.Name, Mutations: muts}
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Name < sigs[j].Name })

	payload := fingerprintPayload{
		Signatures:    sigs,
		Location:      r.Location,
		DateFrom:      r.DateFrom.UTC().Format("2006-01-02"),
		DateTo:        r.DateTo.UTC().Format("2006-01-02"),
		Interval:      r.Interval,
		Options:       r.Options,
		SourceVersion: r.SourceVersion,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		// Marshalling a struct of plain values cannot fail at runtime.
		panic(fmt.Sprintf("fingerprint encoding: %v", err))
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
