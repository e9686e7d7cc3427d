package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already terminal")
	ErrQueueFull       = errors.New("task queue full")

	// ErrInvalidRequest marks submission failures the caller can fix,
	// as opposed to store or queue faults.
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrorKind classifies job failures so clients can tell bad input apart
// from system bugs.
type ErrorKind string

const (
	ErrKindMalformedObservation ErrorKind = "MALFORMED_OBSERVATION"
	ErrKindInsufficientData     ErrorKind = "INSUFFICIENT_DATA"
	ErrKindUnsolvable           ErrorKind = "UNSOLVABLE"
	ErrKindInternal             ErrorKind = "INTERNAL_ERROR"
)

// Error is the typed error payload persisted on a FAILED job. For data-level
// kinds, Buckets names the affected time buckets.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Buckets []string  `json:"buckets,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Buckets) > 0 {
		return fmt.Sprintf("%s: %s (buckets: %d affected)", e.Kind, e.Message, len(e.Buckets))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a typed job error, recording affected bucket dates.
func NewError(kind ErrorKind, msg string, buckets ...time.Time) *Error {
	e := &Error{Kind: kind, Message: msg}
	for _, b := range buckets {
		e.Buckets = append(e.Buckets, b.UTC().Format("2006-01-02"))
	}
	return e
}
