// Package source defines the schedule source the cache fetches from and a
// NATS request/reply client for it.
package source

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"classwatch/internal/models"
)

// ErrSourceUnavailable wraps transport and upstream failures of the source.
var ErrSourceUnavailable = errors.New("schedule source unavailable")

// ParseError is returned when a field of the source's payload cannot be decoded.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Source produces the authoritative schedule for a course.
type Source interface {
	// Fetch returns a lazy, finite sequence of schedules. A non-nil error ends
	// the sequence. Stopping iteration early releases the request.
	Fetch(ctx context.Context, course, term, program string) iter.Seq2[*Schedule, error]
}

// Schedule is one grouping of classes returned by the source.
type Schedule struct {
	Groups []Group
}

// Group is a set of related classes, e.g. a lecture with its recitations.
type Group struct {
	Classes []Class
}

// Class is one section in a schedule. Accessors decode lazily and may fail.
type Class interface {
	Section() (string, error)
	Snapshot() (models.ClassSnapshot, error)
}
