// Package sourcetest provides an in-memory schedule source for tests.
package sourcetest

import (
	"context"
	"iter"
	"sync"

	"classwatch/internal/models"
	"classwatch/internal/source"
)

// Class is a schedule entry whose accessors return fixed values or errors.
type Class struct {
	SectionID   string
	Snap        models.ClassSnapshot
	SectionErr  error
	SnapshotErr error
}

func (c Class) Section() (string, error) {
	return c.SectionID, c.SectionErr
}

func (c Class) Snapshot() (models.ClassSnapshot, error) {
	if c.SnapshotErr != nil {
		return models.ClassSnapshot{}, c.SnapshotErr
	}
	snap := c.Snap
	if snap.Section == "" {
		snap.Section = c.SectionID
	}
	return snap, nil
}

// Single wraps classes in a one-group schedule.
func Single(classes ...Class) *source.Schedule {
	group := source.Group{Classes: make([]source.Class, 0, len(classes))}
	for _, c := range classes {
		group.Classes = append(group.Classes, c)
	}
	return &source.Schedule{Groups: []source.Group{group}}
}

type key struct {
	course, term, program string
}

// Source serves schedules registered per course/term/program and counts fetches.
// Fetch blocks on Gate, when set, before yielding anything.
type Source struct {
	mu        sync.Mutex
	schedules map[key][]*source.Schedule
	errs      map[key]error
	calls     map[key]int
	inFlight  int
	maxFlight int

	Gate chan struct{}
}

func New() *Source {
	return &Source{
		schedules: make(map[key][]*source.Schedule),
		errs:      make(map[key]error),
		calls:     make(map[key]int),
	}
}

// Set replaces the schedules returned for a course and clears any error.
func (s *Source) Set(course, term, program string, schedules ...*source.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{course, term, program}
	s.schedules[k] = schedules
	delete(s.errs, k)
}

// Fail makes every fetch of a course return err.
func (s *Source) Fail(course, term, program string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[key{course, term, program}] = err
}

// Calls returns the number of fetches for a course.
func (s *Source) Calls(course, term, program string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key{course, term, program}]
}

// TotalCalls returns the number of fetches across all courses.
func (s *Source) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// MaxInFlight returns the highest number of concurrently running fetches seen.
func (s *Source) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFlight
}

func (s *Source) Fetch(ctx context.Context, course, term, program string) iter.Seq2[*source.Schedule, error] {
	return func(yield func(*source.Schedule, error) bool) {
		k := key{course, term, program}

		s.mu.Lock()
		s.calls[k]++
		s.inFlight++
		if s.inFlight > s.maxFlight {
			s.maxFlight = s.inFlight
		}
		schedules := s.schedules[k]
		err := s.errs[k]
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
		}()

		if s.Gate != nil {
			select {
			case <-s.Gate:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}

		if err != nil {
			yield(nil, err)
			return
		}
		for _, schedule := range schedules {
			if !yield(schedule, nil) {
				return
			}
		}
	}
}
