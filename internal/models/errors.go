package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a query has no recorded history.
	ErrNotFound = errors.New("class record not found")
	// ErrNoSubscribers is returned when nobody is subscribed to a query at alert time.
	ErrNoSubscribers = errors.New("query has no subscribers")
	// ErrNotChanged is returned when an alert is requested for an unchanged update.
	ErrNotChanged = errors.New("class update is not a change")
)

// SectionNotFoundError means the schedule was fetched but the section is not in it.
type SectionNotFoundError struct {
	Section string
}

func (e *SectionNotFoundError) Error() string {
	return fmt.Sprintf("section %s was not found", e.Section)
}
