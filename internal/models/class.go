package models

import (
	"slices"
	"time"
)

// ClassSnapshot is the state of one class section as reported by the schedule
// source. Every field is optional; nil or empty means the source did not say.
type ClassSnapshot struct {
	ClassID    string   `json:"class_id,omitempty"`
	Section    string   `json:"section,omitempty"`
	Instructor string   `json:"instructor,omitempty"`
	ClassType  string   `json:"class_type,omitempty"`
	Room       string   `json:"room,omitempty"`
	IsOpen     *bool    `json:"is_open,omitempty"`
	OpenSeats  *int     `json:"open_seats,omitempty"`
	TotalSeats *int     `json:"total_seats,omitempty"`
	DaysOfWeek []string `json:"days_of_week,omitempty"`
	StartTime  string   `json:"start_time,omitempty"` // HH:MM, 24h
	EndTime    string   `json:"end_time,omitempty"`
}

// Equal reports whether two snapshots describe the same class state.
func (s ClassSnapshot) Equal(o ClassSnapshot) bool {
	return s.ClassID == o.ClassID &&
		s.Section == o.Section &&
		s.Instructor == o.Instructor &&
		s.ClassType == o.ClassType &&
		s.Room == o.Room &&
		equalPtr(s.IsOpen, o.IsOpen) &&
		equalPtr(s.OpenSeats, o.OpenSeats) &&
		equalPtr(s.TotalSeats, o.TotalSeats) &&
		slices.Equal(s.DaysOfWeek, o.DaysOfWeek) &&
		s.StartTime == o.StartTime &&
		s.EndTime == o.EndTime
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ClassRecord is one immutable observation of a class section.
type ClassRecord struct {
	CapturedAt time.Time     `json:"captured_at"`
	Snapshot   ClassSnapshot `json:"snapshot"`
}

// ClassUpdate is the outcome of a refresh decision. When Changed is false the
// existing record was fresh enough and Current holds it; Previous is nil.
// When Changed is true a new fetch happened; Previous is nil only on the
// first observation of a query.
type ClassUpdate struct {
	Changed  bool
	Previous *ClassRecord
	Current  ClassRecord
}

// Unchanged wraps a record that was still within the staleness window.
func Unchanged(record ClassRecord) ClassUpdate {
	return ClassUpdate{Current: record}
}

// Changed wraps a freshly fetched record and the record it replaced, if any.
func Changed(previous *ClassRecord, current ClassRecord) ClassUpdate {
	return ClassUpdate{Changed: true, Previous: previous, Current: current}
}

// FirstObservation reports whether the update is the first record ever seen.
func (u ClassUpdate) FirstObservation() bool {
	return u.Changed && u.Previous == nil
}

// Modified reports whether the fetched snapshot differs from the previous one.
func (u ClassUpdate) Modified() bool {
	if !u.Changed {
		return false
	}
	if u.Previous == nil {
		return true
	}
	return !u.Previous.Snapshot.Equal(u.Current.Snapshot)
}
