package models

import (
	"fmt"
	"strings"
)

// Query identifies one watchable class section. It is the cache key and the
// subscription key; two queries are the same iff all four fields match.
type Query struct {
	Course  string `json:"course"`
	Term    string `json:"term"`
	Program string `json:"program"`
	Section string `json:"section"`
}

// NewQuery builds a Query from raw identifiers. Course, term and program ids are
// passed through unchanged; the section is trimmed and uppercased.
func NewQuery(course, term, program, section string) Query {
	return Query{
		Course:  course,
		Term:    term,
		Program: program,
		Section: NormalizeSection(section),
	}
}

// NormalizeSection returns the canonical form of a section identifier.
func NormalizeSection(section string) string {
	return strings.ToUpper(strings.TrimSpace(section))
}

// Validate reports whether every field of the query is set. Blank ids count
// as unset.
func (q Query) Validate() error {
	switch {
	case strings.TrimSpace(q.Course) == "":
		return fmt.Errorf("query course is required")
	case strings.TrimSpace(q.Term) == "":
		return fmt.Errorf("query term is required")
	case strings.TrimSpace(q.Program) == "":
		return fmt.Errorf("query program is required")
	case strings.TrimSpace(q.Section) == "":
		return fmt.Errorf("query section is required")
	}
	return nil
}

func (q Query) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", q.Course, q.Term, q.Program, q.Section)
}
