package source

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"classwatch/internal/models"
)

// Requester is the subset of *nats.Conn used by NATSSource.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSSource fetches schedules from a schedule service over NATS request/reply.
// Every request returns one schedule page; the next page is only requested
// when the consumer keeps iterating.
type NATSSource struct {
	conn    Requester
	subject string
	timeout time.Duration
	logger  *logrus.Logger
}

type fetchRequest struct {
	Course  string `json:"course"`
	Term    string `json:"term"`
	Program string `json:"program"`
	Page    int    `json:"page"`
}

type fetchReply struct {
	Schedule *wireSchedule `json:"schedule"`
	More     bool          `json:"more"`
	Error    string        `json:"error,omitempty"`
}

type wireSchedule struct {
	Groups []struct {
		Classes []wireClass `json:"classes"`
	} `json:"groups"`
}

// NewNATSSource creates a source that sends requests on subject.
func NewNATSSource(conn Requester, subject string, timeout time.Duration, logger *logrus.Logger) *NATSSource {
	return &NATSSource{
		conn:    conn,
		subject: subject,
		timeout: timeout,
		logger:  logger,
	}
}

// Fetch implements Source.
func (s *NATSSource) Fetch(ctx context.Context, course, term, program string) iter.Seq2[*Schedule, error] {
	return func(yield func(*Schedule, error) bool) {
		for page := 0; ; page++ {
			reply, err := s.request(ctx, fetchRequest{Course: course, Term: term, Program: program, Page: page})
			if err != nil {
				yield(nil, err)
				return
			}
			if reply.Schedule == nil {
				return
			}

			if !yield(reply.Schedule.toSchedule(), nil) {
				return
			}
			if !reply.More {
				return
			}
		}
	}
}

func (s *NATSSource) request(ctx context.Context, req fetchRequest) (*fetchReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schedule request: %w", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	msg, err := s.conn.RequestWithContext(ctx, s.subject, data)
	if err != nil {
		return nil, fmt.Errorf("%w: request %s page %d: %v", ErrSourceUnavailable, req.Course, req.Page, err)
	}

	var reply fetchReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, &ParseError{Field: "schedule reply", Err: err}
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, reply.Error)
	}

	s.logger.Debugf("Fetched schedule page %d for %s %s %s", req.Page, req.Course, req.Term, req.Program)
	return &reply, nil
}

func (w *wireSchedule) toSchedule() *Schedule {
	schedule := &Schedule{Groups: make([]Group, 0, len(w.Groups))}
	for _, g := range w.Groups {
		group := Group{Classes: make([]Class, 0, len(g.Classes))}
		for _, c := range g.Classes {
			group.Classes = append(group.Classes, c)
		}
		schedule.Groups = append(schedule.Groups, group)
	}
	return schedule
}

// wireClass keeps fields as raw JSON so that a malformed field only fails the
// accessor that reads it.
type wireClass map[string]json.RawMessage

func (c wireClass) Section() (string, error) {
	raw, ok := c["section"]
	if !ok {
		return "", &ParseError{Field: "section", Err: fmt.Errorf("missing")}
	}
	var section string
	if err := json.Unmarshal(raw, &section); err != nil {
		return "", &ParseError{Field: "section", Err: err}
	}
	return section, nil
}

func (c wireClass) Snapshot() (models.ClassSnapshot, error) {
	var snap models.ClassSnapshot

	fields := []struct {
		name   string
		target any
	}{
		{"class_id", &snap.ClassID},
		{"section", &snap.Section},
		{"instructor", &snap.Instructor},
		{"class_type", &snap.ClassType},
		{"room", &snap.Room},
		{"is_open", &snap.IsOpen},
		{"open_seats", &snap.OpenSeats},
		{"total_seats", &snap.TotalSeats},
		{"days_of_week", &snap.DaysOfWeek},
		{"start_time", &snap.StartTime},
		{"end_time", &snap.EndTime},
	}
	for _, f := range fields {
		raw, ok := c[f.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, f.target); err != nil {
			return models.ClassSnapshot{}, &ParseError{Field: f.name, Err: err}
		}
	}

	for name, value := range map[string]string{"start_time": snap.StartTime, "end_time": snap.EndTime} {
		if value == "" {
			continue
		}
		if _, err := time.Parse("15:04", value); err != nil {
			return models.ClassSnapshot{}, &ParseError{Field: name, Err: err}
		}
	}

	return snap, nil
}
