// Package store persists class records and subscriptions in MySQL or SQLite.
//
// The cache table is append-only: rows are never updated or deleted, and the
// latest record for a query is the row with the greatest captured_at.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"classwatch/internal/config"
	"classwatch/internal/models"
)

const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// Store gives table-level access to the cache and watchers tables.
type Store struct {
	db      *sql.DB
	dialect string
	logger  *logrus.Logger
}

// Open connects to the database described by cfg and verifies it answers.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (*Store, error) {
	var dsn string
	switch cfg.Driver {
	case DialectMySQL:
		mc := mysql.NewConfig()
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.DBName = cfg.Name
		dsn = mc.FormatDSN()
	case DialectSQLite:
		dsn = filepath.Clean(cfg.Path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", cfg.Driver, err)
	}
	if cfg.Driver == DialectMySQL && cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	logger.Infof("Connected to %s database", cfg.Driver)
	return New(db, cfg.Driver, logger), nil
}

// New wraps an open database handle. SQLite handles are limited to a single
// connection so that in-memory databases stay shared across calls.
func New(db *sql.DB, dialect string, logger *logrus.Logger) *Store {
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, dialect: dialect, logger: logger}
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the cache and watchers tables and their indexes.
func (s *Store) Migrate(ctx context.Context) error {
	statements, ok := schema[s.dialect]
	if !ok {
		return fmt.Errorf("no schema for dialect %s", s.dialect)
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.logger.Debugf("Applied %d schema statements for %s", len(statements), s.dialect)
	return nil
}

// LatestRecord returns the newest record for q, or models.ErrNotFound.
func (s *Store) LatestRecord(ctx context.Context, q models.Query) (models.ClassRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT captured_at, snapshot
		FROM cache
		WHERE course_id = ? AND term_id = ? AND program_id = ? AND section_id = ?
		ORDER BY captured_at DESC
		LIMIT 1`,
		q.Course, q.Term, q.Program, q.Section)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ClassRecord{}, models.ErrNotFound
	}
	if err != nil {
		return models.ClassRecord{}, fmt.Errorf("failed to query latest record for %s: %w", q, err)
	}
	return record, nil
}

// AppendRecord inserts a new row for q. Existing rows are never touched.
func (s *Store) AppendRecord(ctx context.Context, q models.Query, record models.ClassRecord) error {
	data, err := json.Marshal(record.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache (captured_at, course_id, term_id, program_id, section_id, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)`,
		toMicros(record.CapturedAt), q.Course, q.Term, q.Program, q.Section, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert record for %s: %w", q, err)
	}
	return nil
}

// History returns up to limit records for q, newest first. limit <= 0 returns all.
func (s *Store) History(ctx context.Context, q models.Query, limit int) ([]models.ClassRecord, error) {
	query := `
		SELECT captured_at, snapshot
		FROM cache
		WHERE course_id = ? AND term_id = ? AND program_id = ? AND section_id = ?
		ORDER BY captured_at DESC`
	args := []any{q.Course, q.Term, q.Program, q.Section}
	if limit > 0 {
		query += "\n\t\tLIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", q, err)
	}
	defer rows.Close()

	var records []models.ClassRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return records, nil
}

// Subscribe registers subscriber for q. Duplicate rows are tolerated; reads dedup.
func (s *Store) Subscribe(ctx context.Context, subscriber int64, q models.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchers (subscriber_id, course_id, term_id, program_id, section_id)
		VALUES (?, ?, ?, ?, ?)`,
		subscriber, q.Course, q.Term, q.Program, q.Section)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// Unsubscribe removes every subscription of subscriber for q and reports how
// many rows were removed.
func (s *Store) Unsubscribe(ctx context.Context, subscriber int64, q models.Query) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM watchers
		WHERE subscriber_id = ? AND course_id = ? AND term_id = ? AND program_id = ? AND section_id = ?`,
		subscriber, q.Course, q.Term, q.Program, q.Section)
	if err != nil {
		return 0, fmt.Errorf("failed to delete subscription: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed subscriptions: %w", err)
	}
	return removed, nil
}

// DistinctQueries returns every query with at least one subscriber, once each.
func (s *Store) DistinctQueries(ctx context.Context) ([]models.Query, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT course_id, term_id, program_id, section_id
		FROM watchers
		ORDER BY course_id, term_id, program_id, section_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribed queries: %w", err)
	}
	defer rows.Close()

	var queries []models.Query
	for rows.Next() {
		var q models.Query
		if err := rows.Scan(&q.Course, &q.Term, &q.Program, &q.Section); err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		queries = append(queries, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queries: %w", err)
	}
	return queries, nil
}

// Subscribers returns the distinct subscriber ids registered for q, ascending.
func (s *Store) Subscribers(ctx context.Context, q models.Query) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT subscriber_id
		FROM watchers
		WHERE course_id = ? AND term_id = ? AND program_id = ? AND section_id = ?
		ORDER BY subscriber_id`,
		q.Course, q.Term, q.Program, q.Section)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers for %s: %w", q, err)
	}
	defer rows.Close()

	var subscribers []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		subscribers = append(subscribers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscribers: %w", err)
	}
	return subscribers, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.ClassRecord, error) {
	var (
		capturedAt int64
		data       []byte
	)
	if err := row.Scan(&capturedAt, &data); err != nil {
		return models.ClassRecord{}, err
	}

	var snapshot models.ClassSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return models.ClassRecord{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return models.ClassRecord{CapturedAt: fromMicros(capturedAt), Snapshot: snapshot}, nil
}

func toMicros(value time.Time) int64 {
	return value.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}
