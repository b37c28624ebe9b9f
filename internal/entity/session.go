// Package entity implements the persistence framework shared by every
// corefacility entity: sessions bound to a database and transaction,
// providers translating entities to rows, readers streaming rows back into
// entities, and sets exposing filtered access to them.
package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"corefacility/internal/blob/core"
	"corefacility/internal/infra/persistence"
	"corefacility/internal/metrics"
	"corefacility/pkg/sqlquery"
)

// Session is a request-scoped handle on the database. A session created by
// RunInTransaction routes every statement through the open transaction.
// Sessions are not safe for concurrent use.
type Session struct {
	db      *persistence.Database
	tx      *sqlx.Tx
	blobs   core.Store
	logger  *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time

	// committed collects callbacks run once the outermost transaction
	// commits; nil outside a transaction.
	committed *[]func()
}

// Option configures a Session.
type Option func(*Session)

// WithBlobStore sets the store backing file fields.
func WithBlobStore(store core.Store) Option {
	return func(s *Session) { s.blobs = store }
}

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the recorder observing every statement.
func WithMetrics(rec metrics.Recorder) Option {
	return func(s *Session) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithClock overrides the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSession returns a session outside any transaction.
func NewSession(db *persistence.Database, opts ...Option) *Session {
	s := &Session{
		db:      db,
		logger:  zap.NewNop(),
		metrics: metrics.Noop{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the underlying database.
func (s *Session) Database() *persistence.Database { return s.db }

// Dialect returns the active SQL dialect.
func (s *Session) Dialect() sqlquery.Dialect { return s.db.Dialect }

// Builder returns an empty query builder for the active dialect.
func (s *Session) Builder() *sqlquery.Builder { return sqlquery.New(s.db.Dialect) }

// Blobs returns the blob store, or nil when file fields are unavailable.
func (s *Session) Blobs() core.Store { return s.blobs }

// Logger returns the session logger.
func (s *Session) Logger() *zap.Logger { return s.logger }

// Metrics returns the session recorder.
func (s *Session) Metrics() metrics.Recorder { return s.metrics }

// Now returns the current time in UTC truncated to microseconds, the finest
// resolution all three engines store.
func (s *Session) Now() time.Time { return s.now().UTC().Truncate(time.Microsecond) }

// InTransaction reports whether statements run inside a transaction.
func (s *Session) InTransaction() bool { return s.tx != nil }

// IsUniqueViolation reports whether err is a unique-key violation.
func (s *Session) IsUniqueViolation(err error) bool { return s.db.IsUniqueViolation(err) }

// RunInTransaction runs fn inside a transaction. When s is already
// transactional fn joins it; otherwise a new transaction is committed when fn
// returns nil and rolled back otherwise.
func (s *Session) RunInTransaction(ctx context.Context, fn func(*Session) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	child := *s
	child.tx = tx
	child.committed = &[]func(){}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", zap.Error(rbErr))
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("commit transaction: %w", cErr)
			return
		}
		for _, f := range *child.committed {
			f()
		}
	}()
	return fn(&child)
}

// AfterCommit runs f once the enclosing transaction commits. Outside a
// transaction f runs at once; after a rollback it never runs.
func (s *Session) AfterCommit(f func()) {
	if s.committed == nil {
		f()
		return
	}
	*s.committed = append(*s.committed, f)
}

func (s *Session) ext() sqlx.ExtContext {
	if s.tx != nil {
		return s.tx
	}
	return s.db.DB
}

func (s *Session) observe(ctx context.Context, op string, started time.Time, err error) {
	s.metrics.Observe(ctx, op, err == nil || errors.Is(err, sql.ErrNoRows), time.Since(started))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("statement failed", zap.String("op", op), zap.Error(err))
	}
}

// Rebind converts '?' placeholders to the dialect's bind style.
func (s *Session) Rebind(query string) string {
	return sqlx.Rebind(s.db.Dialect.BindType(), query)
}

// Exec runs a statement written with '?' placeholders.
func (s *Session) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	started := time.Now()
	res, err := s.ext().ExecContext(ctx, s.Rebind(query), args...)
	s.observe(ctx, "sql.exec", started, err)
	return res, err
}

// Select scans every row of a '?' placeholder query into dest.
func (s *Session) Select(ctx context.Context, dest any, query string, args ...any) error {
	started := time.Now()
	err := sqlx.SelectContext(ctx, s.ext(), dest, s.Rebind(query), args...)
	s.observe(ctx, "sql.select", started, err)
	return err
}

// Get scans a single row of a '?' placeholder query into dest. It returns
// sql.ErrNoRows when nothing matched.
func (s *Session) Get(ctx context.Context, dest any, query string, args ...any) error {
	started := time.Now()
	err := sqlx.GetContext(ctx, s.ext(), dest, s.Rebind(query), args...)
	s.observe(ctx, "sql.get", started, err)
	return err
}

// SelectBuilt executes a built query and scans every row into dest.
func (s *Session) SelectBuilt(ctx context.Context, dest any, b *sqlquery.Builder) error {
	query, args, err := b.Build()
	if err != nil {
		return err
	}
	started := time.Now()
	err = sqlx.SelectContext(ctx, s.ext(), dest, query, args...)
	s.observe(ctx, "sql.select", started, err)
	return err
}

// GetBuilt executes a built query and scans its first row into dest.
func (s *Session) GetBuilt(ctx context.Context, dest any, b *sqlquery.Builder) error {
	query, args, err := b.Build()
	if err != nil {
		return err
	}
	started := time.Now()
	err = sqlx.GetContext(ctx, s.ext(), dest, query, args...)
	s.observe(ctx, "sql.get", started, err)
	return err
}

// Insert writes one row and returns the generated value of keyColumn. Pass
// an empty keyColumn when the key is part of values.
func (s *Session) Insert(ctx context.Context, table string, values map[string]any, keyColumn string) (int64, error) {
	columns := make([]string, 0, len(values))
	for c := range values {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	args := make([]any, len(columns))
	quoted := make([]string, len(columns))
	for i, c := range columns {
		args[i] = values[c]
		quoted[i] = s.db.Dialect.QuoteName(c)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))

	if keyColumn == "" {
		_, err := s.Exec(ctx, query, args...)
		return 0, err
	}
	if s.db.SupportsReturning() {
		var id int64
		started := time.Now()
		err := s.ext().QueryRowxContext(ctx, s.Rebind(query+" RETURNING "+s.db.Dialect.QuoteName(keyColumn)), args...).Scan(&id)
		s.observe(ctx, "sql.insert", started, err)
		return id, err
	}
	res, err := s.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Update writes values to the row whose keyColumn equals key and returns the
// number of affected rows.
func (s *Session) Update(ctx context.Context, table string, values map[string]any, keyColumn string, key any) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	columns := make([]string, 0, len(values))
	for c := range values {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	sets := make([]string, len(columns))
	args := make([]any, 0, len(columns)+1)
	for i, c := range columns {
		sets[i] = s.db.Dialect.QuoteName(c) + " = ?"
		args = append(args, values[c])
	}
	args = append(args, key)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(sets, ", "), s.db.Dialect.QuoteName(keyColumn))
	res, err := s.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
