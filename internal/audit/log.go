// Package audit keeps one log row per inbound request together with the
// records handlers emit while serving it.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

// Level is the severity of a log record.
type Level string

const (
	LevelCritical Level = "CRI"
	LevelError    Level = "ERR"
	LevelWarning  Level = "WAR"
	LevelInfo     Level = "INF"
)

func (l Level) valid() bool {
	switch l {
	case LevelCritical, LevelError, LevelWarning, LevelInfo:
		return true
	}
	return false
}

// Request describes the inbound request a log is opened for.
type Request struct {
	ID          int64
	Date        time.Time
	Address     string
	Method      string
	Description string
	Body        string
	IP          string
}

// Log is the audit row of one request. Records are buffered in memory and
// written by Finalize in the order they were emitted. A Log may be shared by
// the goroutines serving one request.
type Log struct {
	domain.Lifecycle

	mu        sync.Mutex
	id        int64
	request   Request
	userID    int64
	status    int
	response  string
	pending   []pendingRecord
	finalized bool
}

type pendingRecord struct {
	at      time.Time
	level   Level
	message string
}

// NewLog returns a log in the creating state.
func NewLog(req Request) *Log {
	return &Log{Lifecycle: domain.NewLifecycle(domain.EntityLog), request: req}
}

func (l *Log) Life() *domain.Lifecycle { return &l.Lifecycle }

func (l *Log) ID() int64            { return l.id }
func (l *Log) Request() Request     { return l.request }
func (l *Log) UserID() int64        { return l.userID }
func (l *Log) ResponseStatus() int  { return l.status }
func (l *Log) ResponseBody() string { return l.response }

// SetUser attributes the request to u once it has been authorized.
func (l *Log) SetUser(u *core.User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u == nil {
		l.userID = 0
		return
	}
	l.userID = u.ID()
}

// SetDescription names the operation the request performs.
func (l *Log) SetDescription(v string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.request.Description = v
}

// Record buffers an entry. Entries recorded after Finalize are dropped.
func (l *Log) Record(level Level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return
	}
	if !level.valid() {
		level = LevelInfo
	}
	l.pending = append(l.pending, pendingRecord{at: time.Now().UTC(), level: level, message: message})
}

func (l *Log) Info(message string)    { l.Record(LevelInfo, message) }
func (l *Log) Warning(message string) { l.Record(LevelWarning, message) }
func (l *Log) Error(message string)   { l.Record(LevelError, message) }

// Validate implements entity.Entity.
func (l *Log) Validate() error {
	switch {
	case l.request.ID == 0:
		return domain.Required(domain.EntityLog, "request_id")
	case l.request.Method == "":
		return domain.Required(domain.EntityLog, "request_method")
	case len(l.request.Method) > 7:
		return domain.Invalid(domain.EntityLog, "request_method", "at most 7 characters")
	}
	return domain.ValidateMaxLength(domain.EntityLog, "log_address", l.request.Address, 4096)
}

type logRow struct {
	ID             int64          `db:"id"`
	RequestID      int64          `db:"request_id"`
	RequestDate    time.Time      `db:"request_date"`
	Address        string         `db:"log_address"`
	Method         string         `db:"request_method"`
	Description    sql.NullString `db:"operation_description"`
	RequestBody    sql.NullString `db:"request_body"`
	IP             sql.NullString `db:"ip_address"`
	UserID         sql.NullInt64  `db:"user_id"`
	ResponseStatus sql.NullInt64  `db:"response_status"`
	ResponseBody   sql.NullString `db:"response_body"`
}

func wrapLog(row logRow) (*Log, error) {
	return &Log{
		Lifecycle: domain.LoadedLifecycle(domain.EntityLog, row),
		id:        row.ID,
		request: Request{
			ID:          row.RequestID,
			Date:        row.RequestDate.UTC(),
			Address:     row.Address,
			Method:      row.Method,
			Description: row.Description.String,
			Body:        row.RequestBody.String,
			IP:          row.IP.String,
		},
		userID:    row.UserID.Int64,
		status:    int(row.ResponseStatus.Int64),
		response:  row.ResponseBody.String,
		finalized: row.ResponseStatus.Valid,
	}, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var logProvider = &entity.ModelProvider[*Log, logRow]{
	Kind:      domain.EntityLog,
	Table:     "core_log",
	Key:       func(l *Log) any { return l.id },
	AssignKey: func(l *Log, id int64) { l.id = id },
	Columns: func(l *Log) map[string]any {
		var user any
		if l.userID != 0 {
			user = l.userID
		}
		return map[string]any{
			"request_id":            l.request.ID,
			"request_date":          l.request.Date,
			"log_address":           l.request.Address,
			"request_method":        l.request.Method,
			"operation_description": nullString(l.request.Description),
			"request_body":          nullString(l.request.Body),
			"ip_address":            nullString(l.request.IP),
			"user_id":               user,
		}
	},
	Unique: [][]string{{"request_id"}},
	Wrap:   wrapLog,
}

// Create stores the log row.
func (l *Log) Create(ctx context.Context, s *entity.Session) error {
	if l.request.Date.IsZero() {
		l.request.Date = s.Now()
	}
	return entity.Create(ctx, s, l, logProvider)
}

// Finalize writes the response and flushes the buffered records in one
// transaction. A log is finalized once; later calls are no-ops.
func (l *Log) Finalize(ctx context.Context, s *entity.Session, status int, body string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return nil
	}
	if l.State() == domain.StateCreating || l.State() == domain.StateDeleted {
		return domain.OperationNotPermittedError{Entity: domain.EntityLog, Operation: "finalize", Reason: "log is " + l.State().String()}
	}
	err := s.RunInTransaction(ctx, func(tx *entity.Session) error {
		values := map[string]any{
			"response_status": status,
			"response_body":   nullString(body),
			"user_id":         nil,
		}
		if l.userID != 0 {
			values["user_id"] = l.userID
		}
		if l.request.Description != "" {
			values["operation_description"] = l.request.Description
		}
		if _, err := tx.Update(ctx, "core_log", values, "id", l.id); err != nil {
			return err
		}
		for _, rec := range l.pending {
			_, err := tx.Insert(ctx, "core_log_record", map[string]any{
				"log_id":      l.id,
				"record_time": rec.at.Truncate(time.Microsecond),
				"level":       string(rec.level),
				"message":     rec.message,
			}, "")
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize log %d: %w", l.id, err)
	}
	l.status = status
	l.response = body
	l.pending = nil
	l.finalized = true
	return nil
}

// Delete removes the log and its records.
func (l *Log) Delete(ctx context.Context, s *entity.Session) error {
	return entity.Delete(ctx, s, l, logProvider)
}

// LogRecord is one stored entry of a log.
type LogRecord struct {
	ID      int64     `db:"id"`
	LogID   int64     `db:"log_id"`
	Time    time.Time `db:"record_time"`
	Level   Level     `db:"level"`
	Message string    `db:"message"`
}

// Records returns the stored entries of l in emission order.
func (l *Log) Records(ctx context.Context, s *entity.Session) ([]LogRecord, error) {
	var out []LogRecord
	err := s.Select(ctx, &out, "SELECT id, log_id, record_time, level, message FROM core_log_record WHERE log_id = ? ORDER BY id", l.id)
	if err != nil {
		return nil, fmt.Errorf("read log records: %w", err)
	}
	for i := range out {
		out[i].Time = out[i].Time.UTC()
	}
	return out, nil
}

var logReader = &entity.ReaderDef[*Log, logRow]{
	Kind: domain.EntityLog,
	Initialize: func(q *entity.Query) {
		q.Items.Select("l.id", "l.request_id", "l.request_date", "l.log_address", "l.request_method",
			"l.operation_description", "l.request_body", "l.ip_address", "l.user_id",
			"l.response_status", "l.response_body").
			From("core_log", "l").
			OrderBy("l.request_date", sqlquery.Desc, sqlquery.NullsDefault).
			OrderBy("l.id", sqlquery.Desc, sqlquery.NullsDefault)
		q.Count.SelectTotalCount("", "total").From("core_log", "l")
	},
	Filters: map[string]func(q *entity.Query, v any) error{
		"user": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("l.user_id = ?", v))
			return nil
		},
		"method": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("l.request_method = ?", v))
			return nil
		},
		"request": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("l.request_id = ?", v))
			return nil
		},
		"from": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("l.request_date >= ?", v))
			return nil
		},
		"to": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("l.request_date < ?", v))
			return nil
		},
	},
	Wrap: wrapLog,
}

func acceptTime(value any) (any, error) {
	if t, ok := value.(time.Time); ok {
		return t.UTC(), nil
	}
	return nil, fmt.Errorf("expected time.Time, got %T", value)
}

var logSetDef = &entity.SetDef[*Log, logRow]{
	Kind:     domain.EntityLog,
	Reader:   logReader,
	IDColumn: "l.id",
	Filters: map[string]entity.FilterSpec{
		"user":    {Accept: entity.AcceptInt64},
		"method":  {Accept: entity.AcceptString},
		"request": {Accept: entity.AcceptInt64},
		"from":    {Accept: acceptTime},
		"to":      {Accept: acceptTime},
	},
}

// NewLogSet returns every log, newest first. Filters: user, method, request
// (snowflake id), from and to (request date bounds).
func NewLogSet(s *entity.Session) *entity.Set[*Log, logRow] {
	return entity.NewSet(s, logSetDef)
}
