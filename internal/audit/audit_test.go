package audit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/internal/infra/persistence"
	"corefacility/pkg/domain"
)

func openSession(t *testing.T) *entity.Session {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(ctx, persistence.Config{Dialect: "sqlite", DSN: filepath.Join(t.TempDir(), "audit.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return entity.NewSession(db)
}

func newMiddleware(t *testing.T, s *entity.Session, debug bool) *Middleware {
	t.Helper()
	node, err := NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return NewMiddleware(func() *entity.Session { return s }, node, debug, nil)
}

func TestFromContextWithoutLog(t *testing.T) {
	_, err := FromContext(context.Background())
	var noLog domain.NoLogError
	if !errors.As(err, &noLog) {
		t.Fatalf("expected NoLogError, got %v", err)
	}
}

func TestMiddlewareLogsWritesInOrder(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	u := core.NewUser("operator")
	if err := u.Create(ctx, s); err != nil {
		t.Fatalf("create user: %v", err)
	}

	var seen *Log
	var handlerBody string
	h := newMiddleware(t, s, false).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l, err := FromContext(r.Context())
		if err != nil {
			t.Errorf("expected a log in context, got %v", err)
			return
		}
		seen = l
		b, _ := io.ReadAll(r.Body)
		handlerBody = string(b)
		l.SetUser(u)
		l.SetDescription("create group")
		l.Info("first")
		l.Warning("second")
		l.Record(LevelCritical, "third")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/groups/?x=1", strings.NewReader(`{"name":"Lab"}`))
	req.RemoteAddr = "10.0.0.7:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if handlerBody != `{"name":"Lab"}` {
		t.Fatalf("expected the handler to read the full body, got %q", handlerBody)
	}
	if seen == nil {
		t.Fatal("handler did not run")
	}

	stored, err := NewLogSet(s).MustFilter("request", seen.Request().ID).At(ctx, 0)
	if err != nil {
		t.Fatalf("load log: %v", err)
	}
	if stored.ResponseStatus() != http.StatusCreated || stored.ResponseBody() != `{"id":1}` {
		t.Fatalf("expected 201 with body, got %d %q", stored.ResponseStatus(), stored.ResponseBody())
	}
	got := stored.Request()
	if got.Address != "/api/v1/groups/?x=1" || got.Method != http.MethodPost || got.IP != "10.0.0.7" {
		t.Fatalf("unexpected request columns %+v", got)
	}
	if got.Body != `{"name":"Lab"}` || got.Description != "create group" {
		t.Fatalf("unexpected body or description %+v", got)
	}
	if stored.UserID() != u.ID() {
		t.Fatalf("expected user %d, got %d", u.ID(), stored.UserID())
	}

	records, err := stored.Records(ctx, s)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	want := []struct {
		level Level
		msg   string
	}{{LevelInfo, "first"}, {LevelWarning, "second"}, {LevelCritical, "third"}}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	for i, w := range want {
		if records[i].Level != w.level || records[i].Message != w.msg {
			t.Fatalf("record %d: expected %s %q, got %s %q", i, w.level, w.msg, records[i].Level, records[i].Message)
		}
	}
}

func TestMiddlewareSkipsReadsOutsideDebug(t *testing.T) {
	ctx := context.Background()
	for _, debug := range []bool{false, true} {
		s := openSession(t)
		var logged bool
		h := newMiddleware(t, s, debug).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, err := FromContext(r.Context())
			logged = err == nil
		}))
		for _, method := range []string{http.MethodGet, http.MethodHead} {
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/api/v1/groups/", nil))
			if logged != debug {
				t.Fatalf("debug=%v %s: expected logged=%v, got %v", debug, method, debug, logged)
			}
		}
		n, err := NewLogSet(s).Len(ctx)
		if err != nil {
			t.Fatalf("count logs: %v", err)
		}
		want := 0
		if debug {
			want = 2
		}
		if n != want {
			t.Fatalf("debug=%v: expected %d logs, got %d", debug, want, n)
		}
	}
}

func TestFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	node, err := NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	l := NewLog(Request{ID: node.Generate().Int64(), Address: "/", Method: http.MethodPost})
	if err := l.Finalize(ctx, s, http.StatusOK, ""); err == nil {
		t.Fatal("expected finalize of an unsaved log to fail")
	}
	if err := l.Create(ctx, s); err != nil {
		t.Fatalf("create log: %v", err)
	}
	l.Error("boom")
	if err := l.Finalize(ctx, s, http.StatusInternalServerError, ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	l.Info("late")
	if err := l.Finalize(ctx, s, http.StatusOK, ""); err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	records, err := l.Records(ctx, s)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 || records[0].Level != LevelError {
		t.Fatalf("expected one ERR record, got %+v", records)
	}
	if l.ResponseStatus() != http.StatusInternalServerError {
		t.Fatalf("expected status 500 to stick, got %d", l.ResponseStatus())
	}

	if err := l.Delete(ctx, s); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var n int
	if err := s.Get(ctx, &n, "SELECT COUNT(*) FROM core_log_record"); err != nil {
		t.Fatalf("count records: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected records to cascade, got %d", n)
	}
}

func TestDuplicateRequestID(t *testing.T) {
	ctx := context.Background()
	s := openSession(t)
	first := NewLog(Request{ID: 42, Address: "/", Method: http.MethodPost})
	if err := first.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := NewLog(Request{ID: 42, Address: "/", Method: http.MethodPost})
	var dup domain.DuplicatedError
	if err := second.Create(ctx, s); !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatedError, got %v", err)
	}
}
