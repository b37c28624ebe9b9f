package sqlquery

import (
	"errors"
	"reflect"
	"testing"

	"corefacility/pkg/domain"
)

func mustBuild(t *testing.T, b *Builder) (string, []any) {
	t.Helper()
	text, args, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return text, args
}

func TestBuilderPostgresSelect(t *testing.T) {
	b := New(Postgres()).
		Select("r.id", "r.alias").
		From("labjournal_record", "r").
		Where(String("r.project_id = ?", 5)).
		Where(Search("r.alias", "a_b", AnchorStart)).
		OrderBy("r.id", Asc, NullsLast).
		Limit(10).
		Offset(20)
	text, args := mustBuild(t, b)
	want := "SELECT r.id, r.alias FROM labjournal_record AS r WHERE (r.project_id = $1 AND r.alias ILIKE $2) ORDER BY r.id ASC NULLS LAST LIMIT 10 OFFSET 20"
	if text != want {
		t.Fatalf("expected %q, got %q", want, text)
	}
	if !reflect.DeepEqual(args, []any{5, `a\_b%`}) {
		t.Fatalf("unexpected args %v", args)
	}
	again, againArgs := mustBuild(t, b)
	if again != text || !reflect.DeepEqual(againArgs, args) {
		t.Fatalf("expected identical rebuild, got %q %v", again, againArgs)
	}
}

func TestBuilderFilterAlgebra(t *testing.T) {
	f := Or(String("a = ?", 1), Not(And(String("b = ?", 2), String("c IS NULL"))))
	text, args := mustBuild(t, New(SQLite()).Select("*").From("t", "").Where(f))
	want := "SELECT * FROM t WHERE (a = ? OR NOT ((b = ? AND c IS NULL)))"
	if text != want {
		t.Fatalf("expected %q, got %q", want, text)
	}
	if !reflect.DeepEqual(args, []any{1, 2}) {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuilderSearchPerDialect(t *testing.T) {
	cases := []struct {
		dialect Dialect
		want    string
	}{
		{Postgres(), "SELECT id FROM t WHERE name ILIKE $1"},
		{MySQL(), "SELECT id FROM t WHERE name LIKE ?"},
		{SQLite(), `SELECT id FROM t WHERE name LIKE ? ESCAPE '\'`},
	}
	for _, tc := range cases {
		text, args := mustBuild(t, New(tc.dialect).Select("id").From("t", "").Where(Search("name", "50%", AnchorNone)))
		if text != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.dialect.Name(), tc.want, text)
		}
		if args[0] != `%50\%%` {
			t.Fatalf("%s: unexpected pattern %v", tc.dialect.Name(), args[0])
		}
	}
}

func TestBuilderUnsupportedJoins(t *testing.T) {
	cases := []struct {
		dialect Dialect
		kind    JoinKind
		ok      bool
	}{
		{SQLite(), JoinRight, false},
		{SQLite(), JoinOuter, false},
		{SQLite(), JoinLeft, true},
		{MySQL(), JoinOuter, false},
		{MySQL(), JoinRight, true},
		{Postgres(), JoinOuter, true},
		{Postgres(), JoinUnion, false},
	}
	for _, tc := range cases {
		b := New(tc.dialect).Select("a.id").From("a", "a").Join(tc.kind, "b", "b", "a.id = b.a_id")
		_, _, err := b.Build()
		if tc.ok && err != nil {
			t.Fatalf("%s %s: unexpected error %v", tc.dialect.Name(), tc.kind, err)
		}
		var fns domain.FeatureNotSupportedError
		if !tc.ok && !errors.As(err, &fns) {
			t.Fatalf("%s %s: expected FeatureNotSupportedError, got %v", tc.dialect.Name(), tc.kind, err)
		}
	}
}

func TestBuilderCrossJoinIgnoresOn(t *testing.T) {
	text, _ := mustBuild(t, New(SQLite()).Select("a.id").From("a", "a").Join(JoinCross, "b", "b", "ignored"))
	if text != "SELECT a.id FROM a AS a CROSS JOIN b AS b" {
		t.Fatalf("unexpected cross join %q", text)
	}
}

func TestBuilderDistinctOn(t *testing.T) {
	text, _ := mustBuild(t, New(Postgres()).DistinctOn("a").Select("a", "b").From("t", ""))
	if text != "SELECT DISTINCT ON (a) a, b FROM t" {
		t.Fatalf("unexpected distinct on %q", text)
	}
	if _, _, err := New(SQLite()).DistinctOn("a").Select("a").From("t", "").Build(); err == nil {
		t.Fatal("expected DISTINCT ON to fail on sqlite")
	}
	text, _ = mustBuild(t, New(MySQL()).Distinct().Select("a").From("t", ""))
	if text != "SELECT DISTINCT a FROM t" {
		t.Fatalf("unexpected distinct %q", text)
	}
}

func TestBuilderNegativePaging(t *testing.T) {
	var nf domain.NotFoundError
	if _, _, err := New(SQLite()).Select("a").From("t", "").Limit(-1).Build(); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for negative limit, got %v", err)
	}
	if _, _, err := New(SQLite()).Select("a").From("t", "").Offset(-3).Build(); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for negative offset, got %v", err)
	}
}

func TestBuilderOffsetOnly(t *testing.T) {
	cases := map[string]struct {
		dialect Dialect
		want    string
	}{
		"sqlite":   {SQLite(), "SELECT a FROM t LIMIT -1 OFFSET 5"},
		"mysql":    {MySQL(), "SELECT a FROM t LIMIT 18446744073709551615 OFFSET 5"},
		"postgres": {Postgres(), "SELECT a FROM t OFFSET 5"},
	}
	for name, tc := range cases {
		text, _ := mustBuild(t, New(tc.dialect).Select("a").From("t", "").Offset(5))
		if text != tc.want {
			t.Fatalf("%s: expected %q, got %q", name, tc.want, text)
		}
	}
}

func TestBuilderNullsOrdering(t *testing.T) {
	text, _ := mustBuild(t, New(MySQL()).Select("a").From("t", "").OrderBy("idx", Asc, NullsLast).OrderBy("id", Desc, NullsDefault))
	if text != "SELECT a FROM t ORDER BY idx IS NULL ASC, idx ASC, id DESC" {
		t.Fatalf("unexpected mysql ordering %q", text)
	}
	text, _ = mustBuild(t, New(SQLite()).Select("a").From("t", "").OrderBy("idx", Desc, NullsFirst))
	if text != "SELECT a FROM t ORDER BY idx DESC NULLS FIRST" {
		t.Fatalf("unexpected sqlite ordering %q", text)
	}
}

func TestBuilderCompound(t *testing.T) {
	left := New(Postgres()).Select("a").From("t", "").Where(String("a = ?", 1))
	right := New(Postgres()).Select("a").From("u", "").Where(String("a = ?", 2))
	text, args := mustBuild(t, left.Union(right, true).OrderBy("a", Asc, NullsDefault))
	want := "SELECT a FROM t WHERE a = $1 UNION ALL SELECT a FROM u WHERE a = $2 ORDER BY a ASC"
	if text != want {
		t.Fatalf("expected %q, got %q", want, text)
	}
	if !reflect.DeepEqual(args, []any{1, 2}) {
		t.Fatalf("unexpected args %v", args)
	}
	bad := New(SQLite()).Select("a").From("t", "").Intersect(New(SQLite()).Select("a").From("u", ""), true)
	if _, _, err := bad.Build(); err == nil {
		t.Fatal("expected INTERSECT ALL to fail on sqlite")
	}
}

func TestBuilderRecursiveCTE(t *testing.T) {
	d := SQLite()
	seed := New(d).Select("id").From("r", "").Where(String("id = ?", 7))
	step := New(d).Select("r.id").From("r", "r").Join(JoinInner, "tree", "", "r.parent_id = tree.id")
	b := New(d).WithRecursive("tree", []string{"id"}, seed.Union(step, true)).Select("id").From("tree", "")
	text, args := mustBuild(t, b)
	want := "WITH RECURSIVE tree(id) AS (SELECT id FROM r WHERE id = ? UNION ALL SELECT r.id FROM r AS r INNER JOIN tree ON r.parent_id = tree.id) SELECT id FROM tree"
	if text != want {
		t.Fatalf("expected %q, got %q", want, text)
	}
	if !reflect.DeepEqual(args, []any{7}) {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuilderDialectFunctions(t *testing.T) {
	pg, _ := mustBuild(t, New(Postgres()).SelectStringConcatenation("full_name", "name", "' '", "surname").SelectTotalCount("", "total").From("core_user", ""))
	if pg != "SELECT (name || ' ' || surname) AS full_name, COUNT(*) AS total FROM core_user" {
		t.Fatalf("unexpected postgres functions %q", pg)
	}
	my, _ := mustBuild(t, New(MySQL()).SelectStringConcatenation("full_name", "name", "surname").SelectJSONObjectAggregation("k", "v", "obj").SelectAggregateSafe("alias", "alias").From("t", "").GroupBy("id"))
	if my != "SELECT CONCAT(name, surname) AS full_name, JSON_OBJECTAGG(k, v) AS obj, ANY_VALUE(alias) AS alias FROM t GROUP BY id" {
		t.Fatalf("unexpected mysql functions %q", my)
	}
	lite, _ := mustBuild(t, New(SQLite()).SelectJSONObjectAggregation("k", "v", "obj").SelectTotalCount("r.id", "n").From("t", ""))
	if lite != "SELECT json_group_object(k, v) AS obj, COUNT(DISTINCT r.id) AS n FROM t" {
		t.Fatalf("unexpected sqlite functions %q", lite)
	}
}

func TestQuoteName(t *testing.T) {
	if got := Postgres().QuoteName("t.col"); got != `"t"."col"` {
		t.Fatalf("unexpected postgres quoting %s", got)
	}
	if got := MySQL().QuoteName("index"); got != "`index`" {
		t.Fatalf("unexpected mysql quoting %s", got)
	}
	if got := SQLite().QuoteName(`we"ird`); got != `"we""ird"` {
		t.Fatalf("unexpected sqlite quoting %s", got)
	}
}

func TestDialectByName(t *testing.T) {
	for name, want := range map[string]string{"postgres": "postgres", "MySQL": "mysql", "": "sqlite"} {
		d, err := DialectByName(name)
		if err != nil {
			t.Fatalf("dialect %q: %v", name, err)
		}
		if d.Name() != want {
			t.Fatalf("expected %s, got %s", want, d.Name())
		}
	}
	if _, err := DialectByName("oracle"); err == nil {
		t.Fatal("expected unknown dialect error")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	base := New(SQLite()).Select("id").From("t", "")
	page := base.Clone().Limit(1).Offset(2)
	baseText, _ := mustBuild(t, base)
	pageText, _ := mustBuild(t, page)
	if baseText != "SELECT id FROM t" {
		t.Fatalf("clone mutated base: %q", baseText)
	}
	if pageText != "SELECT id FROM t LIMIT 1 OFFSET 2" {
		t.Fatalf("unexpected page query %q", pageText)
	}
}
