package sqlquery

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"corefacility/pkg/domain"
)

type cte struct {
	name    string
	columns []string
	query   *Builder
}

type column struct {
	expr  string
	alias string
	args  []any
}

type source struct {
	table string
	sub   *Builder
	alias string
}

type join struct {
	kind JoinKind
	src  source
	on   string
	args []any
}

type compound struct {
	op    CompoundOp
	all   bool
	query *Builder
}

type orderTerm struct {
	expr  string
	dir   Direction
	nulls Nulls
}

// Builder accumulates the parts of one SELECT statement. Setters return the
// builder for chaining; the first invalid argument is remembered and
// reported by Build.
type Builder struct {
	dialect    Dialect
	ctes       []cte
	recursive  bool
	distinct   bool
	distinctOn []string
	columns    []column
	from       *source
	joins      []join
	where      Filter
	groupBy    []string
	compounds  []compound
	orderBy    []orderTerm
	limit      *int
	offset     *int
	err        error
}

// New returns an empty builder for dialect d.
func New(d Dialect) *Builder {
	return &Builder{dialect: d}
}

// Dialect returns the dialect the builder renders for.
func (b *Builder) Dialect() Dialect { return b.dialect }

// Clone returns an independent copy of b.
func (b *Builder) Clone() *Builder {
	c := *b
	c.ctes = append([]cte(nil), b.ctes...)
	c.distinctOn = append([]string(nil), b.distinctOn...)
	c.columns = append([]column(nil), b.columns...)
	c.joins = append([]join(nil), b.joins...)
	c.groupBy = append([]string(nil), b.groupBy...)
	c.compounds = append([]compound(nil), b.compounds...)
	c.orderBy = append([]orderTerm(nil), b.orderBy...)
	if b.from != nil {
		from := *b.from
		c.from = &from
	}
	if b.limit != nil {
		v := *b.limit
		c.limit = &v
	}
	if b.offset != nil {
		v := *b.offset
		c.offset = &v
	}
	return &c
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// QuoteName quotes an identifier for the builder's dialect.
func (b *Builder) QuoteName(name string) string { return b.dialect.QuoteName(name) }

// With adds a common table expression.
func (b *Builder) With(name string, columns []string, q *Builder) *Builder {
	b.ctes = append(b.ctes, cte{name: name, columns: append([]string(nil), columns...), query: q})
	return b
}

// WithRecursive adds a common table expression and marks the WITH clause RECURSIVE.
func (b *Builder) WithRecursive(name string, columns []string, q *Builder) *Builder {
	b.recursive = true
	return b.With(name, columns, q)
}

// Distinct renders SELECT DISTINCT.
func (b *Builder) Distinct() *Builder {
	b.distinct = true
	return b
}

// DistinctOn renders SELECT DISTINCT ON (exprs). Only some dialects support it.
func (b *Builder) DistinctOn(exprs ...string) *Builder {
	b.distinctOn = append(b.distinctOn, exprs...)
	return b
}

// Select appends plain select expressions.
func (b *Builder) Select(exprs ...string) *Builder {
	for _, e := range exprs {
		b.columns = append(b.columns, column{expr: e})
	}
	return b
}

// SelectAs appends one aliased select expression with optional arguments.
func (b *Builder) SelectAs(expr, alias string, args ...any) *Builder {
	b.columns = append(b.columns, column{expr: expr, alias: alias, args: append([]any(nil), args...)})
	return b
}

// SelectAggregateSafe appends an expression that is not part of GROUP BY,
// wrapped the way the dialect needs for grouped queries.
func (b *Builder) SelectAggregateSafe(expr, alias string) *Builder {
	return b.SelectAs(b.dialect.AggregateSafe(expr), alias)
}

// SelectTotalCount appends COUNT(*), or COUNT(DISTINCT expr) when expr is set.
func (b *Builder) SelectTotalCount(expr, alias string) *Builder {
	return b.SelectAs(b.dialect.TotalCount(expr), alias)
}

// SelectStringConcatenation appends the concatenation of args.
func (b *Builder) SelectStringConcatenation(alias string, args ...string) *Builder {
	if len(args) == 0 {
		return b.fail(fmt.Errorf("string concatenation needs at least one argument"))
	}
	return b.SelectAs(b.dialect.StringConcatenation(args), alias)
}

// SelectJSONObjectAggregation appends an aggregate building a JSON object from key/value pairs.
func (b *Builder) SelectJSONObjectAggregation(key, value, alias string) *Builder {
	return b.SelectAs(b.dialect.JSONObjectAggregation(key, value), alias)
}

// From sets the main table.
func (b *Builder) From(table, alias string) *Builder {
	b.from = &source{table: table, alias: alias}
	return b
}

// FromSubquery sets a derived table as the main source.
func (b *Builder) FromSubquery(q *Builder, alias string) *Builder {
	b.from = &source{sub: q, alias: alias}
	return b
}

// Join appends a join. on is ignored for JoinCross.
func (b *Builder) Join(kind JoinKind, table, alias, on string, args ...any) *Builder {
	b.joins = append(b.joins, join{kind: kind, src: source{table: table, alias: alias}, on: on, args: append([]any(nil), args...)})
	return b
}

// Where ANDs f into the WHERE tree.
func (b *Builder) Where(f Filter) *Builder {
	b.where = And(b.where, f)
	return b
}

// GroupBy appends GROUP BY expressions.
func (b *Builder) GroupBy(exprs ...string) *Builder {
	b.groupBy = append(b.groupBy, exprs...)
	return b
}

// Union appends UNION [ALL] q.
func (b *Builder) Union(q *Builder, all bool) *Builder { return b.compound(Union, q, all) }

// Intersect appends INTERSECT [ALL] q.
func (b *Builder) Intersect(q *Builder, all bool) *Builder { return b.compound(Intersect, q, all) }

// Except appends EXCEPT [ALL] q.
func (b *Builder) Except(q *Builder, all bool) *Builder { return b.compound(Except, q, all) }

func (b *Builder) compound(op CompoundOp, q *Builder, all bool) *Builder {
	b.compounds = append(b.compounds, compound{op: op, all: all, query: q})
	return b
}

// OrderBy appends an ORDER BY term.
func (b *Builder) OrderBy(expr string, dir Direction, nulls Nulls) *Builder {
	b.orderBy = append(b.orderBy, orderTerm{expr: expr, dir: dir, nulls: nulls})
	return b
}

// ResetOrder drops all ORDER BY terms.
func (b *Builder) ResetOrder() *Builder {
	b.orderBy = nil
	return b
}

// Limit sets LIMIT. Negative values are reported by Build as NotFound.
func (b *Builder) Limit(n int) *Builder {
	if n < 0 {
		return b.fail(domain.NotFoundError{Key: fmt.Sprintf("limit %d", n)})
	}
	b.limit = &n
	return b
}

// Offset sets OFFSET. Negative values are reported by Build as NotFound.
func (b *Builder) Offset(n int) *Builder {
	if n < 0 {
		return b.fail(domain.NotFoundError{Key: fmt.Sprintf("offset %d", n)})
	}
	b.offset = &n
	return b
}

// Build renders the statement with dialect placeholders and its argument list.
func (b *Builder) Build() (string, []any, error) {
	text, args, err := b.render()
	if err != nil {
		return "", nil, err
	}
	return sqlx.Rebind(b.dialect.BindType(), text), args, nil
}

// render produces the statement with '?' placeholders.
func (b *Builder) render() (string, []any, error) {
	if b.err != nil {
		return "", nil, b.err
	}
	var sb strings.Builder
	var args []any

	if len(b.ctes) > 0 {
		sb.WriteString("WITH ")
		if b.recursive {
			sb.WriteString("RECURSIVE ")
		}
		for i, c := range b.ctes {
			if i > 0 {
				sb.WriteString(", ")
			}
			text, a, err := c.query.render()
			if err != nil {
				return "", nil, err
			}
			sb.WriteString(c.name)
			if len(c.columns) > 0 {
				sb.WriteString("(" + strings.Join(c.columns, ", ") + ")")
			}
			sb.WriteString(" AS (" + text + ")")
			args = append(args, a...)
		}
		sb.WriteString(" ")
	}

	core, a, err := b.renderCore()
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(core)
	args = append(args, a...)

	for _, c := range b.compounds {
		if len(c.query.orderBy) > 0 || c.query.limit != nil || c.query.offset != nil || len(c.query.ctes) > 0 {
			return "", nil, unsupported(b.dialect, "ORDER BY, LIMIT or WITH inside a compound member")
		}
		keyword, err := b.dialect.Compound(c.op, c.all)
		if err != nil {
			return "", nil, err
		}
		text, a, err := c.query.renderCore()
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" " + keyword + " " + text)
		args = append(args, a...)
	}

	if len(b.orderBy) > 0 {
		terms := make([]string, len(b.orderBy))
		for i, o := range b.orderBy {
			terms[i] = b.dialect.OrderTerm(o.expr, o.dir, o.nulls)
		}
		sb.WriteString(" ORDER BY " + strings.Join(terms, ", "))
	}
	if lo := b.dialect.LimitOffset(b.limit, b.offset); lo != "" {
		sb.WriteString(" " + lo)
	}
	return sb.String(), args, nil
}

// renderCore renders SELECT ... GROUP BY without compounds, ordering or paging.
func (b *Builder) renderCore() (string, []any, error) {
	if b.err != nil {
		return "", nil, b.err
	}
	if len(b.columns) == 0 {
		return "", nil, fmt.Errorf("select statement has no columns")
	}
	var sb strings.Builder
	var args []any

	sb.WriteString("SELECT ")
	switch {
	case len(b.distinctOn) > 0:
		text, err := b.dialect.DistinctOn(b.distinctOn)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(text + " ")
	case b.distinct:
		sb.WriteString("DISTINCT ")
	}
	for i, c := range b.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.expr)
		if c.alias != "" {
			sb.WriteString(" AS " + c.alias)
		}
		args = append(args, c.args...)
	}

	if b.from != nil {
		text, a, err := b.renderSource(*b.from)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" FROM " + text)
		args = append(args, a...)
	}
	for _, j := range b.joins {
		keyword, err := b.dialect.Join(j.kind)
		if err != nil {
			return "", nil, err
		}
		text, a, err := b.renderSource(j.src)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" " + keyword + " " + text)
		args = append(args, a...)
		if j.kind != JoinCross && j.on != "" {
			sb.WriteString(" ON " + j.on)
			args = append(args, j.args...)
		}
	}

	if b.where != nil {
		text, a := b.where.render(b.dialect)
		sb.WriteString(" WHERE " + text)
		args = append(args, a...)
	}
	if len(b.groupBy) > 0 {
		sb.WriteString(" GROUP BY " + strings.Join(b.groupBy, ", "))
	}
	return sb.String(), args, nil
}

func (b *Builder) renderSource(s source) (string, []any, error) {
	if s.sub == nil {
		if s.alias == "" {
			return s.table, nil, nil
		}
		return s.table + " AS " + s.alias, nil, nil
	}
	text, args, err := s.sub.render()
	if err != nil {
		return "", nil, err
	}
	return "(" + text + ") AS " + s.alias, args, nil
}
