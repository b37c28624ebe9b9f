package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

// Query is the pair of builders a reader executes: Items selects the row
// columns and Count selects the total number of matching rows.
type Query struct {
	Items *sqlquery.Builder
	Count *sqlquery.Builder
}

// Where adds f to both builders.
func (q *Query) Where(f sqlquery.Filter) {
	q.Items.Where(f)
	q.Count.Where(f)
}

// ReaderDef describes how one entity kind is read.
type ReaderDef[E any, R any] struct {
	Kind domain.EntityType
	// Initialize sets columns, sources and default ordering on both builders.
	Initialize func(q *Query)
	// Filters are applied in name order. Each augments both builders.
	Filters map[string]func(q *Query, value any) error
	// Wrap turns a scanned row into a LOADED entity.
	Wrap func(row R) (E, error)
}

// Reader streams the rows selected by a ReaderDef and the filters it was
// built with. Rows are fully scanned before any of them is wrapped, so Wrap
// may issue further queries on the same session.
type Reader[E any, R any] struct {
	s   *Session
	def *ReaderDef[E, R]
	q   Query
}

// NewReader builds a reader applying filters. An unknown filter name is an
// error.
func NewReader[E any, R any](s *Session, def *ReaderDef[E, R], filters map[string]any) (*Reader[E, R], error) {
	r := &Reader[E, R]{
		s:   s,
		def: def,
		q:   Query{Items: s.Builder(), Count: s.Builder()},
	}
	def.Initialize(&r.q)
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		apply, ok := def.Filters[name]
		if !ok {
			return nil, fmt.Errorf("%s reader: unknown filter %q", def.Kind, name)
		}
		if err := apply(&r.q, filters[name]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Query exposes the underlying builders.
func (r *Reader[E, R]) Query() *Query { return &r.q }

func (r *Reader[E, R]) fetch(ctx context.Context, b *sqlquery.Builder) ([]E, error) {
	var rows []R
	if err := r.s.SelectBuilt(ctx, &rows, b); err != nil {
		return nil, err
	}
	out := make([]E, 0, len(rows))
	for _, row := range rows {
		e, err := r.def.Wrap(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// All returns every matching entity.
func (r *Reader[E, R]) All(ctx context.Context) ([]E, error) {
	return r.fetch(ctx, r.q.Items)
}

// Each calls fn for every matching entity, stopping at the first error.
func (r *Reader[E, R]) Each(ctx context.Context, fn func(E) error) error {
	items, err := r.All(ctx)
	if err != nil {
		return err
	}
	for _, e := range items {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// At returns the i-th matching entity.
func (r *Reader[E, R]) At(ctx context.Context, i int) (E, error) {
	var zero E
	if i < 0 {
		return zero, domain.NotFoundError{Entity: r.def.Kind, Key: fmt.Sprintf("#%d", i)}
	}
	items, err := r.fetch(ctx, r.q.Items.Clone().Limit(1).Offset(i))
	if err != nil {
		return zero, err
	}
	if len(items) == 0 {
		return zero, domain.NotFoundError{Entity: r.def.Kind, Key: fmt.Sprintf("#%d", i)}
	}
	return items[0], nil
}

// Slice returns the entities in [start, stop). Negative bounds are
// NotFound; an empty or inverted range yields no entities.
func (r *Reader[E, R]) Slice(ctx context.Context, start, stop int) ([]E, error) {
	if start < 0 || stop < 0 {
		return nil, domain.NotFoundError{Entity: r.def.Kind, Key: fmt.Sprintf("[%d:%d]", start, stop)}
	}
	if stop <= start {
		return []E{}, nil
	}
	return r.fetch(ctx, r.q.Items.Clone().Limit(stop-start).Offset(start))
}

// Len executes the count query.
func (r *Reader[E, R]) Len(ctx context.Context) (int, error) {
	var n int
	if err := r.s.GetBuilt(ctx, &n, r.q.Count); err != nil {
		return 0, err
	}
	return n, nil
}

// Get returns the single entity whose column equals value.
func (r *Reader[E, R]) Get(ctx context.Context, column string, value any) (E, error) {
	var zero E
	b := r.q.Items.Clone().Where(sqlquery.String(column+" = ?", value)).Limit(1)
	items, err := r.fetch(ctx, b)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return zero, err
	}
	if len(items) == 0 {
		return zero, domain.NotFoundError{Entity: r.def.Kind, Key: fmt.Sprintf("%s=%v", column, value)}
	}
	return items[0], nil
}
