package entity

import (
	"context"
	"fmt"
	"sort"

	"corefacility/pkg/domain"
)

// FilterSpec declares one entity set filter. Accept checks and normalizes
// the assigned value; Default, when non-nil, is applied while the filter is
// unset.
type FilterSpec struct {
	Accept  func(value any) (any, error)
	Default any
}

// SetDef describes an entity set.
type SetDef[E any, R any] struct {
	Kind    domain.EntityType
	Reader  *ReaderDef[E, R]
	Filters map[string]FilterSpec
	// IDColumn answers integer lookups; it defaults to "id".
	IDColumn string
	// NoIDLookup makes integer lookups fail with NotFoundError, for sets
	// whose entities carry no integer key.
	NoIDLookup bool
	// AliasColumn answers string lookups. Empty means string lookups fail.
	AliasColumn string
	// OnFilter runs after a filter is assigned and may assign others.
	OnFilter func(set *Set[E, R], name string, value any) error
}

// Set is a filtered facade over a reader.
type Set[E any, R any] struct {
	s      *Session
	def    *SetDef[E, R]
	values map[string]any
}

// NewSet returns an unfiltered set bound to s.
func NewSet[E any, R any](s *Session, def *SetDef[E, R]) *Set[E, R] {
	return &Set[E, R]{s: s, def: def, values: make(map[string]any)}
}

// Session returns the session the set reads through.
func (st *Set[E, R]) Session() *Session { return st.s }

// Filter assigns a filter value. A nil value clears the filter.
func (st *Set[E, R]) Filter(name string, value any) error {
	spec, ok := st.def.Filters[name]
	if !ok {
		return domain.Invalid(st.def.Kind, name, "unknown entity set filter")
	}
	if value == nil {
		delete(st.values, name)
		return nil
	}
	if spec.Accept != nil {
		v, err := spec.Accept(value)
		if err != nil {
			return domain.Invalid(st.def.Kind, name, err.Error())
		}
		value = v
	}
	st.values[name] = value
	if st.def.OnFilter != nil {
		return st.def.OnFilter(st, name, value)
	}
	return nil
}

// MustFilter is Filter for statically known values; it panics on error.
func (st *Set[E, R]) MustFilter(name string, value any) *Set[E, R] {
	if err := st.Filter(name, value); err != nil {
		panic(err)
	}
	return st
}

// FilterValue returns the effective value of a filter.
func (st *Set[E, R]) FilterValue(name string) (any, bool) {
	if v, ok := st.values[name]; ok {
		return v, true
	}
	if spec, ok := st.def.Filters[name]; ok && spec.Default != nil {
		return spec.Default, true
	}
	return nil, false
}

func (st *Set[E, R]) effective() map[string]any {
	out := make(map[string]any, len(st.def.Filters))
	names := make([]string, 0, len(st.def.Filters))
	for name := range st.def.Filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v, ok := st.FilterValue(name); ok {
			out[name] = v
		}
	}
	return out
}

// Reader builds a reader for the current filters.
func (st *Set[E, R]) Reader() (*Reader[E, R], error) {
	return NewReader(st.s, st.def.Reader, st.effective())
}

// Get looks an entity up by integer id or by string alias.
func (st *Set[E, R]) Get(ctx context.Context, key any) (E, error) {
	var zero E
	r, err := st.Reader()
	if err != nil {
		return zero, err
	}
	switch k := key.(type) {
	case int, int64:
		if st.def.NoIDLookup {
			return zero, domain.NotFoundError{Entity: st.def.Kind, Key: fmt.Sprint(k)}
		}
		if i, ok := k.(int); ok {
			return r.Get(ctx, st.idColumn(), int64(i))
		}
		return r.Get(ctx, st.idColumn(), k.(int64))
	case string:
		if st.def.AliasColumn == "" {
			return zero, domain.NotFoundError{Entity: st.def.Kind, Key: k}
		}
		return r.Get(ctx, st.def.AliasColumn, k)
	default:
		return zero, domain.NotFoundError{Entity: st.def.Kind, Key: fmt.Sprint(key)}
	}
}

func (st *Set[E, R]) idColumn() string {
	if st.def.IDColumn == "" {
		return "id"
	}
	return st.def.IDColumn
}

// All returns every entity in the set.
func (st *Set[E, R]) All(ctx context.Context) ([]E, error) {
	r, err := st.Reader()
	if err != nil {
		return nil, err
	}
	return r.All(ctx)
}

// Each iterates the set.
func (st *Set[E, R]) Each(ctx context.Context, fn func(E) error) error {
	r, err := st.Reader()
	if err != nil {
		return err
	}
	return r.Each(ctx, fn)
}

// At returns the i-th entity.
func (st *Set[E, R]) At(ctx context.Context, i int) (E, error) {
	var zero E
	r, err := st.Reader()
	if err != nil {
		return zero, err
	}
	return r.At(ctx, i)
}

// Slice returns the entities in [start, stop).
func (st *Set[E, R]) Slice(ctx context.Context, start, stop int) ([]E, error) {
	r, err := st.Reader()
	if err != nil {
		return nil, err
	}
	return r.Slice(ctx, start, stop)
}

// Len counts the entities in the set.
func (st *Set[E, R]) Len(ctx context.Context) (int, error) {
	r, err := st.Reader()
	if err != nil {
		return 0, err
	}
	return r.Len(ctx)
}

// AcceptInt64 accepts int and int64 filter values.
func AcceptInt64(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	}
	return nil, fmt.Errorf("expected integer filter value, got %T", value)
}

// AcceptBool accepts bool filter values.
func AcceptBool(value any) (any, error) {
	if v, ok := value.(bool); ok {
		return v, nil
	}
	return nil, fmt.Errorf("expected boolean filter value, got %T", value)
}

// AcceptString accepts string filter values.
func AcceptString(value any) (any, error) {
	if v, ok := value.(string); ok {
		return v, nil
	}
	return nil, fmt.Errorf("expected string filter value, got %T", value)
}
