package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"corefacility/pkg/domain"
)

// Entity is implemented by every persisted object. Concrete entities embed
// domain.Lifecycle and return it from Life.
type Entity interface {
	Life() *domain.Lifecycle
	// Validate checks required and edited fields before a write.
	Validate() error
}

// Provider translates an entity into storage writes. One entity kind may
// have several providers; they run in order inside one transaction and each
// either completes or returns an error.
type Provider[E Entity] interface {
	CreateEntity(ctx context.Context, s *Session, e E) error
	UpdateEntity(ctx context.Context, s *Session, e E) error
	DeleteEntity(ctx context.Context, s *Session, e E) error
}

// ProviderFuncs adapts plain functions to Provider. Nil functions are no-ops.
type ProviderFuncs[E Entity] struct {
	Create func(ctx context.Context, s *Session, e E) error
	Update func(ctx context.Context, s *Session, e E) error
	Delete func(ctx context.Context, s *Session, e E) error
}

// CreateEntity implements Provider.
func (p ProviderFuncs[E]) CreateEntity(ctx context.Context, s *Session, e E) error {
	if p.Create == nil {
		return nil
	}
	return p.Create(ctx, s, e)
}

// UpdateEntity implements Provider.
func (p ProviderFuncs[E]) UpdateEntity(ctx context.Context, s *Session, e E) error {
	if p.Update == nil {
		return nil
	}
	return p.Update(ctx, s, e)
}

// DeleteEntity implements Provider.
func (p ProviderFuncs[E]) DeleteEntity(ctx context.Context, s *Session, e E) error {
	if p.Delete == nil {
		return nil
	}
	return p.Delete(ctx, s, e)
}

// ModelProvider is the default SQL provider. It maps an entity onto one
// table whose rows scan into R.
type ModelProvider[E Entity, R any] struct {
	Kind  domain.EntityType
	Table string
	// KeyColumn defaults to "id".
	KeyColumn string
	Key       func(E) any
	// AssignKey receives the generated key after insert. Leave it nil when
	// the key is produced by the caller and included in Columns.
	AssignKey func(E, int64)
	// Columns returns the full row written on create.
	Columns func(E) map[string]any
	// Fields maps an edit-set field name to the columns it writes. Edited
	// fields with no entry are not persisted by this provider.
	Fields map[string][]string
	// Unique lists the column groups checked by LoadEntity before insert.
	Unique [][]string
	Wrap   func(R) (E, error)
	// Resolve handles a create that collides with an existing row. When nil
	// the collision is reported as domain.DuplicatedError.
	Resolve func(ctx context.Context, s *Session, e E, existing R) error
	// Files declares the file fields handled by AttachFile and DetachFile.
	Files map[string]FileField[E]
}

func (p *ModelProvider[E, R]) keyColumn() string {
	if p.KeyColumn == "" {
		return "id"
	}
	return p.KeyColumn
}

// UnwrapEntity returns the storage row for e.
func (p *ModelProvider[E, R]) UnwrapEntity(e E) map[string]any {
	return p.Columns(e)
}

// WrapEntity builds a LOADED entity from a storage row.
func (p *ModelProvider[E, R]) WrapEntity(row R) (E, error) {
	return p.Wrap(row)
}

// LoadEntity looks up a stored row colliding with e on any unique column
// group. It returns the columns of the group that matched.
func (p *ModelProvider[E, R]) LoadEntity(ctx context.Context, s *Session, e E) (R, []string, bool, error) {
	var zero R
	values := p.Columns(e)
	for _, group := range p.Unique {
		var conds []string
		var args []any
		for _, c := range group {
			v, ok := values[c]
			if !ok || isNull(v) {
				conds = append(conds, s.Dialect().QuoteName(c)+" IS NULL")
				continue
			}
			conds = append(conds, s.Dialect().QuoteName(c)+" = ?")
			args = append(args, v)
		}
		var row R
		query := fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT 1", p.Table, strings.Join(conds, " AND "))
		err := s.Get(ctx, &row, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return zero, nil, false, err
		}
		return row, group, true, nil
	}
	return zero, nil, false, nil
}

// ResolveConflict runs the configured conflict hook or reports a duplicate.
func (p *ModelProvider[E, R]) ResolveConflict(ctx context.Context, s *Session, e E, existing R, fields []string) error {
	if p.Resolve != nil {
		return p.Resolve(ctx, s, e, existing)
	}
	return domain.DuplicatedError{Entity: p.Kind, Fields: fields}
}

// CreateEntity implements Provider.
func (p *ModelProvider[E, R]) CreateEntity(ctx context.Context, s *Session, e E) error {
	existing, fields, found, err := p.LoadEntity(ctx, s, e)
	if err != nil {
		return err
	}
	if found {
		return p.ResolveConflict(ctx, s, e, existing, fields)
	}
	values := p.Columns(e)
	keyColumn := ""
	if p.AssignKey != nil {
		keyColumn = p.keyColumn()
	}
	id, err := s.Insert(ctx, p.Table, values, keyColumn)
	if err != nil {
		if s.IsUniqueViolation(err) {
			return domain.DuplicatedError{Entity: p.Kind}
		}
		return fmt.Errorf("insert %s: %w", p.Kind, err)
	}
	if p.AssignKey != nil {
		p.AssignKey(e, id)
	}
	e.Life().SetWrapped(values)
	return nil
}

// UpdateEntity writes the columns of every edited field.
func (p *ModelProvider[E, R]) UpdateEntity(ctx context.Context, s *Session, e E) error {
	all := p.Columns(e)
	changes := make(map[string]any)
	for _, field := range e.Life().EditedFields() {
		for _, c := range p.Fields[field] {
			changes[c] = all[c]
		}
	}
	if len(changes) == 0 {
		return nil
	}
	n, err := s.Update(ctx, p.Table, changes, p.keyColumn(), p.Key(e))
	if err != nil {
		if s.IsUniqueViolation(err) {
			return domain.DuplicatedError{Entity: p.Kind, Fields: sortedKeys(changes)}
		}
		return fmt.Errorf("update %s: %w", p.Kind, err)
	}
	if n == 0 {
		return domain.NotFoundError{Entity: p.Kind, Key: fmt.Sprint(p.Key(e))}
	}
	e.Life().SetWrapped(all)
	return nil
}

// DeleteEntity removes the row by key.
func (p *ModelProvider[E, R]) DeleteEntity(ctx context.Context, s *Session, e E) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", p.Table, s.Dialect().QuoteName(p.keyColumn()))
	res, err := s.Exec(ctx, query, p.Key(e))
	if err != nil {
		return fmt.Errorf("delete %s: %w", p.Kind, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFoundError{Entity: p.Kind, Key: fmt.Sprint(p.Key(e))}
	}
	return nil
}

func isNull(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case sql.NullString:
		return !t.Valid
	case sql.NullInt64:
		return !t.Valid
	case sql.NullTime:
		return !t.Valid
	case sql.NullBool:
		return !t.Valid
	case *int64:
		return t == nil
	case *string:
		return t == nil
	}
	return false
}
