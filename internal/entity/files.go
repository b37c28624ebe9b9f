package entity

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"corefacility/internal/blob/core"
	"corefacility/pkg/domain"
)

// FileField binds an entity attribute holding a blob key to its column.
type FileField[E Entity] struct {
	Column string
	Get    func(E) string
	Set    func(E, string)
}

// FileKey returns the deterministic blob key of a file field:
// <kind>_<key>_<field><ext>.
func FileKey(kind domain.EntityType, key any, field, filename string) string {
	return fmt.Sprintf("%s_%v_%s%s", kind, key, field, strings.ToLower(filepath.Ext(filename)))
}

func (p *ModelProvider[E, R]) fileField(e E, field string) (FileField[E], error) {
	f, ok := p.Files[field]
	if !ok {
		return FileField[E]{}, domain.Invalid(p.Kind, field, "not a file field")
	}
	switch e.Life().State() {
	case domain.StateCreating, domain.StateDeleted:
		return FileField[E]{}, domain.OperationNotPermittedError{Entity: p.Kind, Operation: "attach " + field, Reason: "entity is " + e.Life().State().String()}
	}
	return f, nil
}

// AttachFile stores r as the new content of a file field. Any previous blob
// is removed and the column is rewritten to the new key.
func (p *ModelProvider[E, R]) AttachFile(ctx context.Context, s *Session, e E, field, filename string, r io.Reader) error {
	f, err := p.fileField(e, field)
	if err != nil {
		return err
	}
	store := s.Blobs()
	if store == nil {
		return fmt.Errorf("attach %s.%s: no blob store configured", p.Kind, field)
	}
	key := FileKey(p.Kind, p.Key(e), field, filename)
	if old := f.Get(e); old != "" {
		if _, err := store.Delete(ctx, old); err != nil {
			return fmt.Errorf("remove previous %s.%s: %w", p.Kind, field, err)
		}
	}
	if _, err := store.Delete(ctx, key); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	if _, err := store.Put(ctx, key, r, core.PutOptions{ContentType: mime.TypeByExtension(filepath.Ext(filename))}); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	if _, err := s.Update(ctx, p.Table, map[string]any{f.Column: key}, p.keyColumn(), p.Key(e)); err != nil {
		_, _ = store.Delete(ctx, key)
		return fmt.Errorf("update %s.%s: %w", p.Kind, field, err)
	}
	f.Set(e, key)
	s.Logger().Debug("file attached", zap.String("entity", string(p.Kind)), zap.String("field", field), zap.String("key", key))
	return nil
}

// DetachFile removes the blob of a file field and clears its column.
func (p *ModelProvider[E, R]) DetachFile(ctx context.Context, s *Session, e E, field string) error {
	f, err := p.fileField(e, field)
	if err != nil {
		return err
	}
	old := f.Get(e)
	if old == "" {
		return nil
	}
	if store := s.Blobs(); store != nil {
		if _, err := store.Delete(ctx, old); err != nil {
			return fmt.Errorf("remove %s: %w", old, err)
		}
	}
	if _, err := s.Update(ctx, p.Table, map[string]any{f.Column: nil}, p.keyColumn(), p.Key(e)); err != nil {
		return fmt.Errorf("update %s.%s: %w", p.Kind, field, err)
	}
	f.Set(e, "")
	return nil
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
