package labjournal

import (
	"context"
	"fmt"

	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

// ViewedParameter is a column a user shows in the record list of a
// category. The indices of one (category, user) pair run 1..N.
type ViewedParameter struct {
	domain.Lifecycle
	id           int64
	projectID    int64
	categoryID   int64
	userID       int64
	descriptorID int64
	index        int
}

func newViewedParameter(category *Record, u *core.User, d *Descriptor) *ViewedParameter {
	v := &ViewedParameter{Lifecycle: domain.NewLifecycle(domain.EntityViewedParameter)}
	_ = v.SetCategory(category)
	_ = v.SetUser(u)
	v.descriptorID = d.id
	_ = v.Touch("descriptor", false)
	return v
}

func (v *ViewedParameter) Life() *domain.Lifecycle { return &v.Lifecycle }

func (v *ViewedParameter) ID() int64           { return v.id }
func (v *ViewedParameter) CategoryID() int64   { return v.categoryID }
func (v *ViewedParameter) UserID() int64       { return v.userID }
func (v *ViewedParameter) DescriptorID() int64 { return v.descriptorID }
func (v *ViewedParameter) Index() int          { return v.index }

// SetCategory fails once the row is stored.
func (v *ViewedParameter) SetCategory(category *Record) error {
	if err := v.Touch("category", false); err != nil {
		return err
	}
	v.categoryID = category.id
	v.projectID = category.projectID
	return nil
}

// SetUser fails once the row is stored.
func (v *ViewedParameter) SetUser(u *core.User) error {
	if err := v.Touch("user", false); err != nil {
		return err
	}
	v.userID = u.ID()
	return nil
}

// Validate implements entity.Entity.
func (v *ViewedParameter) Validate() error {
	switch {
	case v.categoryID == 0:
		return domain.Required(domain.EntityViewedParameter, "category")
	case v.userID == 0:
		return domain.Required(domain.EntityViewedParameter, "user")
	case v.descriptorID == 0:
		return domain.Required(domain.EntityViewedParameter, "descriptor")
	}
	return nil
}

type viewedRow struct {
	ID           int64 `db:"id"`
	ProjectID    int64 `db:"project_id"`
	CategoryID   int64 `db:"category_id"`
	UserID       int64 `db:"user_id"`
	DescriptorID int64 `db:"descriptor_id"`
	Index        int   `db:"idx"`
}

func wrapViewed(row viewedRow) (*ViewedParameter, error) {
	return &ViewedParameter{
		Lifecycle:    domain.LoadedLifecycle(domain.EntityViewedParameter, row),
		id:           row.ID,
		projectID:    row.ProjectID,
		categoryID:   row.CategoryID,
		userID:       row.UserID,
		descriptorID: row.DescriptorID,
		index:        row.Index,
	}, nil
}

var viewedProvider = &entity.ModelProvider[*ViewedParameter, viewedRow]{
	Kind:      domain.EntityViewedParameter,
	Table:     "labjournal_viewed_parameter",
	Key:       func(v *ViewedParameter) any { return v.id },
	AssignKey: func(v *ViewedParameter, id int64) { v.id = id },
	Columns: func(v *ViewedParameter) map[string]any {
		return map[string]any{
			"project_id":    v.projectID,
			"category_id":   v.categoryID,
			"user_id":       v.userID,
			"descriptor_id": v.descriptorID,
			"idx":           v.index,
		}
	},
	Unique: [][]string{{"category_id", "user_id", "descriptor_id"}},
	Wrap:   wrapViewed,
}

// viewedIndexProvider appends new rows at the end of their list and closes
// the gap a removed row leaves.
var viewedIndexProvider = entity.ProviderFuncs[*ViewedParameter]{
	Create: func(ctx context.Context, s *entity.Session, v *ViewedParameter) error {
		var last int
		err := s.Get(ctx, &last, "SELECT COALESCE(MAX(idx), 0) FROM labjournal_viewed_parameter WHERE category_id = ? AND user_id = ?",
			v.categoryID, v.userID)
		if err != nil {
			return err
		}
		v.index = last + 1
		return nil
	},
	Delete: func(ctx context.Context, s *entity.Session, v *ViewedParameter) error {
		return renumberViewed(ctx, s, v.categoryID, v.userID)
	},
}

func renumberViewed(ctx context.Context, s *entity.Session, categoryID, userID int64) error {
	var rows []struct {
		ID    int64 `db:"id"`
		Index int   `db:"idx"`
	}
	err := s.Select(ctx, &rows, "SELECT id, idx FROM labjournal_viewed_parameter WHERE category_id = ? AND user_id = ? ORDER BY idx, id",
		categoryID, userID)
	if err != nil {
		return err
	}
	for i, row := range rows {
		if row.Index == i+1 {
			continue
		}
		if _, err := s.Exec(ctx, "UPDATE labjournal_viewed_parameter SET idx = ? WHERE id = ?", i+1, row.ID); err != nil {
			return fmt.Errorf("renumber viewed parameters: %w", err)
		}
	}
	return nil
}

// ViewedParameters manages the viewed parameters of one user in one
// category.
type ViewedParameters struct {
	category *Record
	user     *core.User
}

// Viewed returns the viewed parameter manager of u in category.
func Viewed(category *Record, u *core.User) *ViewedParameters {
	return &ViewedParameters{category: category, user: u}
}

func (m *ViewedParameters) check(op string) error {
	switch m.category.State() {
	case domain.StateCreating, domain.StateDeleted:
		return domain.OperationNotPermittedError{Entity: domain.EntityViewedParameter, Operation: op, Reason: "category is " + m.category.State().String()}
	}
	if m.category.typ != TypeCategory {
		return domain.Invalid(domain.EntityViewedParameter, "category", "viewed parameters belong to categories")
	}
	return nil
}

// Add appends d to the list.
func (m *ViewedParameters) Add(ctx context.Context, s *entity.Session, d *Descriptor) (*ViewedParameter, error) {
	if err := m.check("add"); err != nil {
		return nil, err
	}
	if d.State() == domain.StateCreating || d.State() == domain.StateDeleted {
		return nil, domain.OperationNotPermittedError{Entity: domain.EntityViewedParameter, Operation: "add", Reason: "descriptor is " + d.State().String()}
	}
	if d.projectID != m.category.projectID {
		return nil, domain.Invalid(domain.EntityViewedParameter, "descriptor", "the descriptor belongs to another project")
	}
	v := newViewedParameter(m.category, m.user, d)
	if err := entity.Create(ctx, s, v, viewedIndexProvider, viewedProvider); err != nil {
		return nil, err
	}
	return v, nil
}

// Remove deletes v and renumbers the rest.
func (m *ViewedParameters) Remove(ctx context.Context, s *entity.Session, v *ViewedParameter) error {
	if v.categoryID != m.category.id || v.userID != m.user.ID() {
		return domain.Invalid(domain.EntityViewedParameter, "category", "the parameter belongs to another list")
	}
	return entity.Delete(ctx, s, v, viewedProvider, viewedIndexProvider)
}

// Swap exchanges the positions of a and b.
func (m *ViewedParameters) Swap(ctx context.Context, s *entity.Session, a, b *ViewedParameter) error {
	for _, v := range []*ViewedParameter{a, b} {
		if v.State() == domain.StateCreating || v.State() == domain.StateDeleted {
			return domain.OperationNotPermittedError{Entity: domain.EntityViewedParameter, Operation: "swap", Reason: "parameter is " + v.State().String()}
		}
		if v.categoryID != m.category.id || v.userID != m.user.ID() {
			return domain.OperationNotPermittedError{Entity: domain.EntityViewedParameter, Operation: "swap", Reason: "parameters belong to different lists"}
		}
	}
	err := s.RunInTransaction(ctx, func(tx *entity.Session) error {
		if _, err := tx.Exec(ctx, "UPDATE labjournal_viewed_parameter SET idx = ? WHERE id = ?", b.index, a.id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "UPDATE labjournal_viewed_parameter SET idx = ? WHERE id = ?", a.index, b.id)
		return err
	})
	if err != nil {
		return fmt.Errorf("swap viewed parameters: %w", err)
	}
	a.index, b.index = b.index, a.index
	return nil
}

// All lists the parameters in display order.
func (m *ViewedParameters) All(ctx context.Context, s *entity.Session) ([]*ViewedParameter, error) {
	return NewViewedParameterSet(s).
		MustFilter("category", m.category.id).
		MustFilter("user", m.user.ID()).
		All(ctx)
}

var viewedReader = &entity.ReaderDef[*ViewedParameter, viewedRow]{
	Kind: domain.EntityViewedParameter,
	Initialize: func(q *entity.Query) {
		q.Items.Select("v.id", "v.project_id", "v.category_id", "v.user_id", "v.descriptor_id", "v.idx").
			From("labjournal_viewed_parameter", "v").
			OrderBy("v.idx", sqlquery.Asc, sqlquery.NullsDefault)
		q.Count.SelectTotalCount("", "total").From("labjournal_viewed_parameter", "v")
	},
	Filters: map[string]func(q *entity.Query, v any) error{
		"category": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("v.category_id = ?", v))
			return nil
		},
		"user": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("v.user_id = ?", v))
			return nil
		},
	},
	Wrap: wrapViewed,
}

var viewedSetDef = &entity.SetDef[*ViewedParameter, viewedRow]{
	Kind:     domain.EntityViewedParameter,
	Reader:   viewedReader,
	IDColumn: "v.id",
	Filters: map[string]entity.FilterSpec{
		"category": {Accept: entity.AcceptInt64},
		"user":     {Accept: entity.AcceptInt64},
	},
}

// NewViewedParameterSet returns every viewed parameter in index order.
// Filters: category, user.
func NewViewedParameterSet(s *entity.Session) *entity.Set[*ViewedParameter, viewedRow] {
	return entity.NewSet(s, viewedSetDef)
}
