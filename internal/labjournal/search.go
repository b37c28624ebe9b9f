package labjournal

import (
	"context"
	"encoding/json"
	"fmt"

	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

// SearchProperties holds the search form state of one user in one
// category. The properties are opaque to the server.
type SearchProperties struct {
	domain.Lifecycle
	id         int64
	projectID  int64
	categoryID int64
	userID     int64
	properties map[string]any
}

// NewSearchProperties returns search properties in the creating state.
func NewSearchProperties(category *Record, u *core.User, properties map[string]any) *SearchProperties {
	sp := &SearchProperties{
		Lifecycle:  domain.NewLifecycle(domain.EntitySearchProperties),
		projectID:  category.projectID,
		categoryID: category.id,
		userID:     u.ID(),
	}
	_ = sp.Touch("category", false)
	_ = sp.Touch("user", false)
	_ = sp.SetProperties(properties)
	return sp
}

func (sp *SearchProperties) Life() *domain.Lifecycle { return &sp.Lifecycle }

func (sp *SearchProperties) ID() int64                  { return sp.id }
func (sp *SearchProperties) CategoryID() int64          { return sp.categoryID }
func (sp *SearchProperties) UserID() int64              { return sp.userID }
func (sp *SearchProperties) Properties() map[string]any { return sp.properties }

func (sp *SearchProperties) SetProperties(v map[string]any) error {
	if err := sp.Touch("properties", true); err != nil {
		return err
	}
	if v == nil {
		v = map[string]any{}
	}
	sp.properties = v
	return nil
}

// Validate implements entity.Entity.
func (sp *SearchProperties) Validate() error {
	if sp.categoryID == 0 {
		return domain.Required(domain.EntitySearchProperties, "category")
	}
	if sp.userID == 0 {
		return domain.Required(domain.EntitySearchProperties, "user")
	}
	if _, err := json.Marshal(sp.properties); err != nil {
		return domain.Invalid(domain.EntitySearchProperties, "properties", err.Error())
	}
	return nil
}

type searchRow struct {
	ID         int64  `db:"id"`
	ProjectID  int64  `db:"project_id"`
	CategoryID int64  `db:"category_id"`
	UserID     int64  `db:"user_id"`
	Properties string `db:"properties"`
}

func wrapSearchProperties(row searchRow) (*SearchProperties, error) {
	props := map[string]any{}
	if err := json.Unmarshal([]byte(row.Properties), &props); err != nil {
		return nil, fmt.Errorf("decode search properties %d: %w", row.ID, err)
	}
	return &SearchProperties{
		Lifecycle:  domain.LoadedLifecycle(domain.EntitySearchProperties, row),
		id:         row.ID,
		projectID:  row.ProjectID,
		categoryID: row.CategoryID,
		userID:     row.UserID,
		properties: props,
	}, nil
}

func encodeProperties(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

var searchProvider = &entity.ModelProvider[*SearchProperties, searchRow]{
	Kind:      domain.EntitySearchProperties,
	Table:     "labjournal_search_properties",
	Key:       func(sp *SearchProperties) any { return sp.id },
	AssignKey: func(sp *SearchProperties, id int64) { sp.id = id },
	Columns: func(sp *SearchProperties) map[string]any {
		return map[string]any{
			"project_id":  sp.projectID,
			"category_id": sp.categoryID,
			"user_id":     sp.userID,
			"properties":  encodeProperties(sp.properties),
		}
	},
	Fields: map[string][]string{
		"properties": {"properties"},
	},
	Unique: [][]string{{"category_id", "user_id"}},
	Wrap:   wrapSearchProperties,
	// A second create for the same pair overwrites the stored properties.
	Resolve: func(ctx context.Context, s *entity.Session, sp *SearchProperties, existing searchRow) error {
		_, err := s.Update(ctx, "labjournal_search_properties", map[string]any{
			"properties": encodeProperties(sp.properties),
		}, "id", existing.ID)
		if err != nil {
			return fmt.Errorf("update search properties: %w", err)
		}
		sp.id = existing.ID
		return nil
	},
}

// Save creates or updates the properties.
func (sp *SearchProperties) Save(ctx context.Context, s *entity.Session) error {
	if sp.State() == domain.StateCreating {
		return entity.Create(ctx, s, sp, searchProvider)
	}
	return entity.Update(ctx, s, sp, searchProvider)
}

// Delete removes the properties.
func (sp *SearchProperties) Delete(ctx context.Context, s *entity.Session) error {
	return entity.Delete(ctx, s, sp, searchProvider)
}

var searchReader = &entity.ReaderDef[*SearchProperties, searchRow]{
	Kind: domain.EntitySearchProperties,
	Initialize: func(q *entity.Query) {
		q.Items.Select("sp.id", "sp.project_id", "sp.category_id", "sp.user_id", "sp.properties").
			From("labjournal_search_properties", "sp").
			OrderBy("sp.id", sqlquery.Asc, sqlquery.NullsDefault)
		q.Count.SelectTotalCount("", "total").From("labjournal_search_properties", "sp")
	},
	Filters: map[string]func(q *entity.Query, v any) error{
		"category": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("sp.category_id = ?", v))
			return nil
		},
		"user": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("sp.user_id = ?", v))
			return nil
		},
	},
	Wrap: wrapSearchProperties,
}

var searchSetDef = &entity.SetDef[*SearchProperties, searchRow]{
	Kind:     domain.EntitySearchProperties,
	Reader:   searchReader,
	IDColumn: "sp.id",
	Filters: map[string]entity.FilterSpec{
		"category": {Accept: entity.AcceptInt64},
		"user":     {Accept: entity.AcceptInt64},
	},
}

// GetSearchProperties loads the properties of u in category.
func GetSearchProperties(ctx context.Context, s *entity.Session, category *Record, u *core.User) (*SearchProperties, error) {
	return entity.NewSet(s, searchSetDef).
		MustFilter("category", category.id).
		MustFilter("user", u.ID()).
		At(ctx, 0)
}
