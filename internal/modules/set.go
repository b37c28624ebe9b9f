package modules

import (
	"corefacility/internal/entity"
	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

// ModuleSet returns the stored modules as their singletons, ordered by
// alias. Filters: entry_point (id), is_enabled, is_application, user (user
// id; keeps the enabled applications when that user exists and is not
// locked, and implies is_application=true).
// Get takes the app class. Modules are keyed by UUID, so integer keys
// are never found.
func (r *Registry) ModuleSet(s *entity.Session) *entity.Set[*Module, moduleRow] {
	reader := &entity.ReaderDef[*Module, moduleRow]{
		Kind: domain.EntityModule,
		Initialize: func(q *entity.Query) {
			q.Items.Select("m.uuid", "m.parent_entry_point_id", "m.alias", "m.name", "m.html_code",
				"m.app_class", "m.user_settings", "m.is_application", "m.is_enabled").
				From("core_module", "m").
				OrderBy("m.alias", sqlquery.Asc, sqlquery.NullsDefault)
			q.Count.SelectTotalCount("", "total").From("core_module", "m")
		},
		Filters: map[string]func(q *entity.Query, v any) error{
			"entry_point": func(q *entity.Query, v any) error {
				q.Where(sqlquery.String("m.parent_entry_point_id = ?", v))
				return nil
			},
			"is_enabled": func(q *entity.Query, v any) error {
				q.Where(sqlquery.String("m.is_enabled = ?", v))
				return nil
			},
			"is_application": func(q *entity.Query, v any) error {
				q.Where(sqlquery.String("m.is_application = ?", v))
				return nil
			},
			"user": func(q *entity.Query, v any) error {
				q.Where(sqlquery.String("m.is_enabled = ?", true))
				q.Where(sqlquery.String("EXISTS (SELECT 1 FROM core_user u WHERE u.id = ? AND u.is_locked = ?)", v, false))
				return nil
			},
		},
		Wrap: func(row moduleRow) (*Module, error) {
			m, ok := r.modules[row.AppClass]
			if !ok {
				return nil, domain.ModuleDamagedError{AppClass: row.AppClass, Reason: "no registered class"}
			}
			return m, nil
		},
	}
	def := &entity.SetDef[*Module, moduleRow]{
		Kind:        domain.EntityModule,
		Reader:      reader,
		NoIDLookup:  true,
		AliasColumn: "m.app_class",
		Filters: map[string]entity.FilterSpec{
			"entry_point":    {Accept: entity.AcceptInt64},
			"is_enabled":     {Accept: entity.AcceptBool},
			"is_application": {Accept: entity.AcceptBool},
			"user":           {Accept: entity.AcceptInt64},
		},
		OnFilter: func(set *entity.Set[*Module, moduleRow], name string, _ any) error {
			if name == "user" {
				return set.Filter("is_application", true)
			}
			return nil
		},
	}
	return entity.NewSet(s, def)
}
