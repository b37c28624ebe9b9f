package core

import (
	"context"
	"errors"

	"corefacility/internal/entity"
	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

var userColumns = []string{
	"u.id", "u.login", "u.name", "u.surname", "u.email", "u.phone",
	"u.password_hash", "u.activation_code_hash", "u.activation_code_expiry_date",
	"u.is_locked", "u.is_superuser", "u.is_support", "u.avatar", "u.unix_group", "u.home_dir",
}

var userReader = &entity.ReaderDef[*User, userRow]{
	Kind: domain.EntityUser,
	Initialize: func(q *entity.Query) {
		q.Items.Select(userColumns...).
			From("core_user", "u").
			OrderBy("u.login", sqlquery.Asc, sqlquery.NullsDefault)
		q.Count.SelectTotalCount("", "total").From("core_user", "u")
	},
	Filters: map[string]func(q *entity.Query, v any) error{
		"name": func(q *entity.Query, v any) error {
			name := v.(string)
			q.Where(sqlquery.Or(
				sqlquery.Search("u.login", name, sqlquery.AnchorStart),
				sqlquery.Search("u.name", name, sqlquery.AnchorStart),
				sqlquery.Search("u.surname", name, sqlquery.AnchorStart),
			))
			return nil
		},
		"is_support": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("u.is_support = ?", v))
			return nil
		},
		"is_locked": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("u.is_locked = ?", v))
			return nil
		},
		"group": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("u.id IN (SELECT gu.user_id FROM core_group_user gu WHERE gu.group_id = ?)", v))
			return nil
		},
		"email": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("u.email = ?", v))
			return nil
		},
	},
	Wrap: wrapUser,
}

var userSetDef = &entity.SetDef[*User, userRow]{
	Kind:        domain.EntityUser,
	Reader:      userReader,
	IDColumn:    "u.id",
	AliasColumn: "u.login",
	Filters: map[string]entity.FilterSpec{
		"name":       {Accept: entity.AcceptString},
		"is_support": {Accept: entity.AcceptBool},
		"is_locked":  {Accept: entity.AcceptBool},
		"group":      {Accept: entity.AcceptInt64},
		"email":      {Accept: entity.AcceptString},
	},
}

// NewUserSet returns the set of all users. Integer keys look up ids and
// string keys look up logins. Filters: name, is_support, is_locked, group
// (group id), email.
func NewUserSet(s *entity.Session) *entity.Set[*User, userRow] {
	return entity.NewSet(s, userSetDef)
}

// SupportUser loads the support account, creating it on first use.
func SupportUser(ctx context.Context, s *entity.Session) (*User, error) {
	u, err := NewUserSet(s).Get(ctx, SupportLogin)
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		return u, err
	}
	u = NewSupportUser()
	if err := u.Create(ctx, s); err != nil {
		return nil, err
	}
	return u, nil
}
