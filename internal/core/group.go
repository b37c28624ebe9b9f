package core

import (
	"context"
	"fmt"

	"corefacility/internal/entity"
	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

const maxGroupNameLength = 256

// Group is a scientific group. Exactly one member is its governor.
type Group struct {
	domain.Lifecycle
	id         int64
	name       string
	governorID int64
	governor   *User
}

// NewGroup returns a group in the creating state.
func NewGroup(name string, governor *User) *Group {
	g := &Group{Lifecycle: domain.NewLifecycle(domain.EntityGroup)}
	g.name = name
	_ = g.Touch("name", true)
	if governor != nil {
		g.governor = governor
		g.governorID = governor.ID()
		_ = g.Touch("governor", true)
	}
	return g
}

func (g *Group) Life() *domain.Lifecycle { return &g.Lifecycle }

func (g *Group) ID() int64         { return g.id }
func (g *Group) Name() string      { return g.name }
func (g *Group) GovernorID() int64 { return g.governorID }

func (g *Group) SetName(name string) error {
	if err := g.Touch("name", true); err != nil {
		return err
	}
	g.name = name
	return nil
}

// SetGovernor replaces the governor on the next Update.
func (g *Group) SetGovernor(u *User) error {
	if err := g.Touch("governor", true); err != nil {
		return err
	}
	g.governor = u
	g.governorID = u.ID()
	return nil
}

// Governor loads the governing user.
func (g *Group) Governor(ctx context.Context, s *entity.Session) (*User, error) {
	if g.governor != nil && g.governor.ID() == g.governorID {
		return g.governor, nil
	}
	u, err := NewUserSet(s).Get(ctx, g.governorID)
	if err != nil {
		return nil, err
	}
	g.governor = u
	return u, nil
}

// Validate implements entity.Entity.
func (g *Group) Validate() error {
	if err := domain.ValidateName(domain.EntityGroup, "name", g.name, maxGroupNameLength); err != nil {
		return err
	}
	if g.governorID == 0 {
		return domain.Required(domain.EntityGroup, "governor")
	}
	if g.governor != nil && g.governor.IsSupport() {
		return domain.Invalid(domain.EntityGroup, "governor", "the support user cannot govern groups")
	}
	return nil
}

type groupRow struct {
	ID         int64  `db:"id"`
	Name       string `db:"name"`
	GovernorID int64  `db:"governor_id"`
}

func wrapGroup(row groupRow) (*Group, error) {
	return &Group{
		Lifecycle:  domain.LoadedLifecycle(domain.EntityGroup, row),
		id:         row.ID,
		name:       row.Name,
		governorID: row.GovernorID,
	}, nil
}

var groupProvider = &entity.ModelProvider[*Group, groupRow]{
	Kind:      domain.EntityGroup,
	Table:     "core_group",
	Key:       func(g *Group) any { return g.id },
	AssignKey: func(g *Group, id int64) { g.id = id },
	Columns:   func(g *Group) map[string]any { return map[string]any{"name": g.name} },
	Fields:    map[string][]string{"name": {"name"}},
	Unique:    [][]string{{"name"}},
	Wrap:      wrapGroup,
}

// governorProvider keeps the governor membership row in step with the group.
var governorProvider = entity.ProviderFuncs[*Group]{
	Create: func(ctx context.Context, s *entity.Session, g *Group) error {
		_, err := s.Insert(ctx, "core_group_user", map[string]any{
			"group_id":    g.id,
			"user_id":     g.governorID,
			"is_governor": true,
		}, "")
		if err != nil {
			return fmt.Errorf("insert group governor: %w", err)
		}
		return nil
	},
	Update: func(ctx context.Context, s *entity.Session, g *Group) error {
		if !g.IsEdited("governor") {
			return nil
		}
		return setGovernor(ctx, s, g.id, g.governorID)
	},
}

func setGovernor(ctx context.Context, s *entity.Session, groupID, userID int64) error {
	if _, err := s.Exec(ctx, "UPDATE core_group_user SET is_governor = ? WHERE group_id = ? AND is_governor = ?", false, groupID, true); err != nil {
		return fmt.Errorf("demote governor: %w", err)
	}
	res, err := s.Exec(ctx, "UPDATE core_group_user SET is_governor = ? WHERE group_id = ? AND user_id = ?", true, groupID, userID)
	if err != nil {
		return fmt.Errorf("promote governor: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.Insert(ctx, "core_group_user", map[string]any{"group_id": groupID, "user_id": userID, "is_governor": true}, "")
	if err != nil {
		return fmt.Errorf("insert group governor: %w", err)
	}
	return nil
}

// Create stores the group and its governor membership.
func (g *Group) Create(ctx context.Context, s *entity.Session) error {
	if g.governor != nil && g.governor.State() == domain.StateCreating {
		return domain.Invalid(domain.EntityGroup, "governor", "the governor must be saved first")
	}
	return entity.Create(ctx, s, g, groupProvider, governorProvider)
}

// Update writes the edited fields.
func (g *Group) Update(ctx context.Context, s *entity.Session) error {
	return entity.Update(ctx, s, g, groupProvider, governorProvider)
}

// Delete removes the group. A group that is the root group of a project is
// only removed with force, which removes those projects too.
func (g *Group) Delete(ctx context.Context, s *entity.Session, force bool) error {
	if err := g.CheckDelete(); err != nil {
		return err
	}
	return s.RunInTransaction(ctx, func(tx *entity.Session) error {
		projects, err := NewProjectSet(tx).MustFilter("root_group", g.id).All(ctx)
		if err != nil {
			return err
		}
		if len(projects) > 0 && !force {
			return domain.ProjectRootGroupConstraintError{GroupID: g.id}
		}
		for _, p := range projects {
			if err := p.Delete(ctx, tx); err != nil {
				return err
			}
		}
		return entity.Delete(ctx, tx, g, groupProvider)
	})
}

// Users returns the membership manager of a stored group.
func (g *Group) Users() *Members { return &Members{group: g} }

// Members manages the users joined to a group.
type Members struct {
	group *Group
}

func (m *Members) check(op string, u *User) error {
	switch m.group.State() {
	case domain.StateCreating, domain.StateDeleted:
		return domain.OperationNotPermittedError{Entity: domain.EntityGroupUser, Operation: op, Reason: "group is " + m.group.State().String()}
	}
	if u == nil {
		return nil
	}
	switch u.State() {
	case domain.StateCreating, domain.StateDeleted:
		return domain.OperationNotPermittedError{Entity: domain.EntityGroupUser, Operation: op, Reason: "user is " + u.State().String()}
	}
	if u.IsSupport() {
		return domain.OperationNotPermittedError{Entity: domain.EntityGroupUser, Operation: op, Reason: "the support user cannot join groups"}
	}
	return nil
}

// Add joins u as a regular member.
func (m *Members) Add(ctx context.Context, s *entity.Session, u *User) error {
	if err := m.check("add", u); err != nil {
		return err
	}
	_, err := s.Insert(ctx, "core_group_user", map[string]any{
		"group_id":    m.group.id,
		"user_id":     u.id,
		"is_governor": false,
	}, "")
	if err != nil {
		if s.IsUniqueViolation(err) {
			return domain.DuplicatedError{Entity: domain.EntityGroupUser, Fields: []string{"user"}}
		}
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// Remove drops a regular member. The governor cannot be removed.
func (m *Members) Remove(ctx context.Context, s *entity.Session, u *User) error {
	if err := m.check("remove", u); err != nil {
		return err
	}
	if u.id == m.group.governorID {
		return domain.OperationNotPermittedError{Entity: domain.EntityGroupUser, Operation: "remove", Reason: "the governor cannot leave the group"}
	}
	res, err := s.Exec(ctx, "DELETE FROM core_group_user WHERE group_id = ? AND user_id = ?", m.group.id, u.id)
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFoundError{Entity: domain.EntityGroupUser, Key: u.login}
	}
	return nil
}

// SetGovernor makes u the governor. The previous governor stays a member.
func (m *Members) SetGovernor(ctx context.Context, s *entity.Session, u *User) error {
	if err := m.check("set governor", u); err != nil {
		return err
	}
	if err := s.RunInTransaction(ctx, func(tx *entity.Session) error {
		return setGovernor(ctx, tx, m.group.id, u.id)
	}); err != nil {
		return err
	}
	m.group.governorID = u.id
	m.group.governor = u
	return nil
}

// Contains reports whether u is joined to the group.
func (m *Members) Contains(ctx context.Context, s *entity.Session, u *User) (bool, error) {
	var n int
	if err := s.Get(ctx, &n, "SELECT COUNT(*) FROM core_group_user WHERE group_id = ? AND user_id = ?", m.group.id, u.id); err != nil {
		return false, err
	}
	return n > 0, nil
}

// All lists the members ordered by login.
func (m *Members) All(ctx context.Context, s *entity.Session) ([]*User, error) {
	if err := m.check("list", nil); err != nil {
		return nil, err
	}
	return NewUserSet(s).MustFilter("group", m.group.id).All(ctx)
}

var groupReader = &entity.ReaderDef[*Group, groupRow]{
	Kind: domain.EntityGroup,
	Initialize: func(q *entity.Query) {
		q.Items.Select("g.id", "g.name").
			SelectAs("gov.user_id", "governor_id").
			From("core_group", "g").
			Join(sqlquery.JoinInner, "core_group_user", "gov", "gov.group_id = g.id AND gov.is_governor = ?", true).
			OrderBy("g.name", sqlquery.Asc, sqlquery.NullsDefault)
		q.Count.SelectTotalCount("", "total").
			From("core_group", "g").
			Join(sqlquery.JoinInner, "core_group_user", "gov", "gov.group_id = g.id AND gov.is_governor = ?", true)
	},
	Filters: map[string]func(q *entity.Query, v any) error{
		"name": func(q *entity.Query, v any) error {
			q.Where(sqlquery.Search("g.name", v.(string), sqlquery.AnchorBoth))
			return nil
		},
		"governor": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("gov.user_id = ?", v))
			return nil
		},
		"user": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("g.id IN (SELECT gm.group_id FROM core_group_user gm WHERE gm.user_id = ?)", v))
			return nil
		},
	},
	Wrap: wrapGroup,
}

var groupSetDef = &entity.SetDef[*Group, groupRow]{
	Kind:        domain.EntityGroup,
	Reader:      groupReader,
	IDColumn:    "g.id",
	AliasColumn: "g.name",
	Filters: map[string]entity.FilterSpec{
		"name":     {Accept: entity.AcceptString},
		"governor": {Accept: entity.AcceptInt64},
		"user":     {Accept: entity.AcceptInt64},
	},
}

// NewGroupSet returns the set of all groups. Filters: name, governor (user
// id), user (member id).
func NewGroupSet(s *entity.Session) *entity.Set[*Group, groupRow] {
	return entity.NewSet(s, groupSetDef)
}
