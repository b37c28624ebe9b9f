package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"corefacility/internal/entity"
	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

const (
	maxProjectAliasLength = 64
	maxProjectNameLength  = 256
)

// AccessLevel is the access a group has to a project.
type AccessLevel string

// Access levels from weakest to strongest.
const (
	AccessNoAccess    AccessLevel = "no_access"
	AccessDataView    AccessLevel = "data_view"
	AccessDataProcess AccessLevel = "data_process"
	AccessDataAdd     AccessLevel = "data_add"
	AccessDataFull    AccessLevel = "data_full"
	AccessFull        AccessLevel = "full"
)

var accessRank = map[AccessLevel]int{
	AccessNoAccess:    0,
	AccessDataView:    1,
	AccessDataProcess: 2,
	AccessDataAdd:     3,
	AccessDataFull:    4,
	AccessFull:        5,
}

// Valid reports whether l is a known level.
func (l AccessLevel) Valid() bool {
	_, ok := accessRank[l]
	return ok
}

// AtLeast reports whether l grants everything other grants.
func (l AccessLevel) AtLeast(other AccessLevel) bool {
	return accessRank[l] >= accessRank[other]
}

// Project is a research project owned by its root group.
type Project struct {
	domain.Lifecycle
	id          int64
	alias       string
	name        string
	description string
	avatar      string
	rootGroupID int64
	rootGroup   *Group
	projectDir  string
	unixGroup   string
}

// NewProject returns a project in the creating state.
func NewProject(alias, name string, root *Group) *Project {
	p := &Project{Lifecycle: domain.NewLifecycle(domain.EntityProject)}
	p.alias, p.name = alias, name
	_ = p.Touch("alias", true)
	_ = p.Touch("name", true)
	if root != nil {
		_ = p.SetRootGroup(root)
	}
	return p
}

func (p *Project) Life() *domain.Lifecycle { return &p.Lifecycle }

func (p *Project) ID() int64           { return p.id }
func (p *Project) Alias() string       { return p.alias }
func (p *Project) Name() string        { return p.name }
func (p *Project) Description() string { return p.description }
func (p *Project) Avatar() string      { return p.avatar }
func (p *Project) RootGroupID() int64  { return p.rootGroupID }
func (p *Project) ProjectDir() string  { return p.projectDir }
func (p *Project) UnixGroup() string   { return p.unixGroup }

func (p *Project) SetAlias(v string) error {
	if err := p.Touch("alias", true); err != nil {
		return err
	}
	p.alias = v
	return nil
}

func (p *Project) SetName(v string) error {
	if err := p.Touch("name", true); err != nil {
		return err
	}
	p.name = v
	return nil
}

func (p *Project) SetDescription(v string) error {
	if err := p.Touch("description", true); err != nil {
		return err
	}
	p.description = v
	return nil
}

// SetRootGroup changes the owning group.
func (p *Project) SetRootGroup(g *Group) error {
	if err := p.Touch("root_group", true); err != nil {
		return err
	}
	p.rootGroup = g
	p.rootGroupID = g.ID()
	return nil
}

// SetProjectDir records the project data directory.
func (p *Project) SetProjectDir(dir string) error {
	if err := p.Touch("project_dir", true); err != nil {
		return err
	}
	p.projectDir = dir
	return nil
}

// RootGroup loads the owning group.
func (p *Project) RootGroup(ctx context.Context, s *entity.Session) (*Group, error) {
	if p.rootGroup != nil && p.rootGroup.ID() == p.rootGroupID {
		return p.rootGroup, nil
	}
	g, err := NewGroupSet(s).Get(ctx, p.rootGroupID)
	if err != nil {
		return nil, err
	}
	p.rootGroup = g
	return g, nil
}

// Governor is the governor of the root group.
func (p *Project) Governor(ctx context.Context, s *entity.Session) (*User, error) {
	g, err := p.RootGroup(ctx, s)
	if err != nil {
		return nil, err
	}
	return g.Governor(ctx, s)
}

// Validate implements entity.Entity.
func (p *Project) Validate() error {
	if err := domain.ValidateSlug(domain.EntityProject, "alias", p.alias, maxProjectAliasLength); err != nil {
		return err
	}
	if err := domain.ValidateName(domain.EntityProject, "name", p.name, maxProjectNameLength); err != nil {
		return err
	}
	if p.rootGroupID == 0 {
		return domain.Required(domain.EntityProject, "root_group")
	}
	return nil
}

type projectRow struct {
	ID          int64          `db:"id"`
	Alias       string         `db:"alias"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
	Avatar      sql.NullString `db:"avatar"`
	RootGroupID int64          `db:"root_group_id"`
	ProjectDir  sql.NullString `db:"project_dir"`
	UnixGroup   sql.NullString `db:"unix_group"`
}

func wrapProject(row projectRow) (*Project, error) {
	return &Project{
		Lifecycle:   domain.LoadedLifecycle(domain.EntityProject, row),
		id:          row.ID,
		alias:       row.Alias,
		name:        row.Name,
		description: row.Description.String,
		avatar:      row.Avatar.String,
		rootGroupID: row.RootGroupID,
		projectDir:  row.ProjectDir.String,
		unixGroup:   row.UnixGroup.String,
	}, nil
}

var projectProvider = &entity.ModelProvider[*Project, projectRow]{
	Kind:      domain.EntityProject,
	Table:     "core_project",
	Key:       func(p *Project) any { return p.id },
	AssignKey: func(p *Project, id int64) { p.id = id },
	Columns: func(p *Project) map[string]any {
		return map[string]any{
			"alias":         p.alias,
			"name":          p.name,
			"description":   nullable(p.description),
			"avatar":        nullable(p.avatar),
			"root_group_id": p.rootGroupID,
			"project_dir":   nullable(p.projectDir),
			"unix_group":    nullable(p.unixGroup),
		}
	},
	Fields: map[string][]string{
		"alias":       {"alias"},
		"name":        {"name"},
		"description": {"description"},
		"root_group":  {"root_group_id"},
		"project_dir": {"project_dir"},
	},
	Unique: [][]string{{"alias"}, {"name"}},
	Wrap:   wrapProject,
	Files: map[string]entity.FileField[*Project]{
		"avatar": {
			Column: "avatar",
			Get:    func(p *Project) string { return p.avatar },
			Set:    func(p *Project, v string) { p.avatar = v },
		},
	},
}

// rootAccessProvider drops explicit permission rows of a new root group; the
// root group always has full access.
var rootAccessProvider = entity.ProviderFuncs[*Project]{
	Update: func(ctx context.Context, s *entity.Session, p *Project) error {
		if !p.IsEdited("root_group") {
			return nil
		}
		_, err := s.Exec(ctx, "DELETE FROM core_project_permission WHERE project_id = ? AND group_id = ?", p.id, p.rootGroupID)
		return err
	},
}

// Create stores a new project.
func (p *Project) Create(ctx context.Context, s *entity.Session) error {
	if p.rootGroup != nil && p.rootGroup.State() == domain.StateCreating {
		return domain.Invalid(domain.EntityProject, "root_group", "the root group must be saved first")
	}
	return entity.Create(ctx, s, p, projectProvider)
}

// Update writes the edited fields.
func (p *Project) Update(ctx context.Context, s *entity.Session) error {
	return entity.Update(ctx, s, p, projectProvider, rootAccessProvider)
}

// Delete removes the project with its permissions and journal.
func (p *Project) Delete(ctx context.Context, s *entity.Session) error {
	return entity.Delete(ctx, s, p, projectProvider)
}

// AttachAvatar stores the project avatar.
func (p *Project) AttachAvatar(ctx context.Context, s *entity.Session, filename string, r io.Reader) error {
	return projectProvider.AttachFile(ctx, s, p, "avatar", filename, r)
}

// DetachAvatar removes the project avatar.
func (p *Project) DetachAvatar(ctx context.Context, s *entity.Session) error {
	return projectProvider.DetachFile(ctx, s, p, "avatar")
}

// Permissions returns the access manager of a stored project.
func (p *Project) Permissions() *Permissions { return &Permissions{project: p} }

// Permission is one row of the access matrix.
type Permission struct {
	GroupID int64       `db:"group_id"`
	Level   AccessLevel `db:"access_level"`
}

// Permissions manages the per-group access levels of a project.
type Permissions struct {
	project *Project
}

func (m *Permissions) check(op string, g *Group) error {
	switch m.project.State() {
	case domain.StateCreating, domain.StateDeleted:
		return domain.OperationNotPermittedError{Entity: domain.EntityProjectPermission, Operation: op, Reason: "project is " + m.project.State().String()}
	}
	if g != nil && (g.State() == domain.StateCreating || g.State() == domain.StateDeleted) {
		return domain.OperationNotPermittedError{Entity: domain.EntityProjectPermission, Operation: op, Reason: "group is " + g.State().String()}
	}
	return nil
}

// Set grants level to g. The root group cannot be set below full.
func (m *Permissions) Set(ctx context.Context, s *entity.Session, g *Group, level AccessLevel) error {
	if err := m.check("set", g); err != nil {
		return err
	}
	if !level.Valid() {
		return domain.Invalid(domain.EntityProjectPermission, "access_level", fmt.Sprintf("unknown access level %q", level))
	}
	if g.ID() == m.project.rootGroupID {
		if level != AccessFull {
			return domain.OperationNotPermittedError{Entity: domain.EntityProjectPermission, Operation: "set", Reason: "the root group always has full access"}
		}
		return nil
	}
	return s.RunInTransaction(ctx, func(tx *entity.Session) error {
		res, err := tx.Exec(ctx, "UPDATE core_project_permission SET access_level = ? WHERE project_id = ? AND group_id = ?", string(level), m.project.id, g.ID())
		if err != nil {
			return fmt.Errorf("update permission: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}
		_, err = tx.Insert(ctx, "core_project_permission", map[string]any{
			"project_id":   m.project.id,
			"group_id":     g.ID(),
			"access_level": string(level),
		}, "")
		if err != nil {
			return fmt.Errorf("insert permission: %w", err)
		}
		return nil
	})
}

// Remove revokes the explicit level of g.
func (m *Permissions) Remove(ctx context.Context, s *entity.Session, g *Group) error {
	if err := m.check("remove", g); err != nil {
		return err
	}
	if g.ID() == m.project.rootGroupID {
		return domain.OperationNotPermittedError{Entity: domain.EntityProjectPermission, Operation: "remove", Reason: "the root group always has full access"}
	}
	res, err := s.Exec(ctx, "DELETE FROM core_project_permission WHERE project_id = ? AND group_id = ?", m.project.id, g.ID())
	if err != nil {
		return fmt.Errorf("remove permission: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NotFoundError{Entity: domain.EntityProjectPermission, Key: g.Name()}
	}
	return nil
}

// Level returns the access level of g.
func (m *Permissions) Level(ctx context.Context, s *entity.Session, g *Group) (AccessLevel, error) {
	if g.ID() == m.project.rootGroupID {
		return AccessFull, nil
	}
	var level string
	err := s.Get(ctx, &level, "SELECT access_level FROM core_project_permission WHERE project_id = ? AND group_id = ?", m.project.id, g.ID())
	if errors.Is(err, sql.ErrNoRows) {
		return AccessNoAccess, nil
	}
	if err != nil {
		return "", err
	}
	return AccessLevel(level), nil
}

// All lists the access matrix, root group first.
func (m *Permissions) All(ctx context.Context, s *entity.Session) ([]Permission, error) {
	if err := m.check("list", nil); err != nil {
		return nil, err
	}
	var rows []Permission
	if err := s.Select(ctx, &rows, "SELECT group_id, access_level FROM core_project_permission WHERE project_id = ? ORDER BY group_id", m.project.id); err != nil {
		return nil, err
	}
	return append([]Permission{{GroupID: m.project.rootGroupID, Level: AccessFull}}, rows...), nil
}

// UserLevel returns the strongest level u holds through any of its groups.
func (m *Permissions) UserLevel(ctx context.Context, s *entity.Session, u *User) (AccessLevel, error) {
	if u.IsSuperuser() {
		return AccessFull, nil
	}
	var n int
	if err := s.Get(ctx, &n, "SELECT COUNT(*) FROM core_group_user WHERE group_id = ? AND user_id = ?", m.project.rootGroupID, u.ID()); err != nil {
		return "", err
	}
	if n > 0 {
		return AccessFull, nil
	}
	var levels []string
	err := s.Select(ctx, &levels, `SELECT pp.access_level FROM core_project_permission pp
		INNER JOIN core_group_user gu ON gu.group_id = pp.group_id
		WHERE pp.project_id = ? AND gu.user_id = ?`, m.project.id, u.ID())
	if err != nil {
		return "", err
	}
	best := AccessNoAccess
	for _, l := range levels {
		if lvl := AccessLevel(l); lvl.AtLeast(best) {
			best = lvl
		}
	}
	return best, nil
}

var projectReader = &entity.ReaderDef[*Project, projectRow]{
	Kind: domain.EntityProject,
	Initialize: func(q *entity.Query) {
		q.Items.Select("p.id", "p.alias", "p.name", "p.description", "p.avatar", "p.root_group_id", "p.project_dir", "p.unix_group").
			From("core_project", "p").
			OrderBy("p.name", sqlquery.Asc, sqlquery.NullsDefault)
		q.Count.SelectTotalCount("", "total").From("core_project", "p")
	},
	Filters: map[string]func(q *entity.Query, v any) error{
		"name": func(q *entity.Query, v any) error {
			q.Where(sqlquery.Search("p.name", v.(string), sqlquery.AnchorBoth))
			return nil
		},
		"root_group": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("p.root_group_id = ?", v))
			return nil
		},
		"user": func(q *entity.Query, v any) error {
			q.Where(sqlquery.Or(
				sqlquery.String("p.root_group_id IN (SELECT gu.group_id FROM core_group_user gu WHERE gu.user_id = ?)", v),
				sqlquery.String(`p.id IN (SELECT pp.project_id FROM core_project_permission pp
					INNER JOIN core_group_user gu ON gu.group_id = pp.group_id
					WHERE gu.user_id = ? AND pp.access_level <> ?)`, v, string(AccessNoAccess)),
			))
			return nil
		},
	},
	Wrap: wrapProject,
}

var projectSetDef = &entity.SetDef[*Project, projectRow]{
	Kind:        domain.EntityProject,
	Reader:      projectReader,
	IDColumn:    "p.id",
	AliasColumn: "p.alias",
	Filters: map[string]entity.FilterSpec{
		"name":       {Accept: entity.AcceptString},
		"root_group": {Accept: entity.AcceptInt64},
		"user":       {Accept: entity.AcceptInt64},
	},
}

// NewProjectSet returns the set of all projects. Filters: name, root_group
// (group id), user (projects visible to a user id).
func NewProjectSet(s *entity.Session) *entity.Set[*Project, projectRow] {
	return entity.NewSet(s, projectSetDef)
}
