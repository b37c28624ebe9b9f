// Package labjournal implements the laboratory journal of a project: the
// record tree with its parent interval maintenance, per-user checked marks,
// hashtags, parameter descriptors, viewed parameters and search properties.
package labjournal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/pkg/domain"
)

const (
	maxAliasLength         = 64
	maxNameLength          = 256
	maxBaseDirectoryLength = 256
)

// RecordType discriminates the record variants.
type RecordType string

// Record types. The root record of a project is a category at level 0.
const (
	TypeCategory RecordType = "C"
	TypeData     RecordType = "D"
	TypeService  RecordType = "S"
)

// variant lists the fields a record type carries.
type variant struct {
	alias         bool
	name          bool
	datetime      bool
	baseDirectory bool
}

var variants = map[RecordType]variant{
	TypeCategory: {alias: true, baseDirectory: true},
	TypeData:     {alias: true, datetime: true},
	TypeService:  {name: true, datetime: true},
}

// position is the stored placement of a record.
type position struct {
	parentID  int64
	projectID int64
	level     int
}

// Record is a node of the journal tree.
type Record struct {
	domain.Lifecycle
	id            int64
	projectID     int64
	project       *core.Project
	level         int
	typ           RecordType
	alias         string
	name          string
	parentID      int64
	parent        *Record
	datetime      *time.Time
	finishTime    *time.Time
	comments      string
	baseDirectory string
	custom        map[string]any
	relativeTime  *time.Duration
	checked       bool
	stored        position
}

// Root loads the root record of project, creating it on first use.
func Root(ctx context.Context, s *entity.Session, project *core.Project) (*Record, error) {
	if project == nil || project.ID() == 0 {
		return nil, domain.Required(domain.EntityRecord, "project")
	}
	var root *Record
	err := s.RunInTransaction(ctx, func(tx *entity.Session) error {
		var row recordRow
		err := tx.Get(ctx, &row, "SELECT * FROM labjournal_record WHERE project_id = ? AND parent_category_id IS NULL", project.ID())
		if err == nil {
			root, err = wrapRecord(row)
			return err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		id, err := tx.Insert(ctx, "labjournal_record", map[string]any{
			"project_id":        project.ID(),
			"level":             0,
			"type":              string(TypeCategory),
			"custom_parameters": "{}",
		}, "id")
		if err != nil {
			return fmt.Errorf("create journal root: %w", err)
		}
		root = &Record{
			Lifecycle: domain.LoadedLifecycle(domain.EntityRecord, nil),
			id:        id,
			projectID: project.ID(),
			typ:       TypeCategory,
			custom:    map[string]any{},
		}
		root.stored = root.position()
		return nil
	})
	if err != nil {
		return nil, err
	}
	root.project = project
	return root, nil
}

func newRecord(parent *Record, typ RecordType) *Record {
	r := &Record{Lifecycle: domain.NewLifecycle(domain.EntityRecord), typ: typ, custom: map[string]any{}}
	if parent != nil {
		_ = r.SetParent(parent)
	}
	return r
}

// NewCategory returns a category under parent in the creating state.
func NewCategory(parent *Record, alias string) *Record {
	r := newRecord(parent, TypeCategory)
	_ = r.SetAlias(alias)
	return r
}

// NewData returns a data record under parent in the creating state.
func NewData(parent *Record, alias string, datetime time.Time) *Record {
	r := newRecord(parent, TypeData)
	_ = r.SetAlias(alias)
	_ = r.SetDatetime(datetime)
	return r
}

// NewService returns a service record under parent in the creating state.
func NewService(parent *Record, name string, datetime time.Time) *Record {
	r := newRecord(parent, TypeService)
	_ = r.SetName(name)
	_ = r.SetDatetime(datetime)
	return r
}

func (r *Record) Life() *domain.Lifecycle { return &r.Lifecycle }

func (r *Record) ID() int64              { return r.id }
func (r *Record) ProjectID() int64       { return r.projectID }
func (r *Record) Level() int             { return r.level }
func (r *Record) Type() RecordType       { return r.typ }
func (r *Record) Alias() string          { return r.alias }
func (r *Record) Name() string           { return r.name }
func (r *Record) ParentID() int64        { return r.parentID }
func (r *Record) Datetime() *time.Time   { return r.datetime }
func (r *Record) FinishTime() *time.Time { return r.finishTime }
func (r *Record) Comments() string       { return r.comments }
func (r *Record) BaseDirectory() string  { return r.baseDirectory }
func (r *Record) Checked() bool          { return r.checked }
func (r *Record) IsRoot() bool           { return r.level == 0 && r.parentID == 0 && r.State() != domain.StateCreating }
func (r *Record) IsCategory() bool       { return r.typ == TypeCategory }

// RelativeTime is the offset from the parent category start. It is nil
// under the root.
func (r *Record) RelativeTime() *time.Duration { return r.relativeTime }

// CustomParameters returns a copy of the custom parameter map.
func (r *Record) CustomParameters() map[string]any {
	out := make(map[string]any, len(r.custom))
	for k, v := range r.custom {
		out[k] = v
	}
	return out
}

func (r *Record) position() position {
	return position{parentID: r.parentID, projectID: r.projectID, level: r.level}
}

func (r *Record) forbid(op, reason string) error {
	return domain.OperationNotPermittedError{Entity: domain.EntityRecord, Operation: op, Reason: reason}
}

func (r *Record) SetAlias(v string) error {
	if !variants[r.typ].alias {
		return r.forbid("set alias", "service records have no alias")
	}
	if r.IsRoot() {
		return r.forbid("set alias", "the root record has no alias")
	}
	if err := r.Touch("alias", true); err != nil {
		return err
	}
	r.alias = v
	return nil
}

func (r *Record) SetName(v string) error {
	if !variants[r.typ].name {
		return r.forbid("set name", "only service records have a name")
	}
	if err := r.Touch("name", true); err != nil {
		return err
	}
	r.name = v
	return nil
}

// SetDatetime sets the record time of data and service records. Category
// intervals are maintained from their children.
func (r *Record) SetDatetime(t time.Time) error {
	if !variants[r.typ].datetime {
		return r.forbid("set datetime", "category intervals are computed from their children")
	}
	if err := r.Touch("datetime", true); err != nil {
		return err
	}
	t = t.UTC().Truncate(time.Microsecond)
	r.datetime = &t
	return nil
}

func (r *Record) SetComments(v string) error {
	if err := r.Touch("comments", true); err != nil {
		return err
	}
	r.comments = v
	return nil
}

func (r *Record) SetBaseDirectory(v string) error {
	if !variants[r.typ].baseDirectory {
		return r.forbid("set base_directory", "only categories have a base directory")
	}
	if err := r.Touch("base_directory", true); err != nil {
		return err
	}
	r.baseDirectory = v
	return nil
}

// SetCustomParameter assigns a value to the parameter named by identifier.
// A nil value removes the parameter. Values are checked against the
// project's descriptors on save.
func (r *Record) SetCustomParameter(identifier string, value any) error {
	if r.IsRoot() {
		return r.forbid("set custom_parameters", "the root record has no parameters")
	}
	if err := r.Touch("custom_parameters", true); err != nil {
		return err
	}
	if value == nil {
		delete(r.custom, identifier)
		return nil
	}
	r.custom[identifier] = value
	return nil
}

// SetParent moves the record under parent. Moving to another project is
// permitted only when parent is that project's root.
func (r *Record) SetParent(parent *Record) error {
	if r.IsRoot() {
		return r.forbid("set parent", "the root record cannot be moved")
	}
	if parent == nil {
		return domain.Required(domain.EntityRecord, "parent_category")
	}
	if parent.typ != TypeCategory {
		return domain.Invalid(domain.EntityRecord, "parent_category", "the parent must be a category")
	}
	if r.State() != domain.StateCreating {
		switch parent.State() {
		case domain.StateCreating, domain.StateDeleted:
			return domain.Invalid(domain.EntityRecord, "parent_category", "the parent category must be saved")
		}
		if parent.projectID != r.projectID && !parent.IsRoot() {
			return domain.Invalid(domain.EntityRecord, "parent_category", "records move to another project only under its root")
		}
	}
	if err := r.Touch("parent", true); err != nil {
		return err
	}
	r.parent = parent
	r.adopt()
	return nil
}

func (r *Record) adopt() {
	r.parentID = r.parent.id
	r.projectID = r.parent.projectID
	r.project = r.parent.project
	r.level = r.parent.level + 1
}

// Parent loads the parent category.
func (r *Record) Parent(ctx context.Context, s *entity.Session) (*Record, error) {
	if r.parentID == 0 {
		return nil, domain.NotFoundError{Entity: domain.EntityRecord, Key: "parent of root"}
	}
	if r.parent != nil && r.parent.id == r.parentID {
		return r.parent, nil
	}
	p, err := loadRecord(ctx, s, r.parentID)
	if err != nil {
		return nil, err
	}
	r.parent = p
	return p, nil
}

// Project loads the owning project.
func (r *Record) Project(ctx context.Context, s *entity.Session) (*core.Project, error) {
	if r.project != nil && r.project.ID() == r.projectID {
		return r.project, nil
	}
	p, err := core.NewProjectSet(s).Get(ctx, r.projectID)
	if err != nil {
		return nil, err
	}
	r.project = p
	return p, nil
}

// Path returns the slash-separated alias path from the root. Service
// records contribute their name.
func (r *Record) Path(ctx context.Context, s *entity.Session) (string, error) {
	var parts []string
	cur := r
	for cur.parentID != 0 {
		part := cur.alias
		if cur.typ == TypeService {
			part = cur.name
		}
		parts = append(parts, part)
		p, err := cur.Parent(ctx, s)
		if err != nil {
			return "", err
		}
		cur = p
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString("/")
		b.WriteString(parts[i])
	}
	if b.Len() == 0 {
		return "/", nil
	}
	return b.String(), nil
}

// Validate implements entity.Entity.
func (r *Record) Validate() error {
	v, ok := variants[r.typ]
	if !ok {
		return domain.Invalid(domain.EntityRecord, "type", fmt.Sprintf("unknown record type %q", r.typ))
	}
	if err := domain.ValidateMaxLength(domain.EntityRecord, "base_directory", r.baseDirectory, maxBaseDirectoryLength); err != nil {
		return err
	}
	if r.IsRoot() {
		return nil
	}
	if r.parentID == 0 {
		return domain.Required(domain.EntityRecord, "parent_category")
	}
	if v.alias {
		if err := domain.ValidateSlug(domain.EntityRecord, "alias", r.alias, maxAliasLength); err != nil {
			return err
		}
	}
	if v.name {
		if err := domain.ValidateName(domain.EntityRecord, "name", r.name, maxNameLength); err != nil {
			return err
		}
	}
	if v.datetime && r.datetime == nil {
		return domain.Required(domain.EntityRecord, "datetime")
	}
	return nil
}

// Create stores a new record under its parent.
func (r *Record) Create(ctx context.Context, s *entity.Session) error {
	if r.parent == nil {
		return domain.Required(domain.EntityRecord, "parent_category")
	}
	switch r.parent.State() {
	case domain.StateCreating, domain.StateDeleted:
		return domain.Invalid(domain.EntityRecord, "parent_category", "the parent category must be saved")
	}
	r.adopt()
	if err := entity.Create(ctx, s, r, recordCheckProvider, recordProvider, recordIntervalProvider); err != nil {
		return err
	}
	r.stored = r.position()
	r.refreshRelativeTime()
	return nil
}

// Update writes the edited fields. Moving a category shifts its subtree.
func (r *Record) Update(ctx context.Context, s *entity.Session) error {
	if err := entity.Update(ctx, s, r, recordCheckProvider, recordProvider, recordSubtreeProvider, recordIntervalProvider); err != nil {
		return err
	}
	r.stored = r.position()
	r.refreshRelativeTime()
	return nil
}

// Delete removes the record and its subtree. The root cannot be deleted.
func (r *Record) Delete(ctx context.Context, s *entity.Session) error {
	if r.IsRoot() {
		return r.forbid("delete", "the root record cannot be deleted")
	}
	return entity.Delete(ctx, s, r, recordViewProvider, recordProvider, recordIntervalProvider)
}

func (r *Record) refreshRelativeTime() {
	r.relativeTime = nil
	if r.datetime == nil || r.parent == nil || r.parent.IsRoot() || r.parent.datetime == nil {
		return
	}
	d := r.datetime.Sub(*r.parent.datetime)
	r.relativeTime = &d
}

// SetChecked sets or clears the mark of u on the record. Only the project
// leader may set marks; a user clears only their own mark.
func (r *Record) SetChecked(ctx context.Context, s *entity.Session, u *core.User, checked bool) error {
	switch r.State() {
	case domain.StateCreating, domain.StateDeleted:
		return domain.OperationNotPermittedError{Entity: domain.EntityCheckedRecord, Operation: "check", Reason: "record is " + r.State().String()}
	}
	if !checked {
		if _, err := s.Exec(ctx, "DELETE FROM labjournal_checked_record WHERE record_id = ? AND user_id = ?", r.id, u.ID()); err != nil {
			return fmt.Errorf("uncheck record: %w", err)
		}
		r.checked = false
		return nil
	}
	project, err := r.Project(ctx, s)
	if err != nil {
		return err
	}
	leader, err := project.Governor(ctx, s)
	if err != nil {
		return err
	}
	if leader.ID() != u.ID() {
		return domain.OperationNotPermittedError{Entity: domain.EntityCheckedRecord, Operation: "check", Reason: "only the project leader may check records"}
	}
	_, err = s.Insert(ctx, "labjournal_checked_record", map[string]any{"record_id": r.id, "user_id": u.ID()}, "")
	if err != nil && !s.IsUniqueViolation(err) {
		return fmt.Errorf("check record: %w", err)
	}
	r.checked = true
	return nil
}

type recordRow struct {
	ID               int64          `db:"id"`
	ProjectID        int64          `db:"project_id"`
	Level            int            `db:"level"`
	Alias            sql.NullString `db:"alias"`
	Type             string         `db:"type"`
	ParentID         sql.NullInt64  `db:"parent_category_id"`
	Datetime         sql.NullTime   `db:"record_time"`
	FinishTime       sql.NullTime   `db:"finish_time"`
	Comments         sql.NullString `db:"comments"`
	BaseDirectory    sql.NullString `db:"base_directory"`
	Name             sql.NullString `db:"name"`
	CustomParameters string         `db:"custom_parameters"`
	ParentTime       sql.NullTime   `db:"parent_time"`
	ParentLevel      sql.NullInt64  `db:"parent_level"`
	CheckedID        sql.NullInt64  `db:"checked_id"`
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func wrapRecord(row recordRow) (*Record, error) {
	custom := map[string]any{}
	if row.CustomParameters != "" {
		if err := json.Unmarshal([]byte(row.CustomParameters), &custom); err != nil {
			return nil, fmt.Errorf("decode custom parameters of record %d: %w", row.ID, err)
		}
	}
	r := &Record{
		Lifecycle:     domain.LoadedLifecycle(domain.EntityRecord, row),
		id:            row.ID,
		projectID:     row.ProjectID,
		level:         row.Level,
		typ:           RecordType(strings.TrimSpace(row.Type)),
		alias:         row.Alias.String,
		name:          row.Name.String,
		parentID:      row.ParentID.Int64,
		datetime:      timePtr(row.Datetime),
		finishTime:    timePtr(row.FinishTime),
		comments:      row.Comments.String,
		baseDirectory: row.BaseDirectory.String,
		custom:        custom,
		checked:       row.CheckedID.Valid,
	}
	if r.datetime != nil && row.ParentTime.Valid && row.ParentLevel.Int64 > 0 {
		d := r.datetime.Sub(row.ParentTime.Time.UTC())
		r.relativeTime = &d
	}
	r.stored = r.position()
	return r, nil
}

func loadRecord(ctx context.Context, s *entity.Session, id int64) (*Record, error) {
	var row recordRow
	err := s.Get(ctx, &row, "SELECT * FROM labjournal_record WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Entity: domain.EntityRecord, Key: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, err
	}
	return wrapRecord(row)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func encodeParameters(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

var recordProvider = &entity.ModelProvider[*Record, recordRow]{
	Kind:      domain.EntityRecord,
	Table:     "labjournal_record",
	Key:       func(r *Record) any { return r.id },
	AssignKey: func(r *Record, id int64) { r.id = id },
	Columns: func(r *Record) map[string]any {
		return map[string]any{
			"project_id":         r.projectID,
			"level":              r.level,
			"alias":              nullable(r.alias),
			"type":               string(r.typ),
			"parent_category_id": nullableID(r.parentID),
			"record_time":        nullableTime(r.datetime),
			"finish_time":        nullableTime(r.finishTime),
			"comments":           nullable(r.comments),
			"base_directory":     nullable(r.baseDirectory),
			"name":               nullable(r.name),
			"custom_parameters":  encodeParameters(r.custom),
		}
	},
	Fields: map[string][]string{
		"alias":             {"alias"},
		"name":              {"name"},
		"datetime":          {"record_time"},
		"comments":          {"comments"},
		"base_directory":    {"base_directory"},
		"parent":            {"parent_category_id", "level", "project_id"},
		"custom_parameters": {"custom_parameters"},
	},
	Wrap: wrapRecord,
}

// recordCheckProvider enforces sibling alias uniqueness, the tree shape and
// the custom parameter types before the row is written.
var recordCheckProvider = entity.ProviderFuncs[*Record]{
	Create: func(ctx context.Context, s *entity.Session, r *Record) error {
		if err := checkSiblingAlias(ctx, s, r); err != nil {
			return err
		}
		return checkCustomParameters(ctx, s, r, true)
	},
	Update: func(ctx context.Context, s *entity.Session, r *Record) error {
		if r.IsEdited("parent") {
			if err := checkCycle(ctx, s, r); err != nil {
				return err
			}
		}
		if r.IsEdited("alias") || r.IsEdited("parent") {
			if err := checkSiblingAlias(ctx, s, r); err != nil {
				return err
			}
		}
		if r.IsEdited("custom_parameters") {
			return checkCustomParameters(ctx, s, r, false)
		}
		return nil
	},
}

func checkSiblingAlias(ctx context.Context, s *entity.Session, r *Record) error {
	if r.alias == "" {
		return nil
	}
	var n int
	err := s.Get(ctx, &n, "SELECT COUNT(*) FROM labjournal_record WHERE parent_category_id = ? AND alias = ? AND id <> ?",
		r.parentID, r.alias, r.id)
	if err != nil {
		return err
	}
	if n > 0 {
		return domain.DuplicatedError{Entity: domain.EntityRecord, Fields: []string{"alias"}}
	}
	return nil
}

// checkCycle walks up from the new parent and fails when it meets r.
func checkCycle(ctx context.Context, s *entity.Session, r *Record) error {
	id := r.parentID
	for id != 0 {
		if id == r.id {
			return domain.Invalid(domain.EntityRecord, "parent_category", "a record cannot be moved into its own subtree")
		}
		var parent sql.NullInt64
		if err := s.Get(ctx, &parent, "SELECT parent_category_id FROM labjournal_record WHERE id = ?", id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.NotFoundError{Entity: domain.EntityRecord, Key: fmt.Sprint(id)}
			}
			return err
		}
		id = parent.Int64
	}
	return nil
}

// recordSubtreeProvider shifts the levels of a moved subtree and retargets
// it when the record changed project. Hashtag links do not survive a
// project change.
var recordSubtreeProvider = entity.ProviderFuncs[*Record]{
	Update: func(ctx context.Context, s *entity.Session, r *Record) error {
		if !r.IsEdited("parent") {
			return nil
		}
		delta := r.level - r.stored.level
		moved := r.projectID != r.stored.projectID
		if delta == 0 && !moved {
			return nil
		}
		ids, err := descendants(ctx, s, r.id)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := s.Exec(ctx, "UPDATE labjournal_record SET level = level + ?, project_id = ? WHERE id = ?", delta, r.projectID, id); err != nil {
				return fmt.Errorf("move record %d: %w", id, err)
			}
		}
		if !moved {
			return nil
		}
		for _, id := range append([]int64{r.id}, ids...) {
			if _, err := s.Exec(ctx, "DELETE FROM labjournal_record_hashtag WHERE record_id = ?", id); err != nil {
				return err
			}
			for _, table := range []string{"labjournal_parameter_descriptor", "labjournal_viewed_parameter", "labjournal_search_properties"} {
				_, err := s.Exec(ctx, "UPDATE "+table+" SET project_id = ? WHERE category_id = ?", r.projectID, id)
				if s.IsUniqueViolation(err) {
					return domain.DuplicatedError{Entity: domain.EntityDescriptor, Fields: []string{"identifier"}}
				}
				if err != nil {
					return fmt.Errorf("retarget %s: %w", table, err)
				}
			}
		}
		return nil
	},
}

// recordViewProvider drops the viewed parameters pointing at descriptors
// of a deleted subtree, including those listed in other categories, and
// closes the gaps they leave.
var recordViewProvider = entity.ProviderFuncs[*Record]{
	Delete: func(ctx context.Context, s *entity.Session, r *Record) error {
		ids, err := descendants(ctx, s, r.id)
		if err != nil {
			return err
		}
		type list struct {
			CategoryID int64 `db:"category_id"`
			UserID     int64 `db:"user_id"`
		}
		var lists []list
		for _, id := range append([]int64{r.id}, ids...) {
			var views []list
			err := s.Select(ctx, &views, "SELECT DISTINCT v.category_id, v.user_id FROM labjournal_viewed_parameter v "+
				"JOIN labjournal_parameter_descriptor d ON d.id = v.descriptor_id WHERE d.category_id = ?", id)
			if err != nil {
				return err
			}
			if len(views) == 0 {
				continue
			}
			_, err = s.Exec(ctx, "DELETE FROM labjournal_viewed_parameter WHERE descriptor_id IN "+
				"(SELECT id FROM labjournal_parameter_descriptor WHERE category_id = ?)", id)
			if err != nil {
				return fmt.Errorf("drop viewed parameters of category %d: %w", id, err)
			}
			lists = append(lists, views...)
		}
		for _, l := range lists {
			if err := renumberViewed(ctx, s, l.CategoryID, l.UserID); err != nil {
				return err
			}
		}
		return nil
	},
}

func descendants(ctx context.Context, s *entity.Session, id int64) ([]int64, error) {
	var out []int64
	frontier := []int64{id}
	for len(frontier) > 0 {
		var next []int64
		for _, parent := range frontier {
			var children []int64
			if err := s.Select(ctx, &children, "SELECT id FROM labjournal_record WHERE parent_category_id = ?", parent); err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		out = append(out, next...)
		frontier = next
	}
	return out, nil
}

// recordIntervalProvider keeps every non-root category spanning the record
// times of its immediate data and service children.
var recordIntervalProvider = entity.ProviderFuncs[*Record]{
	Create: func(ctx context.Context, s *entity.Session, r *Record) error {
		if r.typ == TypeCategory {
			return nil
		}
		return refreshInterval(ctx, s, r, r.parentID)
	},
	Update: func(ctx context.Context, s *entity.Session, r *Record) error {
		if r.typ == TypeCategory || !(r.IsEdited("datetime") || r.IsEdited("parent")) {
			return nil
		}
		if err := refreshInterval(ctx, s, r, r.parentID); err != nil {
			return err
		}
		if r.stored.parentID != r.parentID {
			return refreshInterval(ctx, s, r, r.stored.parentID)
		}
		return nil
	},
	Delete: func(ctx context.Context, s *entity.Session, r *Record) error {
		if r.typ == TypeCategory {
			return nil
		}
		return refreshInterval(ctx, s, r, r.parentID)
	},
}

func childTime(ctx context.Context, s *entity.Session, categoryID int64, order string) (sql.NullTime, error) {
	var t sql.NullTime
	err := s.Get(ctx, &t, "SELECT record_time FROM labjournal_record WHERE parent_category_id = ? AND type <> ? AND record_time IS NOT NULL ORDER BY record_time "+order+" LIMIT 1",
		categoryID, string(TypeCategory))
	if errors.Is(err, sql.ErrNoRows) {
		return sql.NullTime{}, nil
	}
	return t, err
}

func refreshInterval(ctx context.Context, s *entity.Session, r *Record, categoryID int64) error {
	if categoryID == 0 {
		return nil
	}
	first, err := childTime(ctx, s, categoryID, "ASC")
	if err != nil {
		return fmt.Errorf("category %d interval: %w", categoryID, err)
	}
	last, err := childTime(ctx, s, categoryID, "DESC")
	if err != nil {
		return fmt.Errorf("category %d interval: %w", categoryID, err)
	}
	var start, finish any
	if first.Valid {
		start = first.Time.UTC()
	}
	if last.Valid {
		finish = last.Time.UTC()
	}
	res, err := s.Exec(ctx, "UPDATE labjournal_record SET record_time = ?, finish_time = ? WHERE id = ? AND parent_category_id IS NOT NULL",
		start, finish, categoryID)
	if err != nil {
		return fmt.Errorf("category %d interval: %w", categoryID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 && r.parent != nil && r.parent.id == categoryID {
		r.parent.datetime = timePtr(first)
		r.parent.finishTime = timePtr(last)
	}
	return nil
}
