package labjournal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"corefacility/internal/entity"
	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

const (
	maxIdentifierLength  = 256
	maxDescriptionLength = 256
	maxUnitsLength       = 64
	maxValueAliasLength  = 256
)

// DescriptorType discriminates the descriptor variants.
type DescriptorType string

const (
	DescriptorBoolean  DescriptorType = "B"
	DescriptorNumber   DescriptorType = "N"
	DescriptorString   DescriptorType = "S"
	DescriptorDiscrete DescriptorType = "D"
)

var descriptorChecks = map[DescriptorType]func(v any) bool{
	DescriptorBoolean: func(v any) bool { _, ok := v.(bool); return ok },
	DescriptorNumber:  isNumber,
	DescriptorString:  func(v any) bool { _, ok := v.(string); return ok },
	DescriptorDiscrete: func(v any) bool {
		s, ok := v.(string)
		return ok && s != ""
	},
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64, json.Number:
		return true
	}
	return false
}

// Descriptor declares a custom parameter of the records under a category.
type Descriptor struct {
	domain.Lifecycle
	id          int64
	projectID   int64
	categoryID  int64
	category    *Record
	typ         DescriptorType
	identifier  string
	description string
	required    bool
	def         any
	recordTypes []RecordType
	index       *int
	units       string
}

// NewDescriptor returns a descriptor attached to category in the creating
// state. It applies to data records until SetRecordTypes says otherwise.
func NewDescriptor(category *Record, typ DescriptorType, identifier, description string) *Descriptor {
	d := &Descriptor{
		Lifecycle:   domain.NewLifecycle(domain.EntityDescriptor),
		category:    category,
		typ:         typ,
		recordTypes: []RecordType{TypeData},
	}
	_ = d.Touch("category", false)
	_ = d.Touch("type", false)
	_ = d.SetIdentifier(identifier)
	_ = d.SetDescription(description)
	return d
}

func (d *Descriptor) Life() *domain.Lifecycle { return &d.Lifecycle }

func (d *Descriptor) ID() int64            { return d.id }
func (d *Descriptor) ProjectID() int64     { return d.projectID }
func (d *Descriptor) CategoryID() int64    { return d.categoryID }
func (d *Descriptor) Type() DescriptorType { return d.typ }
func (d *Descriptor) Identifier() string   { return d.identifier }
func (d *Descriptor) Description() string  { return d.description }
func (d *Descriptor) Required() bool       { return d.required }
func (d *Descriptor) Default() any         { return d.def }
func (d *Descriptor) Units() string        { return d.units }

// Index is the position of the descriptor in a parked set, nil otherwise.
func (d *Descriptor) Index() *int { return d.index }

// RecordTypes lists the record types the descriptor applies to.
func (d *Descriptor) RecordTypes() []RecordType {
	return append([]RecordType(nil), d.recordTypes...)
}

func (d *Descriptor) appliesTo(t RecordType) bool {
	for _, rt := range d.recordTypes {
		if rt == t {
			return true
		}
	}
	return false
}

func (d *Descriptor) SetIdentifier(v string) error {
	if err := d.Touch("identifier", true); err != nil {
		return err
	}
	d.identifier = v
	return nil
}

func (d *Descriptor) SetDescription(v string) error {
	if err := d.Touch("description", true); err != nil {
		return err
	}
	d.description = v
	return nil
}

func (d *Descriptor) SetRequired(v bool) error {
	if err := d.Touch("required", true); err != nil {
		return err
	}
	d.required = v
	return nil
}

// SetDefault sets the value records receive when the parameter is
// required and missing. A discrete default must name one of the values.
func (d *Descriptor) SetDefault(v any) error {
	if err := d.Touch("default", true); err != nil {
		return err
	}
	d.def = v
	return nil
}

func (d *Descriptor) SetRecordTypes(types ...RecordType) error {
	if err := d.Touch("record_type", true); err != nil {
		return err
	}
	d.recordTypes = append([]RecordType(nil), types...)
	return nil
}

func (d *Descriptor) SetUnits(v string) error {
	if d.typ != DescriptorNumber {
		return domain.OperationNotPermittedError{Entity: domain.EntityDescriptor, Operation: "set units", Reason: "only number descriptors have units"}
	}
	if err := d.Touch("units", true); err != nil {
		return err
	}
	d.units = v
	return nil
}

// SetCategory fails once the descriptor is stored.
func (d *Descriptor) SetCategory(category *Record) error {
	if err := d.Touch("category", false); err != nil {
		return err
	}
	d.category = category
	return nil
}

// Validate implements entity.Entity.
func (d *Descriptor) Validate() error {
	check, ok := descriptorChecks[d.typ]
	if !ok {
		return domain.Invalid(domain.EntityDescriptor, "type", fmt.Sprintf("unknown descriptor type %q", d.typ))
	}
	if err := domain.ValidateIdentifier(domain.EntityDescriptor, "identifier", d.identifier, maxIdentifierLength); err != nil {
		return err
	}
	if err := domain.ValidateName(domain.EntityDescriptor, "description", d.description, maxDescriptionLength); err != nil {
		return err
	}
	if err := domain.ValidateMaxLength(domain.EntityDescriptor, "units", d.units, maxUnitsLength); err != nil {
		return err
	}
	if len(d.recordTypes) == 0 {
		return domain.Required(domain.EntityDescriptor, "record_type")
	}
	for _, t := range d.recordTypes {
		if _, ok := variants[t]; !ok {
			return domain.Invalid(domain.EntityDescriptor, "record_type", fmt.Sprintf("unknown record type %q", t))
		}
	}
	if d.def != nil && !check(d.def) {
		return domain.Invalid(domain.EntityDescriptor, "default", fmt.Sprintf("%v does not match the descriptor type", d.def))
	}
	return nil
}

// checkValue reports whether v may be stored under the descriptor.
func (d *Descriptor) checkValue(ctx context.Context, s *entity.Session, v any) error {
	if !descriptorChecks[d.typ](v) {
		return fmt.Errorf("%v does not match the descriptor type", v)
	}
	if d.typ != DescriptorDiscrete {
		return nil
	}
	ok, err := d.Values().Contains(ctx, s, v.(string))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%q is not one of the values", v)
	}
	return nil
}

type descriptorRow struct {
	ID           int64          `db:"id"`
	ProjectID    int64          `db:"project_id"`
	CategoryID   int64          `db:"category_id"`
	Identifier   string         `db:"identifier"`
	Description  string         `db:"description"`
	Type         string         `db:"type"`
	Required     bool           `db:"required"`
	DefaultValue sql.NullString `db:"default_value"`
	RecordType   string         `db:"record_type"`
	Index        sql.NullInt64  `db:"idx"`
	Units        sql.NullString `db:"units"`
}

func wrapDescriptor(row descriptorRow) (*Descriptor, error) {
	d := &Descriptor{
		Lifecycle:   domain.LoadedLifecycle(domain.EntityDescriptor, row),
		id:          row.ID,
		projectID:   row.ProjectID,
		categoryID:  row.CategoryID,
		typ:         DescriptorType(strings.TrimSpace(row.Type)),
		identifier:  row.Identifier,
		description: row.Description,
		required:    row.Required,
		units:       row.Units.String,
	}
	for _, c := range strings.TrimSpace(row.RecordType) {
		d.recordTypes = append(d.recordTypes, RecordType(c))
	}
	if row.DefaultValue.Valid {
		if err := json.Unmarshal([]byte(row.DefaultValue.String), &d.def); err != nil {
			return nil, fmt.Errorf("decode default of descriptor %d: %w", row.ID, err)
		}
	}
	if row.Index.Valid {
		i := int(row.Index.Int64)
		d.index = &i
	}
	return d, nil
}

func encodeDefault(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func encodeRecordTypes(types []RecordType) string {
	var b strings.Builder
	for _, t := range types {
		b.WriteString(string(t))
	}
	return b.String()
}

func nullableIndex(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

var descriptorProvider = &entity.ModelProvider[*Descriptor, descriptorRow]{
	Kind:      domain.EntityDescriptor,
	Table:     "labjournal_parameter_descriptor",
	Key:       func(d *Descriptor) any { return d.id },
	AssignKey: func(d *Descriptor, id int64) { d.id = id },
	Columns: func(d *Descriptor) map[string]any {
		return map[string]any{
			"project_id":    d.projectID,
			"category_id":   d.categoryID,
			"identifier":    d.identifier,
			"description":   d.description,
			"type":          string(d.typ),
			"required":      d.required,
			"default_value": encodeDefault(d.def),
			"record_type":   encodeRecordTypes(d.recordTypes),
			"idx":           nullableIndex(d.index),
			"units":         nullable(d.units),
		}
	},
	Fields: map[string][]string{
		"identifier":  {"identifier"},
		"description": {"description"},
		"required":    {"required"},
		"default":     {"default_value"},
		"record_type": {"record_type"},
		"units":       {"units"},
	},
	Unique: [][]string{{"project_id", "identifier"}},
	Wrap:   wrapDescriptor,
}

// descriptorDefaultProvider checks that a discrete default names one of the
// values.
var descriptorDefaultProvider = entity.ProviderFuncs[*Descriptor]{
	Create: func(ctx context.Context, s *entity.Session, d *Descriptor) error {
		if d.typ == DescriptorDiscrete && d.def != nil {
			return domain.Invalid(domain.EntityDescriptor, "default", "a new discrete descriptor has no values")
		}
		return nil
	},
	Update: func(ctx context.Context, s *entity.Session, d *Descriptor) error {
		if d.typ != DescriptorDiscrete || d.def == nil || !d.IsEdited("default") {
			return nil
		}
		ok, err := d.Values().Contains(ctx, s, d.def.(string))
		if err != nil {
			return err
		}
		if !ok {
			return domain.Invalid(domain.EntityDescriptor, "default", fmt.Sprintf("%q is not one of the values", d.def))
		}
		return nil
	},
}

// descriptorViewProvider drops the viewed parameters of a deleted
// descriptor and closes the gaps it leaves.
var descriptorViewProvider = entity.ProviderFuncs[*Descriptor]{
	Delete: func(ctx context.Context, s *entity.Session, d *Descriptor) error {
		var views []struct {
			CategoryID int64 `db:"category_id"`
			UserID     int64 `db:"user_id"`
		}
		if err := s.Select(ctx, &views, "SELECT category_id, user_id FROM labjournal_viewed_parameter WHERE descriptor_id = ?", d.id); err != nil {
			return err
		}
		if _, err := s.Exec(ctx, "DELETE FROM labjournal_viewed_parameter WHERE descriptor_id = ?", d.id); err != nil {
			return err
		}
		for _, v := range views {
			if err := renumberViewed(ctx, s, v.CategoryID, v.UserID); err != nil {
				return err
			}
		}
		return nil
	},
}

// Create stores the descriptor under its category.
func (d *Descriptor) Create(ctx context.Context, s *entity.Session) error {
	if d.category == nil {
		return domain.Required(domain.EntityDescriptor, "category")
	}
	if d.category.State() == domain.StateCreating || d.category.State() == domain.StateDeleted {
		return domain.Invalid(domain.EntityDescriptor, "category", "the category must be saved")
	}
	if d.category.typ != TypeCategory {
		return domain.Invalid(domain.EntityDescriptor, "category", "descriptors attach to categories")
	}
	d.categoryID = d.category.id
	d.projectID = d.category.projectID
	return entity.Create(ctx, s, d, descriptorDefaultProvider, descriptorProvider)
}

// Update writes the edited fields.
func (d *Descriptor) Update(ctx context.Context, s *entity.Session) error {
	return entity.Update(ctx, s, d, descriptorDefaultProvider, descriptorProvider)
}

// Delete removes the descriptor. A parked set keeps a gap until the next
// Park.
func (d *Descriptor) Delete(ctx context.Context, s *entity.Session) error {
	return entity.Delete(ctx, s, d, descriptorViewProvider, descriptorProvider)
}

// DiscreteValue is one value of a discrete descriptor.
type DiscreteValue struct {
	ID          int64  `db:"id"`
	Alias       string `db:"alias"`
	Description string `db:"description"`
}

// Values manages the values of a discrete descriptor.
type Values struct {
	descriptor *Descriptor
}

// Values returns the value manager of d.
func (d *Descriptor) Values() *Values { return &Values{descriptor: d} }

func (m *Values) check(op string) error {
	d := m.descriptor
	switch d.State() {
	case domain.StateCreating, domain.StateDeleted:
		return domain.OperationNotPermittedError{Entity: domain.EntityDiscreteValue, Operation: op, Reason: "descriptor is " + d.State().String()}
	}
	if d.typ != DescriptorDiscrete {
		return domain.OperationNotPermittedError{Entity: domain.EntityDiscreteValue, Operation: op, Reason: "only discrete descriptors have values"}
	}
	return nil
}

// Add appends a value. Aliases are unique within the descriptor.
func (m *Values) Add(ctx context.Context, s *entity.Session, alias, description string) (DiscreteValue, error) {
	if err := m.check("add"); err != nil {
		return DiscreteValue{}, err
	}
	if err := domain.ValidateDiscreteAlias(domain.EntityDiscreteValue, "alias", alias, maxValueAliasLength); err != nil {
		return DiscreteValue{}, err
	}
	if err := domain.ValidateName(domain.EntityDiscreteValue, "description", description, maxDescriptionLength); err != nil {
		return DiscreteValue{}, err
	}
	ok, err := m.Contains(ctx, s, alias)
	if err != nil {
		return DiscreteValue{}, err
	}
	if ok {
		return DiscreteValue{}, domain.DuplicatedError{Entity: domain.EntityDiscreteValue, Fields: []string{"alias"}}
	}
	id, err := s.Insert(ctx, "labjournal_discrete_value", map[string]any{
		"descriptor_id": m.descriptor.id,
		"alias":         alias,
		"description":   description,
	}, "id")
	if s.IsUniqueViolation(err) {
		return DiscreteValue{}, domain.DuplicatedError{Entity: domain.EntityDiscreteValue, Fields: []string{"alias"}}
	}
	if err != nil {
		return DiscreteValue{}, fmt.Errorf("add discrete value: %w", err)
	}
	return DiscreteValue{ID: id, Alias: alias, Description: description}, nil
}

// Remove deletes a value by alias (string) or id (int64). Removing the
// default value clears the default.
func (m *Values) Remove(ctx context.Context, s *entity.Session, key any) error {
	if err := m.check("remove"); err != nil {
		return err
	}
	var v DiscreteValue
	var err error
	switch k := key.(type) {
	case string:
		err = s.Get(ctx, &v, "SELECT id, alias, description FROM labjournal_discrete_value WHERE descriptor_id = ? AND alias = ?", m.descriptor.id, k)
	case int64:
		err = s.Get(ctx, &v, "SELECT id, alias, description FROM labjournal_discrete_value WHERE descriptor_id = ? AND id = ?", m.descriptor.id, k)
	case int:
		err = s.Get(ctx, &v, "SELECT id, alias, description FROM labjournal_discrete_value WHERE descriptor_id = ? AND id = ?", m.descriptor.id, int64(k))
	default:
		return domain.NotFoundError{Entity: domain.EntityDiscreteValue, Key: fmt.Sprint(key)}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundError{Entity: domain.EntityDiscreteValue, Key: fmt.Sprint(key)}
	}
	if err != nil {
		return err
	}
	return s.RunInTransaction(ctx, func(tx *entity.Session) error {
		if _, err := tx.Exec(ctx, "DELETE FROM labjournal_discrete_value WHERE id = ?", v.ID); err != nil {
			return fmt.Errorf("remove discrete value: %w", err)
		}
		if def, ok := m.descriptor.def.(string); ok && def == v.Alias {
			if _, err := tx.Exec(ctx, "UPDATE labjournal_parameter_descriptor SET default_value = NULL WHERE id = ?", m.descriptor.id); err != nil {
				return err
			}
			m.descriptor.def = nil
		}
		return nil
	})
}

// All lists the values in insertion order.
func (m *Values) All(ctx context.Context, s *entity.Session) ([]DiscreteValue, error) {
	var out []DiscreteValue
	err := s.Select(ctx, &out, "SELECT id, alias, description FROM labjournal_discrete_value WHERE descriptor_id = ? ORDER BY id", m.descriptor.id)
	return out, err
}

// Contains reports whether alias is one of the values.
func (m *Values) Contains(ctx context.Context, s *entity.Session, alias string) (bool, error) {
	var n int
	err := s.Get(ctx, &n, "SELECT COUNT(*) FROM labjournal_discrete_value WHERE descriptor_id = ? AND alias = ?", m.descriptor.id, alias)
	return n > 0, err
}

// Park numbers the descriptors of category 1..N, keeping the current order:
// indexed descriptors first, then the rest by id. A parked set is left
// unchanged.
func Park(ctx context.Context, s *entity.Session, category *Record) error {
	var rows []struct {
		ID    int64         `db:"id"`
		Index sql.NullInt64 `db:"idx"`
	}
	b := s.Builder().Select("d.id", "d.idx").
		From("labjournal_parameter_descriptor", "d").
		Where(sqlquery.String("d.category_id = ?", category.id)).
		OrderBy("d.idx", sqlquery.Asc, sqlquery.NullsLast).
		OrderBy("d.id", sqlquery.Asc, sqlquery.NullsDefault)
	if err := s.SelectBuilt(ctx, &rows, b); err != nil {
		return err
	}
	parked := true
	for i, row := range rows {
		if !row.Index.Valid || row.Index.Int64 != int64(i+1) {
			parked = false
			break
		}
	}
	if parked || len(rows) == 0 {
		return nil
	}
	// Keys and indices are integers, so they are inlined to keep the CASE
	// typed on every dialect.
	var cases strings.Builder
	for i, row := range rows {
		fmt.Fprintf(&cases, " WHEN %d THEN %d", row.ID, i+1)
	}
	query := "UPDATE labjournal_parameter_descriptor SET idx = CASE id" + cases.String() + " END WHERE category_id = ?"
	if _, err := s.Exec(ctx, query, category.id); err != nil {
		return fmt.Errorf("park descriptors: %w", err)
	}
	return nil
}

// Swap exchanges the indices of two parked descriptors of one category.
func Swap(ctx context.Context, s *entity.Session, a, b *Descriptor) error {
	for _, d := range []*Descriptor{a, b} {
		switch d.State() {
		case domain.StateCreating, domain.StateDeleted:
			return domain.OperationNotPermittedError{Entity: domain.EntityDescriptor, Operation: "swap", Reason: "descriptor is " + d.State().String()}
		}
	}
	if a.categoryID != b.categoryID {
		return domain.OperationNotPermittedError{Entity: domain.EntityDescriptor, Operation: "swap", Reason: "descriptors belong to different categories"}
	}
	if a.index == nil || b.index == nil {
		return domain.OperationNotPermittedError{Entity: domain.EntityDescriptor, Operation: "swap", Reason: "descriptors are not parked"}
	}
	ia, ib := *a.index, *b.index
	err := s.RunInTransaction(ctx, func(tx *entity.Session) error {
		if _, err := tx.Exec(ctx, "UPDATE labjournal_parameter_descriptor SET idx = ? WHERE id = ?", ib, a.id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "UPDATE labjournal_parameter_descriptor SET idx = ? WHERE id = ?", ia, b.id)
		return err
	})
	if err != nil {
		return fmt.Errorf("swap descriptors: %w", err)
	}
	a.index, b.index = &ib, &ia
	return nil
}

var descriptorReader = &entity.ReaderDef[*Descriptor, descriptorRow]{
	Kind: domain.EntityDescriptor,
	Initialize: func(q *entity.Query) {
		q.Items.Select("d.id", "d.project_id", "d.category_id", "d.identifier", "d.description", "d.type",
			"d.required", "d.default_value", "d.record_type", "d.idx", "d.units").
			From("labjournal_parameter_descriptor", "d").
			OrderBy("d.idx", sqlquery.Asc, sqlquery.NullsLast).
			OrderBy("d.id", sqlquery.Asc, sqlquery.NullsDefault)
		q.Count.SelectTotalCount("", "total").From("labjournal_parameter_descriptor", "d")
	},
	Filters: map[string]func(q *entity.Query, v any) error{
		"project": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("d.project_id = ?", v))
			return nil
		},
		"category": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("d.category_id = ?", v))
			return nil
		},
		"type": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("d.type = ?", v))
			return nil
		},
	},
	Wrap: wrapDescriptor,
}

func acceptDescriptorType(value any) (any, error) {
	switch v := value.(type) {
	case DescriptorType:
		return string(v), nil
	case string:
		return v, nil
	}
	return nil, fmt.Errorf("expected descriptor type, got %T", value)
}

var descriptorSetDef = &entity.SetDef[*Descriptor, descriptorRow]{
	Kind:        domain.EntityDescriptor,
	Reader:      descriptorReader,
	IDColumn:    "d.id",
	AliasColumn: "d.identifier",
	Filters: map[string]entity.FilterSpec{
		"project":  {Accept: entity.AcceptInt64},
		"category": {Accept: entity.AcceptInt64},
		"type":     {Accept: acceptDescriptorType},
	},
}

// NewDescriptorSet returns the set of all descriptors in index order, then
// id order. String keys look up identifiers. Filters: project, category,
// type.
func NewDescriptorSet(s *entity.Session) *entity.Set[*Descriptor, descriptorRow] {
	return entity.NewSet(s, descriptorSetDef)
}

// checkCustomParameters checks every parameter of r against the project's
// descriptors. A new record receives the defaults of the required
// descriptors of its category.
func checkCustomParameters(ctx context.Context, s *entity.Session, r *Record, creating bool) error {
	if len(r.custom) == 0 && !creating {
		return nil
	}
	descriptors, err := NewDescriptorSet(s).MustFilter("project", r.projectID).All(ctx)
	if err != nil {
		return err
	}
	byIdentifier := make(map[string]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		byIdentifier[d.identifier] = d
	}
	identifiers := make([]string, 0, len(r.custom))
	for id := range r.custom {
		identifiers = append(identifiers, id)
	}
	sort.Strings(identifiers)
	for _, id := range identifiers {
		d, ok := byIdentifier[id]
		if !ok {
			return domain.Invalid(domain.EntityRecord, "custom_parameters", fmt.Sprintf("unknown parameter %q", id))
		}
		if !d.appliesTo(r.typ) {
			return domain.Invalid(domain.EntityRecord, "custom_parameters", fmt.Sprintf("parameter %q does not apply to this record type", id))
		}
		if err := d.checkValue(ctx, s, r.custom[id]); err != nil {
			return domain.Invalid(domain.EntityRecord, "custom_parameters", id+": "+err.Error())
		}
	}
	if !creating {
		return nil
	}
	for _, d := range descriptors {
		if d.categoryID != r.parentID || !d.required || !d.appliesTo(r.typ) {
			continue
		}
		if _, ok := r.custom[d.identifier]; ok {
			continue
		}
		if d.def == nil {
			return domain.Invalid(domain.EntityRecord, "custom_parameters", fmt.Sprintf("parameter %q is required", d.identifier))
		}
		r.custom[d.identifier] = d.def
	}
	return nil
}
