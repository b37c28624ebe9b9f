package labjournal

import (
	"context"
	"fmt"

	"corefacility/internal/entity"
	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

const maxHashtagLength = 64

// HashtagType tells which objects a hashtag labels.
type HashtagType string

const (
	HashtagRecord HashtagType = "R"
	HashtagFile   HashtagType = "F"
)

// Hashtag is a project-scoped label.
type Hashtag struct {
	domain.Lifecycle
	id          int64
	projectID   int64
	typ         HashtagType
	description string
}

// NewHashtag returns a hashtag of project in the creating state.
func NewHashtag(projectID int64, typ HashtagType, description string) *Hashtag {
	h := &Hashtag{Lifecycle: domain.NewLifecycle(domain.EntityHashtag), projectID: projectID, typ: typ}
	_ = h.Touch("project", false)
	_ = h.Touch("type", false)
	_ = h.SetDescription(description)
	return h
}

func (h *Hashtag) Life() *domain.Lifecycle { return &h.Lifecycle }

func (h *Hashtag) ID() int64           { return h.id }
func (h *Hashtag) ProjectID() int64    { return h.projectID }
func (h *Hashtag) Type() HashtagType   { return h.typ }
func (h *Hashtag) Description() string { return h.description }

func (h *Hashtag) SetDescription(v string) error {
	if err := h.Touch("description", true); err != nil {
		return err
	}
	h.description = v
	return nil
}

// Validate implements entity.Entity.
func (h *Hashtag) Validate() error {
	if h.projectID == 0 {
		return domain.Required(domain.EntityHashtag, "project")
	}
	if h.typ != HashtagRecord && h.typ != HashtagFile {
		return domain.Invalid(domain.EntityHashtag, "type", fmt.Sprintf("unknown hashtag type %q", h.typ))
	}
	return domain.ValidateName(domain.EntityHashtag, "description", h.description, maxHashtagLength)
}

type hashtagRow struct {
	ID          int64  `db:"id"`
	ProjectID   int64  `db:"project_id"`
	Type        string `db:"type"`
	Description string `db:"description"`
}

func wrapHashtag(row hashtagRow) (*Hashtag, error) {
	return &Hashtag{
		Lifecycle:   domain.LoadedLifecycle(domain.EntityHashtag, row),
		id:          row.ID,
		projectID:   row.ProjectID,
		typ:         HashtagType(row.Type),
		description: row.Description,
	}, nil
}

var hashtagProvider = &entity.ModelProvider[*Hashtag, hashtagRow]{
	Kind:      domain.EntityHashtag,
	Table:     "labjournal_hashtag",
	Key:       func(h *Hashtag) any { return h.id },
	AssignKey: func(h *Hashtag, id int64) { h.id = id },
	Columns: func(h *Hashtag) map[string]any {
		return map[string]any{
			"project_id":  h.projectID,
			"type":        string(h.typ),
			"description": h.description,
		}
	},
	Fields: map[string][]string{
		"description": {"description"},
	},
	Unique: [][]string{{"project_id", "type", "description"}},
	Wrap:   wrapHashtag,
}

// Create stores a new hashtag.
func (h *Hashtag) Create(ctx context.Context, s *entity.Session) error {
	return entity.Create(ctx, s, h, hashtagProvider)
}

// Update writes the edited description.
func (h *Hashtag) Update(ctx context.Context, s *entity.Session) error {
	return entity.Update(ctx, s, h, hashtagProvider)
}

// Delete removes the hashtag from every record it labels.
func (h *Hashtag) Delete(ctx context.Context, s *entity.Session) error {
	return entity.Delete(ctx, s, h, hashtagProvider)
}

var hashtagReader = &entity.ReaderDef[*Hashtag, hashtagRow]{
	Kind: domain.EntityHashtag,
	Initialize: func(q *entity.Query) {
		q.Items.Select("h.id", "h.project_id", "h.type", "h.description").
			From("labjournal_hashtag", "h").
			OrderBy("h.description", sqlquery.Asc, sqlquery.NullsDefault)
		q.Count.SelectTotalCount("", "total").From("labjournal_hashtag", "h")
	},
	Filters: map[string]func(q *entity.Query, v any) error{
		"project": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("h.project_id = ?", v))
			return nil
		},
		"type": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("h.type = ?", v))
			return nil
		},
		"description": func(q *entity.Query, v any) error {
			q.Where(sqlquery.Search("h.description", v.(string), sqlquery.AnchorStart))
			return nil
		},
		"record": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("h.id IN (SELECT rh.hashtag_id FROM labjournal_record_hashtag rh WHERE rh.record_id = ?)", v))
			return nil
		},
	},
	Wrap: wrapHashtag,
}

func acceptHashtagType(value any) (any, error) {
	switch v := value.(type) {
	case HashtagType:
		return string(v), nil
	case string:
		return v, nil
	}
	return nil, fmt.Errorf("expected hashtag type, got %T", value)
}

var hashtagSetDef = &entity.SetDef[*Hashtag, hashtagRow]{
	Kind:        domain.EntityHashtag,
	Reader:      hashtagReader,
	IDColumn:    "h.id",
	AliasColumn: "h.description",
	Filters: map[string]entity.FilterSpec{
		"project":     {Accept: entity.AcceptInt64},
		"type":        {Accept: acceptHashtagType},
		"description": {Accept: entity.AcceptString},
		"record":      {Accept: entity.AcceptInt64},
	},
}

// NewHashtagSet returns the set of all hashtags. Filters: project, type,
// description (prefix search), record (labels of a record id).
func NewHashtagSet(s *entity.Session) *entity.Set[*Hashtag, hashtagRow] {
	return entity.NewSet(s, hashtagSetDef)
}

// RecordHashtags manages the hashtags attached to one record.
type RecordHashtags struct {
	record *Record
}

// Hashtags returns the hashtag manager of r.
func (r *Record) Hashtags() *RecordHashtags { return &RecordHashtags{record: r} }

func (m *RecordHashtags) check(op string, tags []*Hashtag) error {
	r := m.record
	switch r.State() {
	case domain.StateCreating, domain.StateDeleted:
		return domain.OperationNotPermittedError{Entity: domain.EntityHashtag, Operation: op, Reason: "record is " + r.State().String()}
	}
	for _, h := range tags {
		switch h.State() {
		case domain.StateCreating, domain.StateDeleted:
			return domain.OperationNotPermittedError{Entity: domain.EntityHashtag, Operation: op, Reason: "hashtag is " + h.State().String()}
		}
		if h.projectID != r.projectID {
			return domain.Invalid(domain.EntityHashtag, "project", "the hashtag belongs to another project")
		}
		if h.typ != HashtagRecord {
			return domain.Invalid(domain.EntityHashtag, "type", "only record hashtags label records")
		}
	}
	return nil
}

// Add attaches tags. Tags already attached are left as they are.
func (m *RecordHashtags) Add(ctx context.Context, s *entity.Session, tags ...*Hashtag) error {
	if err := m.check("add", tags); err != nil {
		return err
	}
	return s.RunInTransaction(ctx, func(tx *entity.Session) error {
		for _, h := range tags {
			var n int
			err := tx.Get(ctx, &n, "SELECT COUNT(*) FROM labjournal_record_hashtag WHERE record_id = ? AND hashtag_id = ?", m.record.id, h.id)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			_, err = tx.Insert(ctx, "labjournal_record_hashtag", map[string]any{"record_id": m.record.id, "hashtag_id": h.id}, "")
			if err != nil {
				return fmt.Errorf("attach hashtag %d: %w", h.id, err)
			}
		}
		return nil
	})
}

// Remove detaches tags. Tags that are not attached are ignored.
func (m *RecordHashtags) Remove(ctx context.Context, s *entity.Session, tags ...*Hashtag) error {
	if err := m.check("remove", tags); err != nil {
		return err
	}
	return s.RunInTransaction(ctx, func(tx *entity.Session) error {
		for _, h := range tags {
			if _, err := tx.Exec(ctx, "DELETE FROM labjournal_record_hashtag WHERE record_id = ? AND hashtag_id = ?", m.record.id, h.id); err != nil {
				return fmt.Errorf("detach hashtag %d: %w", h.id, err)
			}
		}
		return nil
	})
}

// All lists the attached hashtags.
func (m *RecordHashtags) All(ctx context.Context, s *entity.Session) ([]*Hashtag, error) {
	return NewHashtagSet(s).MustFilter("record", m.record.id).All(ctx)
}
