package labjournal

import (
	"time"

	"corefacility/internal/entity"
	"corefacility/pkg/domain"
	"corefacility/pkg/sqlquery"
)

var recordReader = &entity.ReaderDef[*Record, recordRow]{
	Kind: domain.EntityRecord,
	Initialize: func(q *entity.Query) {
		q.Items.Select("r.id", "r.project_id", "r.level", "r.alias", "r.type", "r.parent_category_id",
			"r.record_time", "r.finish_time", "r.comments", "r.base_directory", "r.name", "r.custom_parameters").
			SelectAs("par.record_time", "parent_time").
			SelectAs("par.level", "parent_level").
			SelectAs("cr.id", "checked_id").
			From("labjournal_record", "r").
			Join(sqlquery.JoinLeft, "labjournal_record", "par", "par.id = r.parent_category_id").
			OrderBy("r.record_time", sqlquery.Asc, sqlquery.NullsLast).
			OrderBy("r.id", sqlquery.Asc, sqlquery.NullsDefault)
		q.Count.SelectTotalCount("", "total").From("labjournal_record", "r")
		q.Where(sqlquery.String("r.level > ?", 0))
	},
	Filters: map[string]func(q *entity.Query, v any) error{
		"project": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("r.project_id = ?", v))
			return nil
		},
		"parent": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("r.parent_category_id = ?", v))
			return nil
		},
		"type": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("r.type = ?", v))
			return nil
		},
		"alias": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("r.alias = ?", v))
			return nil
		},
		"name": func(q *entity.Query, v any) error {
			name := v.(string)
			q.Where(sqlquery.Or(
				sqlquery.Search("r.alias", name, sqlquery.AnchorNone),
				sqlquery.Search("r.name", name, sqlquery.AnchorNone),
			))
			return nil
		},
		"hashtag": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("r.id IN (SELECT rh.record_id FROM labjournal_record_hashtag rh WHERE rh.hashtag_id = ?)", v))
			return nil
		},
		"datetime_from": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("r.record_time >= ?", v))
			return nil
		},
		"datetime_to": func(q *entity.Query, v any) error {
			q.Where(sqlquery.String("r.record_time <= ?", v))
			return nil
		},
		"checked": func(q *entity.Query, v any) error {
			if v.(bool) {
				q.Where(sqlquery.String("cr.id IS NOT NULL"))
			} else {
				q.Where(sqlquery.String("cr.id IS NULL"))
			}
			return nil
		},
		// user selects whose checked marks are joined in. Id 0 matches no mark.
		"user": func(q *entity.Query, v any) error {
			q.Items.Join(sqlquery.JoinLeft, "labjournal_checked_record", "cr", "cr.record_id = r.id AND cr.user_id = ?", v)
			q.Count.Join(sqlquery.JoinLeft, "labjournal_checked_record", "cr", "cr.record_id = r.id AND cr.user_id = ?", v)
			return nil
		},
	},
	Wrap: wrapRecord,
}

func acceptRecordType(value any) (any, error) {
	v, err := entity.AcceptString(value)
	if t, ok := value.(RecordType); ok {
		v, err = string(t), nil
	}
	if err != nil {
		return nil, err
	}
	if _, ok := variants[RecordType(v.(string))]; !ok {
		return nil, domain.Invalid(domain.EntityRecord, "type", "unknown record type")
	}
	return v, nil
}

func acceptTime(value any) (any, error) {
	t, ok := value.(time.Time)
	if !ok {
		return nil, domain.Invalid(domain.EntityRecord, "datetime", "expected a time value")
	}
	return t.UTC(), nil
}

var recordSetDef = &entity.SetDef[*Record, recordRow]{
	Kind:        domain.EntityRecord,
	Reader:      recordReader,
	IDColumn:    "r.id",
	AliasColumn: "r.alias",
	Filters: map[string]entity.FilterSpec{
		"project":       {Accept: entity.AcceptInt64},
		"parent":        {Accept: entity.AcceptInt64},
		"type":          {Accept: acceptRecordType},
		"alias":         {Accept: entity.AcceptString},
		"name":          {Accept: entity.AcceptString},
		"hashtag":       {Accept: entity.AcceptInt64},
		"datetime_from": {Accept: acceptTime},
		"datetime_to":   {Accept: acceptTime},
		"checked":       {Accept: entity.AcceptBool},
		"user":          {Accept: entity.AcceptInt64, Default: int64(0)},
	},
}

// NewRecordSet returns the set of all non-root records ordered by time.
// Filters: project, parent (category id), type, alias, name (alias or name
// search), hashtag (hashtag id), datetime_from, datetime_to, checked, user
// (whose checked marks are reported).
func NewRecordSet(s *entity.Session) *entity.Set[*Record, recordRow] {
	return entity.NewSet(s, recordSetDef)
}

// Children returns the set of the immediate children of r.
func (r *Record) Children(s *entity.Session) *entity.Set[*Record, recordRow] {
	return NewRecordSet(s).MustFilter("parent", r.id)
}
