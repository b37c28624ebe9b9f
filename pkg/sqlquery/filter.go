package sqlquery

import "strings"

// Filter is a node of a WHERE expression tree.
type Filter interface {
	render(d Dialect) (string, []any)
}

type stringFilter struct {
	fragment string
	args     []any
}

// String wraps a raw SQL fragment. Placeholders are written as '?'.
func String(fragment string, args ...any) Filter {
	return stringFilter{fragment: fragment, args: append([]any(nil), args...)}
}

func (f stringFilter) render(Dialect) (string, []any) {
	return f.fragment, f.args
}

// Anchor pins a search value to the start or end of the column value.
type Anchor int

// Anchors. AnchorNone matches the value anywhere.
const (
	AnchorNone  Anchor = 0
	AnchorStart Anchor = 1
	AnchorEnd   Anchor = 2
	AnchorBoth         = AnchorStart | AnchorEnd
)

type searchFilter struct {
	column string
	value  string
	anchor Anchor
}

// Search matches column case-insensitively against value. LIKE wildcards in
// value are escaped.
func Search(column, value string, anchor Anchor) Filter {
	return searchFilter{column: column, value: value, anchor: anchor}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (f searchFilter) render(d Dialect) (string, []any) {
	pattern := likeEscaper.Replace(f.value)
	if f.anchor&AnchorStart == 0 {
		pattern = "%" + pattern
	}
	if f.anchor&AnchorEnd == 0 {
		pattern += "%"
	}
	return d.Search(f.column), []any{pattern}
}

type junction struct {
	op    string
	parts []Filter
}

// And joins filters with AND. Nil filters are skipped.
func And(filters ...Filter) Filter { return combine("AND", filters) }

// Or joins filters with OR. Nil filters are skipped.
func Or(filters ...Filter) Filter { return combine("OR", filters) }

func combine(op string, filters []Filter) Filter {
	parts := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			parts = append(parts, f)
		}
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}
	return junction{op: op, parts: parts}
}

func (j junction) render(d Dialect) (string, []any) {
	texts := make([]string, len(j.parts))
	var args []any
	for i, p := range j.parts {
		text, a := p.render(d)
		texts[i] = text
		args = append(args, a...)
	}
	return "(" + strings.Join(texts, " "+j.op+" ") + ")", args
}

type negation struct {
	inner Filter
}

// Not negates f.
func Not(f Filter) Filter {
	if f == nil {
		return nil
	}
	return negation{inner: f}
}

func (n negation) render(d Dialect) (string, []any) {
	text, args := n.inner.render(d)
	return "NOT (" + text + ")", args
}
