// Package sqlquery composes SELECT statements that render portably across
// the supported SQL dialects. A Builder is pure: building it never mutates it,
// and unsupported constructs are reported by Build rather than by the database.
package sqlquery

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"corefacility/pkg/domain"
)

// JoinKind selects the join operator.
type JoinKind int

// Join kinds. JoinOuter is a FULL OUTER join.
const (
	JoinInner JoinKind = iota
	JoinLeft
	JoinRight
	JoinOuter
	JoinUnion
	JoinCross
)

func (k JoinKind) String() string {
	switch k {
	case JoinInner:
		return "INNER JOIN"
	case JoinLeft:
		return "LEFT OUTER JOIN"
	case JoinRight:
		return "RIGHT OUTER JOIN"
	case JoinOuter:
		return "FULL OUTER JOIN"
	case JoinUnion:
		return "UNION JOIN"
	case JoinCross:
		return "CROSS JOIN"
	default:
		return "UNKNOWN JOIN"
	}
}

// CompoundOp selects a set operator between two SELECTs.
type CompoundOp int

// Compound operators.
const (
	Union CompoundOp = iota
	Intersect
	Except
)

func (op CompoundOp) String() string {
	switch op {
	case Union:
		return "UNION"
	case Intersect:
		return "INTERSECT"
	case Except:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// Direction is an ORDER BY direction.
type Direction int

// Directions.
const (
	Asc Direction = iota
	Desc
)

// Nulls selects where NULLs go in an ORDER BY term.
type Nulls int

// Null orderings. NullsDefault leaves the engine default in place.
const (
	NullsDefault Nulls = iota
	NullsFirst
	NullsLast
)

// Dialect renders the dialect-specific parts of a statement.
type Dialect interface {
	// Name is the configuration name of the dialect.
	Name() string
	// BindType is the sqlx bind type used to rewrite '?' placeholders.
	BindType() int
	QuoteName(name string) string
	Join(kind JoinKind) (string, error)
	DistinctOn(exprs []string) (string, error)
	Compound(op CompoundOp, all bool) (string, error)
	OrderTerm(expr string, dir Direction, nulls Nulls) string
	LimitOffset(limit, offset *int) string
	// Search renders a case-insensitive LIKE on column with one placeholder.
	Search(column string) string
	AggregateSafe(expr string) string
	TotalCount(expr string) string
	StringConcatenation(args []string) string
	JSONObjectAggregation(key, value string) string
}

// DialectByName resolves a configured dialect name.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx":
		return Postgres(), nil
	case "mysql":
		return MySQL(), nil
	case "sqlite", "sqlite3", "":
		return SQLite(), nil
	default:
		return nil, fmt.Errorf("unknown query builder dialect %q", name)
	}
}

func unsupported(d Dialect, feature string) error {
	return domain.FeatureNotSupportedError{Dialect: d.Name(), Feature: feature}
}

func quoteDotted(name string, quote byte) string {
	parts := strings.Split(name, ".")
	q := string(quote)
	for i, p := range parts {
		if p == "*" {
			continue
		}
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}

func directionKeyword(dir Direction) string {
	if dir == Desc {
		return "DESC"
	}
	return "ASC"
}

// standardOrderTerm renders NULLS FIRST/LAST natively.
func standardOrderTerm(expr string, dir Direction, nulls Nulls) string {
	term := expr + " " + directionKeyword(dir)
	switch nulls {
	case NullsFirst:
		term += " NULLS FIRST"
	case NullsLast:
		term += " NULLS LAST"
	}
	return term
}

func totalCount(expr string) string {
	if expr == "" {
		return "COUNT(*)"
	}
	return "COUNT(DISTINCT " + expr + ")"
}

type postgres struct{}

// Postgres returns the PostgreSQL dialect.
func Postgres() Dialect { return postgres{} }

func (postgres) Name() string                 { return "postgres" }
func (postgres) BindType() int                { return sqlx.DOLLAR }
func (postgres) QuoteName(name string) string { return quoteDotted(name, '"') }

func (d postgres) Join(kind JoinKind) (string, error) {
	if kind == JoinUnion {
		return "", unsupported(d, kind.String())
	}
	return kind.String(), nil
}

func (postgres) DistinctOn(exprs []string) (string, error) {
	return "DISTINCT ON (" + strings.Join(exprs, ", ") + ")", nil
}

func (postgres) Compound(op CompoundOp, all bool) (string, error) {
	if all {
		return op.String() + " ALL", nil
	}
	return op.String(), nil
}

func (postgres) OrderTerm(expr string, dir Direction, nulls Nulls) string {
	return standardOrderTerm(expr, dir, nulls)
}

func (postgres) LimitOffset(limit, offset *int) string {
	var parts []string
	if limit != nil {
		parts = append(parts, fmt.Sprintf("LIMIT %d", *limit))
	}
	if offset != nil {
		parts = append(parts, fmt.Sprintf("OFFSET %d", *offset))
	}
	return strings.Join(parts, " ")
}

func (postgres) Search(column string) string      { return column + " ILIKE ?" }
func (postgres) AggregateSafe(expr string) string { return expr }
func (postgres) TotalCount(expr string) string    { return totalCount(expr) }

func (postgres) StringConcatenation(args []string) string {
	return "(" + strings.Join(args, " || ") + ")"
}

func (postgres) JSONObjectAggregation(key, value string) string {
	return "json_object_agg(" + key + ", " + value + ")"
}

type mysql struct{}

// MySQL returns the MySQL 8 dialect.
func MySQL() Dialect { return mysql{} }

func (mysql) Name() string                 { return "mysql" }
func (mysql) BindType() int                { return sqlx.QUESTION }
func (mysql) QuoteName(name string) string { return quoteDotted(name, '`') }

func (d mysql) Join(kind JoinKind) (string, error) {
	if kind == JoinOuter || kind == JoinUnion {
		return "", unsupported(d, kind.String())
	}
	return kind.String(), nil
}

func (d mysql) DistinctOn([]string) (string, error) {
	return "", unsupported(d, "DISTINCT ON")
}

func (mysql) Compound(op CompoundOp, all bool) (string, error) {
	if all {
		return op.String() + " ALL", nil
	}
	return op.String(), nil
}

// OrderTerm emulates NULLS FIRST/LAST with an IS NULL sort key.
func (mysql) OrderTerm(expr string, dir Direction, nulls Nulls) string {
	term := expr + " " + directionKeyword(dir)
	switch nulls {
	case NullsFirst:
		return expr + " IS NULL DESC, " + term
	case NullsLast:
		return expr + " IS NULL ASC, " + term
	}
	return term
}

func (mysql) LimitOffset(limit, offset *int) string {
	switch {
	case limit != nil && offset != nil:
		return fmt.Sprintf("LIMIT %d OFFSET %d", *limit, *offset)
	case limit != nil:
		return fmt.Sprintf("LIMIT %d", *limit)
	case offset != nil:
		return fmt.Sprintf("LIMIT 18446744073709551615 OFFSET %d", *offset)
	}
	return ""
}

func (mysql) Search(column string) string      { return column + " LIKE ?" }
func (mysql) AggregateSafe(expr string) string { return "ANY_VALUE(" + expr + ")" }
func (mysql) TotalCount(expr string) string    { return totalCount(expr) }

func (mysql) StringConcatenation(args []string) string {
	return "CONCAT(" + strings.Join(args, ", ") + ")"
}

func (mysql) JSONObjectAggregation(key, value string) string {
	return "JSON_OBJECTAGG(" + key + ", " + value + ")"
}

type sqlite struct{}

// SQLite returns the SQLite dialect.
func SQLite() Dialect { return sqlite{} }

func (sqlite) Name() string                 { return "sqlite" }
func (sqlite) BindType() int                { return sqlx.QUESTION }
func (sqlite) QuoteName(name string) string { return quoteDotted(name, '"') }

func (d sqlite) Join(kind JoinKind) (string, error) {
	switch kind {
	case JoinInner, JoinLeft, JoinCross:
		return kind.String(), nil
	}
	return "", unsupported(d, kind.String())
}

func (d sqlite) DistinctOn([]string) (string, error) {
	return "", unsupported(d, "DISTINCT ON")
}

func (d sqlite) Compound(op CompoundOp, all bool) (string, error) {
	if !all {
		return op.String(), nil
	}
	if op != Union {
		return "", unsupported(d, op.String()+" ALL")
	}
	return "UNION ALL", nil
}

func (sqlite) OrderTerm(expr string, dir Direction, nulls Nulls) string {
	return standardOrderTerm(expr, dir, nulls)
}

func (sqlite) LimitOffset(limit, offset *int) string {
	switch {
	case limit != nil && offset != nil:
		return fmt.Sprintf("LIMIT %d OFFSET %d", *limit, *offset)
	case limit != nil:
		return fmt.Sprintf("LIMIT %d", *limit)
	case offset != nil:
		return fmt.Sprintf("LIMIT -1 OFFSET %d", *offset)
	}
	return ""
}

func (sqlite) Search(column string) string      { return column + ` LIKE ? ESCAPE '\'` }
func (sqlite) AggregateSafe(expr string) string { return expr }
func (sqlite) TotalCount(expr string) string    { return totalCount(expr) }

func (sqlite) StringConcatenation(args []string) string {
	return "(" + strings.Join(args, " || ") + ")"
}

func (sqlite) JSONObjectAggregation(key, value string) string {
	return "json_group_object(" + key + ", " + value + ")"
}
