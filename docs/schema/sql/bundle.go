// Package sqldocs exposes the per-dialect schema migrations straight from the
// docs tree. Each dialect lives in its own directory named after the query
// builder dialect.
package sqldocs

import "embed"

// Migrations holds the golang-migrate style up/down files for every dialect.
//
//go:embed postgres/*.sql mysql/*.sql sqlite/*.sql
var Migrations embed.FS
