// Package migrations embeds the catalog schema for every SQL dialect.
package migrations

import "embed"

// FS holds one directory of goose migrations per dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS

const (
	SQLiteDir   = "sqlite"
	PostgresDir = "postgres"
)
