package db

import "embed"

// MigrationFS embeds the SQL migration files so the migrate runner works
// from a bare binary without shipping the migrations directory alongside it.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
