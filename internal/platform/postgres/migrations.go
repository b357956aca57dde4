package postgres

import "embed"

// Migrations holds the embedded goose migration files for the task store
// schema. cmd/server applies them at startup when -migrate is set.
//
//go:embed migrations/*.sql
var Migrations embed.FS
