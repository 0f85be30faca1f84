// Package migrations carries the PostgreSQL schema for users and
// entitlements as embedded SQL, registered with bun's migrator.
package migrations

import (
	"embed"

	"github.com/uptrace/bun/migrate"
)

//go:embed *.sql
var migrationFS embed.FS

// FS exposes the raw SQL files for runners that bypass bun, such as the
// storage contract tests.
var FS = migrationFS

// Migrations is the registry a bun migrator runs; entries are ordered by
// filename timestamp prefix.
var Migrations = migrate.NewMigrations()

func init() {
	_ = Migrations.Discover(migrationFS)
}
