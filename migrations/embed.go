// Package migrations embeds the control-plane SQL migrations into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/jukebox-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.RegisterMigrations(migrationsFS, ".")
}
