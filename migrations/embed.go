// Package migrations embeds the bridge's SQL migrations. Importing it
// registers them with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/vbus-bridge/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files, ".")
}
