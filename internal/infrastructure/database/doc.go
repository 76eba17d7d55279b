// Package database opens the bridge's SQLite database and applies its
// embedded migrations.
//
// The database is small: it holds the via-tag directory and nothing on
// the packet path touches it. WAL mode is still enabled by default so
// the HTTP API can list entries while a seed transaction is running.
//
// Migration files are named YYYYMMDD_HHMMSS_description.{up,down}.sql and
// are registered by the migrations package at init time.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
