// Package database provides SQLite connectivity for the jukebox control plane.
//
// This package manages:
//   - Database connection with WAL mode so API reads don't block bus writes
//   - Versioned schema migrations registered from an fs.FS
//   - Connection lifecycle and health checks
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: new columns are NULLABLE or carry a DEFAULT,
// and every .up.sql has a matching .down.sql.
package database
