// Package database provides SQLite connectivity for Floodgate Core.
//
// It opens the store with WAL mode and a busy timeout, runs embedded schema
// migrations, and offers WithTx for the single-transaction units of work
// used by batch persistence and the health sweeper.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are NULLABLE or carry a DEFAULT, and
// every .up.sql has a matching .down.sql.
package database
