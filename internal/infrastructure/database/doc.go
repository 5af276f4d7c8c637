// Package database provides SQLite database connectivity for IoTFlow Core.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations embedded into the binary
//   - Connection pooling and lifecycle management
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Performance Characteristics:
//   - WAL mode allows concurrent reads during writes
//   - Busy timeout prevents lock contention errors
//   - The pool sizes to the configured connection count so credential
//     lookups on the ingestion hot path never queue behind each other
//
// Usage:
//
//	db, err := database.Open(database.Config{
//	    Path:         cfg.Database.Path,
//	    WALMode:      cfg.Database.WALMode,
//	    BusyTimeout:  cfg.Database.BusyTimeout,
//	    MaxOpenConns: cfg.Database.MaxOpenConns,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	// Run migrations
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are additive-only to support safe rollbacks:
//   - New columns must be NULLABLE or have DEFAULT values
//   - Never DROP or RENAME columns (until a major release)
//   - Each migration file has both .up.sql and .down.sql
package database
