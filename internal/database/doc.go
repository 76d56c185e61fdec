// Package database persists transcode jobs.
//
// Two Store implementations share one schema: SQLite (the default, a
// videos.db file in WAL mode) and Postgres through a pgx connection pool,
// selected when DATABASE_URL is set. Each job row carries its status, master
// playlist location and poster. Renditions live in a child table that is
// written in the same transaction as the status change.
//
// The store enforces the job state machine. A job starts in processing and
// moves exactly once to ready or error:
//   - ready requires at least one rendition and a master playlist
//   - error cannot carry renditions
//   - any update to a terminal job fails with ErrJobFinalized
//
// Retry wraps writes with exponential backoff and reports exhaustion as
// *MetadataStoreFailure.
package database
