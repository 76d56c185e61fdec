package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// Database is the SQLite job store.
type Database struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

var _ Store = (*Database)(nil)

// New creates a new Database instance.
// IMPORTANT: dbPath should be the full path to the database FILE (e.g., "/data/videos.db"),
// and the parent directory must already exist and be writable.
func New(ctx context.Context, dbPath string) (*Database, error) {
	logging.Info("Database path: %s", dbPath)

	// Diagnose potential permission issues
	if err := diagnoseDatabasePermissions(dbPath); err != nil {
		logging.Warn("Database permission diagnostics: %v", err)
	}

	// Use WAL mode so pollers can read while the pipeline writes.
	// busy_timeout helps prevent "database is locked" errors
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	d := &Database{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	if err := d.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logging.Info("Database initialized successfully at %s", dbPath)
	return d, nil
}

func (d *Database) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		original_name TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('processing', 'ready', 'error')),
		master_playlist_url TEXT NOT NULL DEFAULT '',
		poster_url TEXT NOT NULL DEFAULT '',
		duration REAL,
		error TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);

	-- Renditions of ready jobs, in ladder order
	CREATE TABLE IF NOT EXISTS renditions (
		job_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		quality TEXT NOT NULL,
		playlist_url TEXT NOT NULL,
		bitrate TEXT NOT NULL,
		resolution TEXT NOT NULL,
		bandwidth INTEGER NOT NULL,
		PRIMARY KEY (job_id, position),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);
	`

	_, err := d.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the database connection.
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return d.db.PingContext(ctx)
}

// CreateJob inserts a new job in processing status.
func (d *Database) CreateJob(ctx context.Context, nj NewJob) (*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("create_job", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := d.now().UTC()
	job := &Job{
		ID:           uuid.NewString(),
		Title:        nj.Title,
		OriginalName: nj.OriginalName,
		Status:       StatusProcessing,
		Renditions:   []Rendition{},
		SourcePath:   nj.SourcePath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO jobs (id, title, original_name, status, source_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Title, job.OriginalName, string(job.Status), job.SourcePath,
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

const jobColumns = `id, title, original_name, status, master_playlist_url, poster_url,
	duration, error, source_path, created_at, updated_at, completed_at`

// GetJob returns the job with the given id or ErrJobNotFound.
func (d *Database) GetJob(ctx context.Context, id string) (*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_job", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	// Read the job and its renditions from one snapshot.
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrJobNotFound
		}
		return nil, err
	}

	byJob, err := loadRenditions(ctx, tx, []string{job.ID})
	if err != nil {
		return nil, err
	}
	job.Renditions = nonNil(byJob[job.ID])
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (d *Database) ListJobs(ctx context.Context, status JobStatus) ([]*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_jobs", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := "SELECT " + jobColumns + " FROM jobs"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, seq DESC"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	jobs := []*Job{}
	ids := []string{}
	for rows.Next() {
		var job *Job
		job, err = scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	byJob, err := loadRenditions(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		job.Renditions = nonNil(byJob[job.ID])
	}
	return jobs, nil
}

// UpdateJob applies update in a single transaction. Once the transaction
// commits it does not fail; see committedJob.
func (d *Database) UpdateJob(ctx context.Context, id string, update JobUpdate) (*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_job", start, err) }()

	err = d.updateJob(ctx, id, update)
	if err != nil {
		return nil, err
	}
	job, readErr := d.GetJob(ctx, id)
	if readErr != nil {
		logging.Warn("Job %s updated but could not be read back: %v", id, readErr)
		return committedJob(id, update), nil
	}
	return job, nil
}

func (d *Database) updateJob(ctx context.Context, id string, update JobUpdate) (err error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback also failed: %w", rbErr))
			}
		}
	}()

	var current string
	if err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrJobNotFound
		}
		return err
	}
	if err = validateUpdate(JobStatus(current), update); err != nil {
		return err
	}

	now := d.now().UTC()
	sets := []string{"updated_at = ?"}
	args := []any{now.UnixNano()}
	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.MasterPlaylistURL != nil {
		sets = append(sets, "master_playlist_url = ?")
		args = append(args, *update.MasterPlaylistURL)
	}
	if update.PosterURL != nil {
		sets = append(sets, "poster_url = ?")
		args = append(args, *update.PosterURL)
	}
	if update.Duration != nil {
		sets = append(sets, "duration = ?")
		args = append(args, *update.Duration)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?", "completed_at = ?")
		args = append(args, string(*update.Status), now.UnixNano())
	}
	args = append(args, id)

	// The status guard makes a concurrent finalisation lose cleanly.
	result, err := tx.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = 'processing'",
		args...,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		err = ErrJobFinalized
		return err
	}

	if update.Renditions != nil {
		if _, err = tx.ExecContext(ctx, "DELETE FROM renditions WHERE job_id = ?", id); err != nil {
			return err
		}
		for i, r := range update.Renditions {
			if _, err = tx.ExecContext(ctx, `
				INSERT INTO renditions (job_id, position, quality, playlist_url, bitrate, resolution, bandwidth)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, i, r.Quality, r.PlaylistURL, r.Bitrate, r.Resolution, r.Bandwidth,
			); err != nil {
				return err
			}
		}
	}

	err = tx.Commit()
	return err
}

// CountByStatus returns the number of jobs in each status.
func (d *Database) CountByStatus(ctx context.Context) (map[string]int, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("count_by_status", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{
		string(StatusProcessing): 0,
		string(StatusReady):      0,
		string(StatusError):      0,
	}
	for rows.Next() {
		var status string
		var n int
		if err = rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	err = rows.Err()
	return counts, err
}

// UpdateDBMetrics updates database connection metrics
func (d *Database) UpdateDBMetrics() {
	stats := d.db.Stats()
	metrics.DBConnectionsOpen.Set(float64(stats.OpenConnections))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                  Job
		status               string
		duration             sql.NullFloat64
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Title, &job.OriginalName, &status, &job.MasterPlaylistURL,
		&job.PosterURL, &duration, &job.Error, &job.SourcePath, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	if duration.Valid {
		v := duration.Float64
		job.Duration = &v
	}
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

func loadRenditions(ctx context.Context, tx *sql.Tx, ids []string) (map[string][]Rendition, error) {
	out := make(map[string][]Rendition, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT job_id, quality, playlist_url, bitrate, resolution, bandwidth
		FROM renditions WHERE job_id IN (`+placeholders+`)
		ORDER BY job_id, position`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var jobID string
		var r Rendition
		if err := rows.Scan(&jobID, &r.Quality, &r.PlaylistURL, &r.Bitrate, &r.Resolution, &r.Bandwidth); err != nil {
			return nil, err
		}
		out[jobID] = append(out[jobID], r)
	}
	return out, rows.Err()
}

func nonNil(r []Rendition) []Rendition {
	if r == nil {
		return []Rendition{}
	}
	return r
}

// recordQuery records database query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}

// diagnoseDatabasePermissions checks database directory and file permissions
func diagnoseDatabasePermissions(dbPath string) error {
	dir := filepath.Dir(dbPath)

	// Check directory permissions
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot stat database directory: %w", err)
	}

	logging.Debug("Database directory: %s (mode: %v)", dir, dirInfo.Mode())

	// Check if directory is writable by testing
	testFile := filepath.Join(dir, ".perm-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("database directory not writable: %w", err)
	}
	_ = os.Remove(testFile) // Explicitly ignore cleanup error

	// Check main database file and its WAL companions
	for _, path := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		logging.Debug("Database file exists: %s (mode: %v, size: %d bytes)", path, info.Mode(), info.Size())
		if info.Mode().Perm()&0o200 == 0 {
			logging.Warn("%s is read-only! Mode: %v - this will cause write failures", path, info.Mode())
			if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
				logging.Error("Failed to fix permissions on %s: %v", path, chmodErr)
			} else {
				logging.Info("Fixed permissions on %s", path)
			}
		}
	}

	return nil
}
