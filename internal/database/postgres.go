package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/metrics"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	original_name TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('processing', 'ready', 'error')),
	master_playlist_url TEXT NOT NULL DEFAULT '',
	poster_url TEXT NOT NULL DEFAULT '',
	duration DOUBLE PRECISION,
	error TEXT NOT NULL DEFAULT '',
	source_path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);

CREATE TABLE IF NOT EXISTS renditions (
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	quality TEXT NOT NULL,
	playlist_url TEXT NOT NULL,
	bitrate TEXT NOT NULL,
	resolution TEXT NOT NULL,
	bandwidth INTEGER NOT NULL,
	PRIMARY KEY (job_id, position)
);
`

// Postgres is the job store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn and creates the schema if needed.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if poolCfg.MaxConns < 4 {
		poolCfg.MaxConns = 4
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = 30 * time.Second
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "vod-transcoder"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}

	logging.Info("Postgres job store connected (%s@%s/%s)",
		poolCfg.ConnConfig.User, poolCfg.ConnConfig.Host, poolCfg.ConnConfig.Database)
	return &Postgres{pool: pool, now: time.Now}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

// CreateJob inserts a new job in processing status.
func (p *Postgres) CreateJob(ctx context.Context, nj NewJob) (*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("create_job", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := p.now().UTC().Truncate(time.Microsecond)
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

	_, err = p.pool.Exec(ctx, `
		INSERT INTO jobs (id, title, original_name, status, source_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		job.ID, job.Title, job.OriginalName, string(job.Status), job.SourcePath, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob returns the job with the given id or ErrJobNotFound.
func (p *Postgres) GetJob(ctx context.Context, id string) (*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_job", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := scanPgJob(tx.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrJobNotFound
		}
		return nil, err
	}

	byJob, err := loadPgRenditions(ctx, tx, []string{job.ID})
	if err != nil {
		return nil, err
	}
	job.Renditions = nonNil(byJob[job.ID])
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (p *Postgres) ListJobs(ctx context.Context, status JobStatus) ([]*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_jobs", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := "SELECT " + jobColumns + " FROM jobs"
	var args []any
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, seq DESC"

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	jobs := []*Job{}
	ids := []string{}
	for rows.Next() {
		var job *Job
		job, err = scanPgJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	byJob, err := loadPgRenditions(ctx, tx, ids)
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
func (p *Postgres) UpdateJob(ctx context.Context, id string, update JobUpdate) (*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_job", start, err) }()

	err = p.updateJob(ctx, id, update)
	if err != nil {
		return nil, err
	}
	job, readErr := p.GetJob(ctx, id)
	if readErr != nil {
		logging.Warn("Job %s updated but could not be read back: %v", id, readErr)
		return committedJob(id, update), nil
	}
	return job, nil
}

func (p *Postgres) updateJob(ctx context.Context, id string, update JobUpdate) (err error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback also failed: %w", rbErr))
			}
		}
	}()

	var current string
	if err = tx.QueryRow(ctx, "SELECT status FROM jobs WHERE id = $1 FOR UPDATE", id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrJobNotFound
		}
		return err
	}
	if err = validateUpdate(JobStatus(current), update); err != nil {
		return err
	}

	now := p.now().UTC()
	args := []any{now}
	sets := []string{"updated_at = $1"}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if update.Title != nil {
		add("title", *update.Title)
	}
	if update.MasterPlaylistURL != nil {
		add("master_playlist_url", *update.MasterPlaylistURL)
	}
	if update.PosterURL != nil {
		add("poster_url", *update.PosterURL)
	}
	if update.Duration != nil {
		add("duration", *update.Duration)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.Status != nil {
		add("status", string(*update.Status))
		add("completed_at", now)
	}
	args = append(args, id)

	tag, err := tx.Exec(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = $"+strconv.Itoa(len(args))+" AND status = 'processing'",
		args...,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = ErrJobFinalized
		return err
	}

	if update.Renditions != nil {
		if _, err = tx.Exec(ctx, "DELETE FROM renditions WHERE job_id = $1", id); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, r := range update.Renditions {
			batch.Queue(`
				INSERT INTO renditions (job_id, position, quality, playlist_url, bitrate, resolution, bandwidth)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				id, i, r.Quality, r.PlaylistURL, r.Bitrate, r.Resolution, r.Bandwidth)
		}
		if err = tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}

	err = tx.Commit(ctx)
	return err
}

// CountByStatus returns the number of jobs in each status.
func (p *Postgres) CountByStatus(ctx context.Context) (map[string]int, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("count_by_status", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
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

// UpdateDBMetrics updates connection pool metrics.
func (p *Postgres) UpdateDBMetrics() {
	metrics.DBConnectionsOpen.Set(float64(p.pool.Stat().TotalConns()))
}

func scanPgJob(row pgx.Row) (*Job, error) {
	var (
		job         Job
		status      string
		createdAt   time.Time
		updatedAt   time.Time
		completedAt *time.Time
	)
	err := row.Scan(&job.ID, &job.Title, &job.OriginalName, &status, &job.MasterPlaylistURL,
		&job.PosterURL, &job.Duration, &job.Error, &job.SourcePath, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.CreatedAt = createdAt.UTC()
	job.UpdatedAt = updatedAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

func loadPgRenditions(ctx context.Context, tx pgx.Tx, ids []string) (map[string][]Rendition, error) {
	out := make(map[string][]Rendition, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT job_id, quality, playlist_url, bitrate, resolution, bandwidth
		FROM renditions WHERE job_id = ANY($1)
		ORDER BY job_id, position`, ids)
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
