package database

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// DatabaseFileName is the SQLite file created inside the database directory.
const DatabaseFileName = "videos.db"

// Store persists jobs. Implementations apply UpdateJob atomically: readers
// never see a status without the renditions and manifest written with it.
type Store interface {
	CreateJob(ctx context.Context, job NewJob) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListJobs returns jobs newest first. An empty status lists every job.
	ListJobs(ctx context.Context, status JobStatus) ([]*Job, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) (*Job, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a Store.
type Options struct {
	// DatabaseURL selects Postgres when set.
	DatabaseURL string
	// DatabaseDir holds the SQLite file when DatabaseURL is empty.
	DatabaseDir string
}

// Open returns a Postgres store when DatabaseURL is set and a SQLite store
// otherwise.
func Open(ctx context.Context, opts Options) (Store, error) {
	if strings.TrimSpace(opts.DatabaseURL) != "" {
		return NewPostgres(ctx, opts.DatabaseURL)
	}
	if opts.DatabaseDir == "" {
		return nil, fmt.Errorf("database directory required when DATABASE_URL is unset")
	}
	return New(ctx, filepath.Join(opts.DatabaseDir, DatabaseFileName))
}

// validateUpdate enforces the job state machine:
// processing -> ready (with renditions and a manifest) | error.
func validateUpdate(current JobStatus, u JobUpdate) error {
	if current.Terminal() {
		return fmt.Errorf("%w: job is %s", ErrJobFinalized, current)
	}

	if u.Status == nil {
		if u.Renditions != nil || u.MasterPlaylistURL != nil {
			return fmt.Errorf("%w: renditions are only written with status %s", ErrInvalidTransition, StatusReady)
		}
		return nil
	}

	switch *u.Status {
	case StatusReady:
		if len(u.Renditions) == 0 {
			return fmt.Errorf("%w: %s requires at least one rendition", ErrInvalidTransition, StatusReady)
		}
		if u.MasterPlaylistURL == nil || *u.MasterPlaylistURL == "" {
			return fmt.Errorf("%w: %s requires a master playlist", ErrInvalidTransition, StatusReady)
		}
	case StatusError:
		if len(u.Renditions) > 0 || (u.MasterPlaylistURL != nil && *u.MasterPlaylistURL != "") {
			return fmt.Errorf("%w: %s cannot carry renditions", ErrInvalidTransition, StatusError)
		}
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *u.Status)
	}
	return nil
}
