package janitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vod-transcoder/internal/database"
	"vod-transcoder/internal/pipeline"
)

type testEnv struct {
	db      *database.Database
	uploads string
	streams string
	sweeper *Sweeper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		uploads: filepath.Join(root, "uploads"),
		streams: filepath.Join(root, "streams"),
	}
	for _, d := range []string{env.uploads, env.streams} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	db, err := database.New(context.Background(), filepath.Join(root, "videos.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	env.db = db

	env.sweeper = New(db, Config{UploadDir: env.uploads, StreamsDir: env.streams, Grace: time.Hour})
	return env
}

// touch creates path with the given age.
func touch(t *testing.T, path string, age time.Duration, dir bool) {
	t.Helper()
	var err error
	if dir {
		err = os.MkdirAll(path, 0o755)
	} else {
		err = os.WriteFile(path, []byte("x"), 0o644)
	}
	if err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSweepUploads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	active := filepath.Join(env.uploads, "1-active.mp4")
	touch(t, active, 2*time.Hour, false)
	touch(t, active+pipeline.PosterSuffix, 2*time.Hour, false)
	if _, err := env.db.CreateJob(ctx, database.NewJob{Title: "a", OriginalName: "active.mp4", SourcePath: active}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	orphan := filepath.Join(env.uploads, "2-orphan.mp4")
	touch(t, orphan, 2*time.Hour, false)
	tempPoster := filepath.Join(env.uploads, ".poster-123")
	touch(t, tempPoster, 2*time.Hour, false)
	fresh := filepath.Join(env.uploads, "3-fresh.mp4")
	touch(t, fresh, time.Minute, false)

	result, err := env.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.UploadsRemoved != 2 {
		t.Errorf("UploadsRemoved = %d, want 2", result.UploadsRemoved)
	}

	for path, want := range map[string]bool{
		active:                         true,
		active + pipeline.PosterSuffix: true,
		orphan:                         false,
		tempPoster:                     false,
		fresh:                          true,
	} {
		if got := exists(path); got != want {
			t.Errorf("%s exists = %v, want %v", filepath.Base(path), got, want)
		}
	}
	if env.sweeper.LastSweep().IsZero() {
		t.Error("LastSweep not recorded")
	}
}

func TestSweepUploadsOfFinishedJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	source := filepath.Join(env.uploads, "1-done.mp4")
	touch(t, source, 2*time.Hour, false)
	job, err := env.db.CreateJob(ctx, database.NewJob{Title: "d", OriginalName: "done.mp4", SourcePath: source})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := env.db.UpdateJob(ctx, job.ID, database.JobUpdate{
		Status: database.StatusPtr(database.StatusError),
		Error:  database.StringPtr("boom"),
	}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	if _, err := env.sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if exists(source) {
		t.Error("source of a failed job survived the sweep")
	}
}

func TestSweepStreams(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.db.CreateJob(ctx, database.NewJob{Title: "k", OriginalName: "k.mp4", SourcePath: "/tmp/k"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	known := filepath.Join(env.streams, job.ID)
	touch(t, known, 2*time.Hour, true)
	orphan := filepath.Join(env.streams, "deadbeef")
	touch(t, filepath.Join(orphan, "720p"), 2*time.Hour, true)
	touch(t, orphan, 2*time.Hour, true)
	young := filepath.Join(env.streams, "cafebabe")
	touch(t, young, time.Minute, true)

	result, err := env.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.StreamsRemoved != 1 {
		t.Errorf("StreamsRemoved = %d, want 1", result.StreamsRemoved)
	}
	if !exists(known) || exists(orphan) || !exists(young) {
		t.Errorf("known=%v orphan=%v young=%v", exists(known), exists(orphan), exists(young))
	}
}

func TestSweepInProgress(t *testing.T) {
	env := newTestEnv(t)
	if !env.sweeper.tryStart() {
		t.Fatal("tryStart failed on an idle sweeper")
	}
	if _, err := env.sweeper.Sweep(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Errorf("Sweep() = %v, want ErrSweepInProgress", err)
	}
	env.sweeper.finish()
}

func TestSweepMissingDirectories(t *testing.T) {
	env := newTestEnv(t)
	env.sweeper.cfg.UploadDir = filepath.Join(env.uploads, "missing")
	if _, err := env.sweeper.Sweep(context.Background()); err == nil {
		t.Error("expected an error for a missing upload directory")
	}
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	env.sweeper.cfg.Interval = 10 * time.Millisecond
	orphan := filepath.Join(env.uploads, "old.mp4")
	touch(t, orphan, 2*time.Hour, false)

	env.sweeper.Start()
	defer env.sweeper.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for exists(orphan) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if exists(orphan) {
		t.Fatal("periodic sweep did not remove the orphan")
	}
	env.sweeper.Stop()
}
