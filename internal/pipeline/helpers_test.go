package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vod-transcoder/internal/database"
	"vod-transcoder/internal/filesystem"
	"vod-transcoder/internal/profiles"
	"vod-transcoder/internal/transcoder"
)

// fakeEngine writes a small HLS rendition per request. Behaviour can be
// overridden per output directory name (the profile label).
type fakeEngine struct {
	fail  map[string]error
	panic map[string]bool
	block bool
	delay map[string]time.Duration

	active    atomic.Int32
	maxActive atomic.Int32

	mu    sync.Mutex
	calls []string
}

func (f *fakeEngine) Transcode(ctx context.Context, req transcoder.Request) error {
	label := filepath.Base(filepath.Dir(req.PlaylistPath))

	f.mu.Lock()
	f.calls = append(f.calls, label)
	f.mu.Unlock()

	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if f.panic[label] {
		panic("engine exploded on " + label)
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if d := f.delay[label]; d > 0 {
		time.Sleep(d)
	}
	if err := f.fail[label]; err != nil {
		return err
	}
	if f.fail["*"] != nil {
		return f.fail["*"]
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n")
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("segment%03d.ts", i)
		if err := os.WriteFile(filepath.Join(filepath.Dir(req.PlaylistPath), name), []byte("ts"), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(&b, "#EXTINF:5.000000,\n%s\n", name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return os.WriteFile(req.PlaylistPath, []byte(b.String()), 0o644)
}

// flakyStore fails UpdateJob a set number of times before delegating.
type flakyStore struct {
	database.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) UpdateJob(ctx context.Context, id string, u database.JobUpdate) (*database.Job, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures != 0
	if s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()

	if fail {
		return nil, errors.New("database is locked")
	}
	return s.Store.UpdateJob(ctx, id, u)
}

// droppedAckStore commits the first UpdateJob and then reports an error,
// as when the connection drops after COMMIT.
type droppedAckStore struct {
	database.Store
	mu    sync.Mutex
	calls int
}

func (s *droppedAckStore) UpdateJob(ctx context.Context, id string, u database.JobUpdate) (*database.Job, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()

	job, err := s.Store.UpdateJob(ctx, id, u)
	if first && err == nil {
		return nil, errors.New("connection reset by peer")
	}
	return job, err
}

type fakePoster struct {
	mu        sync.Mutex
	fromImage []string
	fromVideo []string
	imageErr  error
	videoErr  error
}

func (p *fakePoster) FromVideo(_ context.Context, source, dest string) error {
	p.mu.Lock()
	p.fromVideo = append(p.fromVideo, source)
	p.mu.Unlock()
	if p.videoErr != nil {
		return p.videoErr
	}
	return os.WriteFile(dest, []byte("jpeg"), 0o644)
}

func (p *fakePoster) FromImageFile(path, dest string) error {
	p.mu.Lock()
	p.fromImage = append(p.fromImage, path)
	p.mu.Unlock()
	if p.imageErr != nil {
		return p.imageErr
	}
	return os.WriteFile(dest, []byte("jpeg"), 0o644)
}

type testEnv struct {
	store      *database.Database
	streamsDir string
	uploadDir  string
	engine     *fakeEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	db, err := database.New(context.Background(), filepath.Join(root, database.DatabaseFileName))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		store:      db,
		streamsDir: filepath.Join(root, "streams"),
		uploadDir:  filepath.Join(root, "uploads"),
		engine:     &fakeEngine{},
	}
	for _, dir := range []string{env.streamsDir, env.uploadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return env
}

func ladder(t *testing.T, labels ...string) *profiles.Table {
	t.Helper()
	all := map[string]profiles.Profile{}
	for _, p := range profiles.Default().Profiles() {
		all[p.Label] = p
	}
	var ps []profiles.Profile
	for _, l := range labels {
		ps = append(ps, all[l])
	}
	table, err := profiles.NewTable(ps)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func fastRetry() database.RetryConfig {
	return database.RetryConfig{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func (e *testEnv) orchestrator(t *testing.T, table *profiles.Table, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Store:             e.store,
		Encoder:           transcoder.NewEncoder(e.engine, time.Minute),
		Profiles:          table,
		StreamsDir:        e.streamsDir,
		EncodeConcurrency: 2,
		Retry:             fastRetry(),
		FileRetry:         filesystem.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

// newTask stages a source file and creates its job record.
func (e *testEnv) newTask(t *testing.T, name string) Task {
	t.Helper()
	source := filepath.Join(e.uploadDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), name))
	if err := os.WriteFile(source, []byte("source video bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	job, err := e.store.CreateJob(context.Background(), database.NewJob{Title: name, OriginalName: name, SourcePath: source})
	if err != nil {
		t.Fatal(err)
	}
	return Task{JobID: job.ID, SourcePath: source}
}

func (e *testEnv) job(t *testing.T, id string) *database.Job {
	t.Helper()
	job, err := e.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func assertGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed (stat err: %v)", path, err)
	}
}

func assertExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected %s to exist: %v", path, err)
	}
}
