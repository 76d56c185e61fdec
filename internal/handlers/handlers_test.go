package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"vod-transcoder/internal/database"
	"vod-transcoder/internal/pipeline"
	"vod-transcoder/internal/startup"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []pipeline.Task
	err   error
}

func (q *fakeQueue) Submit(task pipeline.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type testEnv struct {
	h     *Handlers
	db    *database.Database
	queue *fakeQueue
	dir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := &startup.Config{
		StreamsDir:    filepath.Join(dir, "streams"),
		UploadDir:     filepath.Join(dir, "uploads"),
		MaxUploadSize: 1 << 20,
		PosterEnabled: true,
	}
	for _, d := range []string{cfg.StreamsDir, cfg.UploadDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("MkdirAll(%s): %v", d, err)
		}
	}

	db, err := database.New(context.Background(), filepath.Join(dir, "videos.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	queue := &fakeQueue{}
	h := New(db, queue, cfg)
	h.retry = database.RetryConfig{Attempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	h.now = func() time.Time { return time.UnixMilli(1700000000000) }

	return &testEnv{h: h, db: db, queue: queue, dir: dir}
}

func (e *testEnv) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/upload", e.h.Upload).Methods(http.MethodPost)
	r.HandleFunc("/api/videos", e.h.ListVideos).Methods(http.MethodGet)
	r.HandleFunc("/api/videos/{id}", e.h.GetVideo).Methods(http.MethodGet)
	r.HandleFunc("/api/stream/{id}", e.h.GetStream).Methods(http.MethodGet)
	r.PathPrefix("/streams/").Handler(http.StripPrefix("/streams", http.HandlerFunc(e.h.ServeStreams)))
	r.HandleFunc("/health", e.h.HealthCheck)
	r.HandleFunc("/livez", e.h.LivenessCheck)
	r.HandleFunc("/readyz", e.h.ReadinessCheck)
	return r
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router().ServeHTTP(rec, req)
	return rec
}

// readyJob creates a job and finalises it as ready with one rendition.
func (e *testEnv) readyJob(t *testing.T, title string) *database.Job {
	t.Helper()
	ctx := context.Background()
	job, err := e.db.CreateJob(ctx, database.NewJob{Title: title, OriginalName: title + ".mp4", SourcePath: "/tmp/" + title})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	job, err = e.db.UpdateJob(ctx, job.ID, database.JobUpdate{
		Status: database.StatusPtr(database.StatusReady),
		Renditions: []database.Rendition{{
			Quality: "720p", PlaylistURL: "/streams/" + job.ID + "/720p/playlist.m3u8",
			Bitrate: "2800k", Resolution: "1280x720", Bandwidth: 2800000,
		}},
		MasterPlaylistURL: database.StringPtr("/streams/" + job.ID + "/master.m3u8"),
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	return job
}

type formPart struct {
	field    string
	filename string
	content  string
}

func multipartRequest(t *testing.T, parts ...formPart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		var w io.Writer
		var err error
		if p.filename != "" {
			w, err = mw.CreateFormFile(p.field, p.filename)
		} else {
			w, err = mw.CreateFormField(p.field)
		}
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := io.WriteString(w, p.content); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestUploadAcceptsVideo(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(multipartRequest(t,
		formPart{field: "title", content: "  Holiday  "},
		formPart{field: "video", filename: "clip one.mp4", content: "fake video bytes"},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.VideoID == "" || resp.Message != uploadedMessage {
		t.Errorf("unexpected response: %+v", resp)
	}

	if len(env.queue.tasks) != 1 {
		t.Fatalf("queued %d tasks, want 1", len(env.queue.tasks))
	}
	task := env.queue.tasks[0]
	if task.JobID != resp.VideoID {
		t.Errorf("task job = %s, want %s", task.JobID, resp.VideoID)
	}
	if want := filepath.Join(env.h.uploadDir, "1700000000000-clip_one.mp4"); task.SourcePath != want {
		t.Errorf("source path = %s, want %s", task.SourcePath, want)
	}
	data, err := os.ReadFile(task.SourcePath)
	if err != nil || string(data) != "fake video bytes" {
		t.Errorf("staged file = %q, %v", data, err)
	}

	job, err := env.db.GetJob(context.Background(), resp.VideoID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != database.StatusProcessing {
		t.Errorf("status = %s, want processing", job.Status)
	}
	if job.Title != "Holiday" || job.OriginalName != "clip one.mp4" {
		t.Errorf("title/original = %q/%q", job.Title, job.OriginalName)
	}
}

func TestUploadTitleDefaultsToFileName(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(multipartRequest(t, formPart{field: "video", filename: "trip.mov", content: "x"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	job, err := env.db.GetJob(context.Background(), env.queue.tasks[0].JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Title != "trip.mov" {
		t.Errorf("title = %q, want trip.mov", job.Title)
	}
}

func TestUploadStagesPoster(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(multipartRequest(t,
		formPart{field: "poster", filename: "cover.jpg", content: "jpeg"},
		formPart{field: "video", filename: "a.mp4", content: "video"},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	task := env.queue.tasks[0]
	if task.PosterPath != task.SourcePath+pipeline.PosterSuffix {
		t.Errorf("poster path = %s", task.PosterPath)
	}
	if data, err := os.ReadFile(task.PosterPath); err != nil || string(data) != "jpeg" {
		t.Errorf("poster = %q, %v", data, err)
	}
}

func TestUploadIgnoresNonImagePoster(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(multipartRequest(t,
		formPart{field: "poster", filename: "notes.txt", content: "text"},
		formPart{field: "video", filename: "a.mp4", content: "video"},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if p := env.queue.tasks[0].PosterPath; p != "" {
		t.Errorf("poster path = %q, want none", p)
	}
	entries, _ := os.ReadDir(env.h.uploadDir)
	if len(entries) != 1 {
		t.Errorf("upload dir has %d entries, want only the source", len(entries))
	}
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name     string
		req      func(t *testing.T) *http.Request
		wantCode int
		wantErr  string
	}{
		{
			name: "no video part",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, formPart{field: "title", content: "x"})
			},
			wantCode: http.StatusBadRequest,
			wantErr:  noVideoMessage,
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("{}"))
			},
			wantCode: http.StatusBadRequest,
			wantErr:  noVideoMessage,
		},
		{
			name: "empty video",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, formPart{field: "video", filename: "a.mp4", content: ""})
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "image as video",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, formPart{field: "video", filename: "photo.jpg", content: "jpeg"})
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "photo.jpg is not a video file.",
		},
		{
			name: "too large",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, formPart{field: "video", filename: "a.mp4", content: strings.Repeat("x", 2<<20)})
			},
			wantCode: http.StatusRequestEntityTooLarge,
			wantErr:  tooLargeMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(tt.req(t))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantErr != "" {
				if got := decodeError(t, rec); got != tt.wantErr {
					t.Errorf("error = %q, want %q", got, tt.wantErr)
				}
			}
			if len(env.queue.tasks) != 0 {
				t.Errorf("queued %d tasks, want 0", len(env.queue.tasks))
			}
			entries, _ := os.ReadDir(env.h.uploadDir)
			if len(entries) != 0 {
				t.Errorf("upload dir not cleaned: %d entries", len(entries))
			}
		})
	}
}

func TestUploadQueueFull(t *testing.T) {
	env := newTestEnv(t)
	env.queue.err = pipeline.ErrQueueFull

	rec := env.do(multipartRequest(t, formPart{field: "video", filename: "a.mp4", content: "v"}))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	jobs, err := env.db.ListJobs(context.Background(), database.StatusError)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Error != jobRejectedReason {
		t.Fatalf("rejected jobs = %+v", jobs)
	}
	entries, _ := os.ReadDir(env.h.uploadDir)
	if len(entries) != 0 {
		t.Errorf("staged source not removed: %d entries", len(entries))
	}
}

func TestListVideos(t *testing.T) {
	env := newTestEnv(t)
	ready := env.readyJob(t, "done")
	if _, err := env.db.CreateJob(context.Background(), database.NewJob{Title: "busy", OriginalName: "b.mp4", SourcePath: "/tmp/b"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	tests := []struct {
		query     string
		wantCode  int
		wantCount int
	}{
		{"", http.StatusOK, 1},
		{"?status=ready", http.StatusOK, 1},
		{"?status=processing", http.StatusOK, 1},
		{"?status=error", http.StatusOK, 0},
		{"?status=all", http.StatusOK, 2},
		{"?status=bogus", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, "/api/videos"+tt.query, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var jobs []database.Job
			if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
				t.Fatalf("decode %q: %v", rec.Body.String(), err)
			}
			if jobs == nil {
				t.Fatal("expected a JSON array, got null")
			}
			if len(jobs) != tt.wantCount {
				t.Errorf("got %d jobs, want %d", len(jobs), tt.wantCount)
			}
		})
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/videos", nil))
	if !strings.Contains(rec.Body.String(), ready.ID) {
		t.Errorf("ready job missing from default listing")
	}
	if strings.Contains(rec.Body.String(), "sourcePath") || strings.Contains(rec.Body.String(), "/tmp/done") {
		t.Errorf("listing leaks the source path: %s", rec.Body.String())
	}
}

func TestGetVideo(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.db.CreateJob(context.Background(), database.NewJob{Title: "t", OriginalName: "t.mp4", SourcePath: "/tmp/t"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/videos/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got database.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != job.ID || got.Status != database.StatusProcessing {
		t.Errorf("got %+v", got)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/videos/missing", nil))
	if rec.Code != http.StatusNotFound || decodeError(t, rec) != "Video not found" {
		t.Errorf("missing video: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestGetStream(t *testing.T) {
	env := newTestEnv(t)
	ready := env.readyJob(t, "movie")
	busy, err := env.db.CreateJob(context.Background(), database.NewJob{Title: "b", OriginalName: "b.mp4", SourcePath: "/tmp/b"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/stream/"+ready.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var info StreamInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.MasterPlaylist != "/streams/"+ready.ID+"/master.m3u8" || info.Title != "movie" {
		t.Errorf("info = %+v", info)
	}
	if len(info.Qualities) != 1 || info.Qualities[0].Quality != "720p" {
		t.Errorf("qualities = %+v", info.Qualities)
	}

	for _, id := range []string{busy.ID, "missing"} {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/stream/"+id, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", id, rec.Code)
		}
	}
	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/stream/"+busy.ID, nil))
	if got := decodeError(t, rec); got != "Video not available" {
		t.Errorf("error = %q", got)
	}
}

func TestServeStreams(t *testing.T) {
	env := newTestEnv(t)
	jobDir := filepath.Join(env.h.streamsDir, "job1", "720p")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	jobRoot := filepath.Join(env.h.streamsDir, "job1")
	files := map[string]string{
		filepath.Join(jobRoot, "master.m3u8"):   "#EXTM3U\n",
		filepath.Join(jobRoot, ".master-1.tmp"): "partial",
		filepath.Join(jobDir, "playlist.m3u8"):   "#EXTM3U\n#EXT-X-ENDLIST\n",
		filepath.Join(jobDir, "segment000.ts"):   "segment-data",
		filepath.Join(env.dir, "secret.txt"):     "secret",
	}
	for p, c := range files {
		if err := os.WriteFile(p, []byte(c), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		method   string
		path     string
		wantCode int
		wantType string
		wantBody string
	}{
		{http.MethodGet, "/streams/job1/master.m3u8", http.StatusOK, "application/vnd.apple.mpegurl", "#EXTM3U\n"},
		{http.MethodGet, "/streams/job1/720p/segment000.ts", http.StatusOK, "video/MP2T", "segment-data"},
		{http.MethodHead, "/streams/job1/720p/segment000.ts", http.StatusOK, "video/MP2T", ""},
		{http.MethodGet, "/streams/job1/720p/segment999.ts", http.StatusNotFound, "", ""},
		{http.MethodGet, "/streams/job1/.master-1.tmp", http.StatusNotFound, "", ""},
		{http.MethodGet, "/streams/job1", http.StatusNotFound, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			req.URL.Path = tt.path
			rec := env.do(req)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantType != "" && rec.Header().Get("Content-Type") != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), tt.wantType)
			}
			if tt.wantCode == http.StatusOK && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServeStreamsRejectsTraversal(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(env.dir, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"/../secret.txt", "/..%2fsecret.txt", "/"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.URL.Path = p
		rec := httptest.NewRecorder()
		env.h.ServeStreams(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", p, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/job/master.m3u8", nil)
	rec := httptest.NewRecorder()
	env.h.ServeStreams(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: status = %d, want 405", rec.Code)
	}
}

func TestCleanStreamPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/job/master.m3u8", "job/master.m3u8", true},
		{"/job/../job/720p/playlist.m3u8", "job/720p/playlist.m3u8", true},
		{"/../../etc/passwd", "etc/passwd", true},
		{"/", "", false},
		{"/job/.hidden", "", false},
		{"/.job/master.m3u8", "", false},
	}
	for _, tt := range tests {
		got, ok := cleanStreamPath(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("cleanStreamPath(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"movie.mp4", "movie.mp4"},
		{"my movie (1).mp4", "my_movie__1_.mp4"},
		{"../../etc/passwd", "passwd"},
		{`C:\videos\clip.mov`, "clip.mov"},
		{".hidden.mp4", "hidden.mp4"},
		{"", "upload"},
		{strings.Repeat("a", 200) + ".mp4", strings.Repeat("a", maxStagedNameLen-4) + ".mp4"},
	}
	for _, tt := range tests {
		if got := sanitizeFileName(tt.in); got != tt.want {
			t.Errorf("sanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.readyJob(t, "a")

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != statusHealthy || !health.Ready || health.Jobs["ready"] != 1 {
		t.Errorf("health = %+v", health)
	}

	if rec := env.do(httptest.NewRequest(http.MethodHead, "/livez", nil)); rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("HEAD /livez = %d with %d body bytes", rec.Code, rec.Body.Len())
	}
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d", rec.Code)
	}

	_ = env.db.Close()
	rec = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health after close = %d, want 503", rec.Code)
	}
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after close = %d, want 503", rec.Code)
	}
}
