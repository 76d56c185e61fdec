package startup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/profiles"
	"vod-transcoder/internal/workers"

	"github.com/gorilla/mux"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

const (
	defaultMaxUploadSize = 4 << 30
	maxEncodeConcurrency = 4
)

// Config holds all application configuration
type Config struct {
	Port           string
	MetricsPort    string
	MetricsEnabled bool

	StreamsDir  string
	UploadDir   string
	DatabaseDir string
	DatabaseURL string

	FFmpegPath        string
	Profiles          *profiles.Table
	SegmentDuration   time.Duration
	EncodeConcurrency int
	EncodeTimeout     time.Duration
	JobWorkers        int
	JobQueueSize      int
	PosterEnabled     bool

	MaxUploadSize   int64
	UploadTokenHash string
	CORSOrigins     []string

	// SweepInterval 0 disables the orphan sweeper.
	SweepInterval time.Duration
	SweepGrace    time.Duration

	LogStaticFiles  bool
	LogHealthChecks bool
}

// UploadAuthEnabled reports whether uploads require a bearer token.
func (c *Config) UploadAuthEnabled() bool {
	return c.UploadTokenHash != ""
}

// LoadConfig loads and validates configuration from environment variables
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	cfg, err := parseEnv()
	if err != nil {
		return nil, err
	}
	logConfig(cfg)

	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DIRECTORY SETUP")
	logging.Info("------------------------------------------------------------")

	if err := prepareDirectories(cfg); err != nil {
		return nil, err
	}

	logging.Info("")
	logging.Info("  Feature availability:")
	if cfg.DatabaseURL != "" {
		logging.Info("    Metadata store: POSTGRES")
	} else {
		logging.Info("    Metadata store: SQLITE")
	}
	logging.Info("    Posters:        %s", enabledString(cfg.PosterEnabled))
	logging.Info("    Upload auth:    %s", enabledString(cfg.UploadAuthEnabled()))
	logging.Info("    Metrics:        %s", enabledString(cfg.MetricsEnabled))
	logging.Info("    Orphan sweeper: %s", enabledString(cfg.SweepInterval > 0))

	return cfg, nil
}

// parseEnv reads every setting without touching the filesystem.
func parseEnv() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "5000"),
		MetricsPort:     getEnv("METRICS_PORT", "9090"),
		MetricsEnabled:  getEnvBool("METRICS_ENABLED", true),
		StreamsDir:      getEnv("STREAMS_DIR", "./streams"),
		UploadDir:       getEnv("UPLOAD_DIR", "./uploads"),
		DatabaseDir:     getEnv("DATABASE_DIR", "./data"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		JobWorkers:      getEnvInt("JOB_WORKERS", 2),
		JobQueueSize:    getEnvInt("JOB_QUEUE_SIZE", 64),
		PosterEnabled:   getEnvBool("POSTER_ENABLED", true),
		UploadTokenHash: strings.TrimSpace(os.Getenv("UPLOAD_TOKEN_HASH")),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "*")),
		LogStaticFiles:  getEnvBool("LOG_STATIC_FILES", false),
		LogHealthChecks: getEnvBool("LOG_HEALTH_CHECKS", true),
	}

	cfg.SegmentDuration = getEnvDuration("SEGMENT_DURATION", profiles.DefaultSegmentDuration*time.Second)
	if cfg.SegmentDuration < time.Second {
		return nil, fmt.Errorf("SEGMENT_DURATION must be at least 1s, got %v", cfg.SegmentDuration)
	}

	cfg.EncodeTimeout = getEnvDuration("ENCODE_TIMEOUT", 30*time.Minute)
	if cfg.EncodeTimeout < 0 {
		return nil, fmt.Errorf("ENCODE_TIMEOUT must not be negative, got %v", cfg.EncodeTimeout)
	}

	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Hour)
	cfg.SweepGrace = getEnvDuration("SWEEP_GRACE", 24*time.Hour)
	if cfg.SweepInterval < 0 || cfg.SweepGrace < time.Minute {
		return nil, fmt.Errorf("SWEEP_INTERVAL must not be negative and SWEEP_GRACE must be at least 1m, got %v and %v",
			cfg.SweepInterval, cfg.SweepGrace)
	}

	cfg.EncodeConcurrency = workers.ForCPU("ENCODE_CONCURRENCY", maxEncodeConcurrency)

	table, err := loadProfiles(os.Getenv("RENDITION_PROFILES"), int(cfg.SegmentDuration/time.Second))
	if err != nil {
		return nil, fmt.Errorf("invalid RENDITION_PROFILES: %w", err)
	}
	cfg.Profiles = table

	size, err := parseSize(getEnv("MAX_UPLOAD_SIZE", ""), defaultMaxUploadSize)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_SIZE: %w", err)
	}
	cfg.MaxUploadSize = size

	if cfg.UploadTokenHash != "" && !strings.HasPrefix(cfg.UploadTokenHash, "$2") {
		return nil, errors.New("UPLOAD_TOKEN_HASH must be a bcrypt hash (generate one with vodctl hash-token)")
	}

	return cfg, nil
}

func loadProfiles(spec string, segmentDuration int) (*profiles.Table, error) {
	if strings.TrimSpace(spec) == "" {
		if segmentDuration == profiles.DefaultSegmentDuration {
			return profiles.Default(), nil
		}
		ladder := profiles.Default().Profiles()
		for i := range ladder {
			ladder[i].SegmentDuration = segmentDuration
		}
		return profiles.NewTable(ladder)
	}
	return profiles.Parse(spec, segmentDuration)
}

func logConfig(cfg *Config) {
	databaseURL := "(unset, using sqlite)"
	if cfg.DatabaseURL != "" {
		databaseURL = "(set)"
	}

	logging.Info("  PORT:                %s", cfg.Port)
	logging.Info("  METRICS_PORT:        %s", cfg.MetricsPort)
	logging.Info("  METRICS_ENABLED:     %v", cfg.MetricsEnabled)
	logging.Info("  STREAMS_DIR:         %s", cfg.StreamsDir)
	logging.Info("  UPLOAD_DIR:          %s", cfg.UploadDir)
	logging.Info("  DATABASE_DIR:        %s", cfg.DatabaseDir)
	logging.Info("  DATABASE_URL:        %s", databaseURL)
	logging.Info("  FFMPEG_PATH:         %s", cfg.FFmpegPath)
	logging.Info("  RENDITION_PROFILES:  %s", cfg.Profiles)
	logging.Info("  SEGMENT_DURATION:    %v", cfg.SegmentDuration)
	logging.Info("  ENCODE_CONCURRENCY:  %d", cfg.EncodeConcurrency)
	logging.Info("  ENCODE_TIMEOUT:      %v", cfg.EncodeTimeout)
	logging.Info("  JOB_WORKERS:         %d", cfg.JobWorkers)
	logging.Info("  JOB_QUEUE_SIZE:      %d", cfg.JobQueueSize)
	logging.Info("  MAX_UPLOAD_SIZE:     %s", formatBytes(cfg.MaxUploadSize))
	logging.Info("  POSTER_ENABLED:      %v", cfg.PosterEnabled)
	logging.Info("  CORS_ORIGINS:        %s", strings.Join(cfg.CORSOrigins, ","))
	logging.Info("  SWEEP_INTERVAL:      %v", cfg.SweepInterval)
	logging.Info("  SWEEP_GRACE:         %v", cfg.SweepGrace)
	logging.Info("  LOG_STATIC_FILES:    %v", cfg.LogStaticFiles)
	logging.Info("  LOG_HEALTH_CHECKS:   %v", cfg.LogHealthChecks)
	logging.Info("  LOG_LEVEL:           %s", logging.GetLevel())
}

func prepareDirectories(cfg *Config) error {
	dirs := []struct {
		name string
		path *string
		skip bool
	}{
		{name: "streams", path: &cfg.StreamsDir},
		{name: "upload", path: &cfg.UploadDir},
		{name: "database", path: &cfg.DatabaseDir, skip: cfg.DatabaseURL != ""},
	}

	for _, d := range dirs {
		abs, err := filepath.Abs(*d.path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s directory path: %w", d.name, err)
		}
		*d.path = abs
		if d.skip {
			continue
		}
		logging.Info("  %s directory (absolute): %s", capitalize(d.name), abs)

		if err := ensureDirectory(abs, d.name); err != nil {
			return fmt.Errorf("%s directory error: %w", d.name, err)
		}

		logging.Debug("  Testing %s directory write access...", d.name)
		if err := testWriteAccess(abs); err != nil {
			return fmt.Errorf("%s directory is not writable: %w", d.name, err)
		}
		logging.Info("  [OK] %s directory is writable", capitalize(d.name))
	}
	return nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func enabledString(enabled bool) string {
	if enabled {
		return "ENABLED"
	}
	return "DISABLED"
}

// LogDatabaseInit logs database initialization
func LogDatabaseInit(backend string, duration time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DATABASE INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  [OK] %s store initialized in %v", backend, duration)
}

// LogTranscoderInit logs the encode ladder and checks that the engine binary runs.
func LogTranscoderInit(cfg *Config) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("TRANSCODER INITIALIZATION")
	logging.Info("------------------------------------------------------------")

	for _, p := range cfg.Profiles.Profiles() {
		logging.Info("  %-6s %-10s video %5dk  audio %3dk  segments %ds",
			p.Label, p.Resolution(), p.VideoBitrate, p.AudioBitrate, p.SegmentDuration)
	}
	logging.Info("  Parallel encodes per job: %d", cfg.EncodeConcurrency)

	if err := checkFFmpeg(cfg.FFmpegPath); err != nil {
		logging.Warn("  FFmpeg check failed: %v", err)
		logging.Warn("  Every job will fail until %s is available", cfg.FFmpegPath)
	} else {
		logging.Info("  [OK] FFmpeg is available")
	}
}

// LogDispatcherInit logs job worker configuration.
func LogDispatcherInit(workerCount, queueSize int) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("JOB DISPATCHER INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Workers:    %d", workerCount)
	logging.Info("  Queue size: %d", queueSize)
}

// LogRecovery logs the outcome of re-enqueueing interrupted jobs.
func LogRecovery(requeued int, err error) {
	if err != nil {
		logging.Error("  Job recovery failed: %v", err)
		return
	}
	if requeued == 0 {
		logging.Info("  [OK] No interrupted jobs to recover")
		return
	}
	logging.Info("  [OK] Re-enqueued %d interrupted job(s)", requeued)
}

// GetRoutes extracts all registered routes from a mux.Router
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return err
		}

		methods, err := route.GetMethods()
		if err != nil {
			// Prefix routes (static streams) carry no methods
			methods = []string{"*"}
		}

		name := route.GetName()

		for _, method := range methods {
			routes = append(routes, RouteInfo{
				Method: method,
				Path:   pathTemplate,
				Name:   name,
			})
		}

		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs all registered HTTP routes dynamically
func LogHTTPRoutes(router *mux.Router, logStaticFiles, logHealthChecks bool) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("HTTP SERVER SETUP")
	logging.Info("------------------------------------------------------------")

	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("error walking routes: %v", err)
		}

		logging.Debug("  Registered routes (%d total):", len(routes))
		logging.Debug("")

		groups := make(map[string][]RouteInfo)
		for _, route := range routes {
			prefix := getRouteGroup(route.Path)
			groups[prefix] = append(groups[prefix], route)
		}

		groupKeys := make([]string, 0, len(groups))
		for k := range groups {
			groupKeys = append(groupKeys, k)
		}
		sort.Strings(groupKeys)

		for _, group := range groupKeys {
			if group != "" {
				logging.Debug("  [%s]", group)
			} else {
				logging.Debug("  [root]")
			}

			for _, route := range groups[group] {
				logging.Debug("    %-6s %s", route.Method, route.Path)
			}
			logging.Debug("")
		}
	}

	logging.Info("  HTTP logging enabled")
	if logStaticFiles {
		logging.Info("    Stream file logging: ON")
	} else {
		logging.Info("    Stream file logging: OFF (set LOG_STATIC_FILES=true to enable)")
	}
	if logHealthChecks {
		logging.Info("    Health check logging: ON")
	} else {
		logging.Info("    Health check logging: OFF (set LOG_HEALTH_CHECKS=true to enable)")
	}
}

// getRouteGroup extracts a group name from a route path
func getRouteGroup(path string) string {
	path = strings.TrimPrefix(path, "/")

	parts := strings.SplitN(path, "/", 2)
	first := parts[0]

	if first == "api" && len(parts) > 1 {
		subParts := strings.SplitN(parts[1], "/", 2)
		return "api/" + subParts[0]
	}

	return first
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted logs successful server start with all endpoint information
func LogServerStarted(config ServerConfig) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SERVER STARTED")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Startup time:    %v", config.StartupDuration)
	logging.Info("")
	logging.Info("  Endpoints:")
	logging.Info("    API:           http://0.0.0.0:%s/api", config.Port)
	logging.Info("    Streams:       http://0.0.0.0:%s/streams", config.Port)
	if config.MetricsEnabled {
		logging.Info("    Metrics:       http://0.0.0.0:%s/metrics", config.MetricsPort)
	} else {
		logging.Info("    Metrics:       DISABLED")
	}
	logging.Info("")
	logging.Info("  Press Ctrl+C to stop the server")
	logging.Info("------------------------------------------------------------")
	logging.Info("")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN INITIATED (received %s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

// Helper functions

func printBanner() {
	banner := `
------------------------------------------------------------
 _    ______  ____     __                                  __
| |  / / __ \/ __ \   / /__________ _____  ______________  / /__  _____
| | / / / / / / / /  / __/ ___/ __ '/ __ \/ ___/ ___/ __ \/ __  / _ \/ ___/
| |/ / /_/ / /_/ /  / /_/ /  / /_/ / / / (__  ) /__/ /_/ / /_/ /  __/ /
|___/\____/_____/   \__/_/   \__,_/_/ /_/____/\___/\____/\__,_/\___/_/

------------------------------------------------------------`
	fmt.Println(banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logging.Info("------------------------------------------------------------")
	logging.Info("SYSTEM INFORMATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		logging.Info("  (Container CPU limit detected)")
	}

	if logging.IsDebugEnabled() {
		logging.Debug("  Goroutines:      %d", runtime.NumGoroutine())

		if wd, err := os.Getwd(); err == nil {
			logging.Debug("  Working dir:     %s", wd)
		}

		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}

	logging.Info("")
}

func ensureDirectory(path, name string) error {
	logging.Debug("  Checking %s directory: %s", name, path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logging.Debug("    Directory does not exist, creating...")
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}

	logging.Debug("    [OK] Directory exists")

	if name == "upload" && logging.IsDebugEnabled() {
		if entries, err := os.ReadDir(path); err == nil {
			logging.Debug("    Staged uploads: %d", len(entries))
		}
	}

	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}

func checkFFmpeg(binary string) error {
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("%s not found in PATH", binary)
	}
	logging.Debug("  FFmpeg path: %s", path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return fmt.Errorf("failed to get ffmpeg version: %w", err)
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		logging.Debug("  FFmpeg version: %s", strings.TrimSpace(lines[0]))
	}

	return nil
}

var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
	{"GB", 1000 * 1000 * 1000}, {"MB", 1000 * 1000}, {"KB", 1000},
	{"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10},
	{"B", 1},
}

// parseSize reads a byte count such as "4GiB", "512M" or "1048576".
func parseSize(value string, defaultValue int64) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultValue, nil
	}

	factor := int64(1)
	number := value
	for _, u := range sizeUnits {
		if strings.HasSuffix(strings.ToUpper(value), strings.ToUpper(u.suffix)) {
			factor = u.factor
			number = strings.TrimSpace(value[:len(value)-len(u.suffix)])
			break
		}
	}

	n, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a size", value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %q", value)
	}
	return n * factor, nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		logging.Warn("Invalid value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvDuration accepts Go durations ("6s", "30m") and plain seconds ("6").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		logging.Warn("Invalid duration for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
