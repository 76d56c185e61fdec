package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vod-transcoder/internal/database"
	"vod-transcoder/internal/filesystem"
	"vod-transcoder/internal/handlers"
	"vod-transcoder/internal/janitor"
	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/media"
	"vod-transcoder/internal/memory"
	"vod-transcoder/internal/metrics"
	"vod-transcoder/internal/middleware"
	"vod-transcoder/internal/pipeline"
	"vod-transcoder/internal/startup"
	"vod-transcoder/internal/transcoder"

	"github.com/gorilla/mux"
)

// Time allowed for in-flight requests and the running jobs' final
// updates after a shutdown signal.
const shutdownTimeout = 30 * time.Second

func main() {
	startTime := time.Now()

	// Before the pipeline starts allocating
	memory.ConfigureFromEnv()

	// Load configuration
	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	metrics.InitializeMetrics(config.Profiles.Labels())
	buildInfo := startup.GetBuildInfo()
	metrics.AppInfo.WithLabelValues(buildInfo.Version, buildInfo.Commit, buildInfo.GoVersion).Set(1)

	filesystem.SetObserver(metrics.NewFilesystemObserver())
	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
		"streams":  config.StreamsDir,
		"uploads":  config.UploadDir,
		"database": config.DatabaseDir,
	}))

	// Initialize database
	dbStart := time.Now()
	store, err := database.Open(context.Background(), database.Options{
		DatabaseURL: config.DatabaseURL,
		DatabaseDir: config.DatabaseDir,
	})
	if err != nil {
		startup.LogFatal("Failed to initialize database: %v", err)
	}
	backend := "sqlite"
	if config.DatabaseURL != "" {
		backend = "postgres"
	}
	startup.LogDatabaseInit(backend, time.Since(dbStart))

	collector := metrics.NewCollector(store, 30*time.Second)
	collector.Start()

	// Initialize transcoder
	startup.LogTranscoderInit(config)
	ffmpeg := transcoder.NewFFmpeg(config.FFmpegPath)
	encoder := transcoder.NewEncoder(ffmpeg, config.EncodeTimeout)

	pipelineConfig := pipeline.Config{
		Store:             store,
		Encoder:           encoder,
		Profiles:          config.Profiles,
		StreamsDir:        config.StreamsDir,
		PublicPrefix:      pipeline.DefaultPublicPrefix,
		EncodeConcurrency: config.EncodeConcurrency,
	}
	if config.PosterEnabled {
		pipelineConfig.Poster = media.NewPosterGenerator(config.FFmpegPath)
	}
	orchestrator, err := pipeline.New(pipelineConfig)
	if err != nil {
		startup.LogFatal("Failed to initialize pipeline: %v", err)
	}

	memMonitor := memory.NewMonitor(memory.DefaultConfig())
	memMonitor.Start()

	dispatcher := pipeline.NewDispatcher(orchestrator, store, pipeline.DispatcherConfig{
		Workers:   config.JobWorkers,
		QueueSize: config.JobQueueSize,
		Admission: memMonitor,
	})
	dispatcher.Start()
	startup.LogDispatcherInit(config.JobWorkers, config.JobQueueSize)

	// Re-queue jobs a previous run left in processing
	go func() {
		requeued, err := dispatcher.Recover(context.Background())
		startup.LogRecovery(requeued, err)
	}()

	sweeper := janitor.New(store, janitor.Config{
		UploadDir:  config.UploadDir,
		StreamsDir: config.StreamsDir,
		Interval:   config.SweepInterval,
		Grace:      config.SweepGrace,
	})
	sweeper.Start()

	// Initialize handlers
	h := handlers.New(store, dispatcher, config)

	// Setup router
	router := setupRouter(h, config)

	// Log routes dynamically
	startup.LogHTTPRoutes(router, config.LogStaticFiles, config.LogHealthChecks)

	handler, err := buildMiddleware(router, config)
	if err != nil {
		startup.LogFatal("Failed to configure middleware: %v", err)
	}

	// Create server. WriteTimeout stays 0; segment writes carry their own
	// per-write deadline.
	srv := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	var metricsSrv *http.Server
	if config.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", h.MetricsHandler())
		metricsSrv = &http.Server{
			Addr:              ":" + config.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Metrics server error: %v", err)
			}
		}()
	}

	// Start graceful shutdown handler
	done := make(chan struct{})
	go func() {
		handleShutdown(srv, metricsSrv, services{
			dispatcher: dispatcher,
			ffmpeg:     ffmpeg,
			collector:  collector,
			memory:     memMonitor,
			sweeper:    sweeper,
			store:      store,
		})
		close(done)
	}()

	// Start server
	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		startup.LogFatal("Server error: %v", err)
	}
	<-done
}

func setupRouter(h *handlers.Handlers, config *startup.Config) *mux.Router {
	r := mux.NewRouter()

	// Health check and version routes
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/livez", h.LivenessCheck).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods(http.MethodGet)
	r.HandleFunc("/version", h.GetVersion).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Uploads require the bearer token when one is configured
	upload := middleware.RequireUploadToken(config.UploadTokenHash)(http.HandlerFunc(h.Upload))
	api.Handle("/upload", upload).Methods(http.MethodPost)

	api.HandleFunc("/videos", h.ListVideos).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}", h.GetVideo).Methods(http.MethodGet)
	api.HandleFunc("/stream/{id}", h.GetStream).Methods(http.MethodGet)

	// Generated playlists, segments and posters
	prefix := strings.TrimSuffix(pipeline.DefaultPublicPrefix, "/")
	r.PathPrefix(prefix + "/").
		Handler(http.StripPrefix(prefix, http.HandlerFunc(h.ServeStreams))).
		Methods(http.MethodGet, http.MethodHead)

	return r
}

// buildMiddleware wraps the router, outermost first: request id, access
// log, metrics, CORS, compression.
func buildMiddleware(router http.Handler, config *startup.Config) (http.Handler, error) {
	cors, err := middleware.CORS(middleware.CORSConfig{AllowedOrigins: config.CORSOrigins})
	if err != nil {
		return nil, err
	}

	handler := middleware.Compression(middleware.DefaultCompressionConfig())(router)
	handler = cors(handler)
	handler = middleware.Metrics(middleware.DefaultMetricsConfig())(handler)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogStaticFiles = config.LogStaticFiles
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	handler = middleware.Logger(loggingConfig)(handler)

	return middleware.RequestID(handler), nil
}

// services are the background components stopped on shutdown.
type services struct {
	dispatcher *pipeline.Dispatcher
	ffmpeg     *transcoder.FFmpeg
	collector  *metrics.Collector
	memory     *memory.Monitor
	sweeper    *janitor.Sweeper
	store      database.Store
}

func handleShutdown(srv, metricsSrv *http.Server, svc services) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	svc.sweeper.Stop()

	startup.LogShutdownStep("Stopping job dispatcher")
	if err := svc.dispatcher.Shutdown(ctx); err != nil {
		logging.Warn("Dispatcher shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Job dispatcher stopped")
	}

	startup.LogShutdownStep("Cleaning up transcoder")
	svc.ffmpeg.Cleanup()
	startup.LogShutdownStepComplete("Transcoder cleanup complete")

	svc.collector.Stop()
	svc.memory.Stop()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		}
	}

	startup.LogShutdownStep("Closing database")
	if err := svc.store.Close(); err != nil {
		logging.Warn("Database close error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Database closed")
	}

	startup.LogShutdownComplete()
}
