package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/appforge/mobile/backend/pkg/auth"
	"github.com/appforge/mobile/backend/pkg/build"
	"github.com/appforge/mobile/backend/pkg/command"
	"github.com/appforge/mobile/backend/pkg/config"
	"github.com/appforge/mobile/backend/pkg/fileman"
	"github.com/appforge/mobile/backend/pkg/monitor"
	"github.com/appforge/mobile/backend/pkg/orchestrator"
	"github.com/appforge/mobile/backend/pkg/publish"
	"github.com/appforge/mobile/backend/pkg/scheduler"
	"github.com/appforge/mobile/backend/pkg/signing"
	"github.com/appforge/mobile/backend/pkg/telemetry"
	"github.com/appforge/mobile/backend/pkg/toolchain"
)

type server struct {
	cfg     config.Config
	store   build.Store
	mem     *build.MemStore
	service *orchestrator.Service
	watch   *monitor.Monitor
	queue   *scheduler.Queue
	logger  zerolog.Logger
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "buildd").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration failed")
	}
	for _, problem := range cfg.Validate() {
		logger.Warn().Msg(problem)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "buildd", logger)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	var store build.Store
	var mem *build.MemStore
	if cfg.DatabaseURL != "" {
		pg, err := build.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres init failed")
		}
		defer pg.Close()
		store = pg
	} else {
		mem = build.NewMemStore()
		store = mem
	}

	queue, err := scheduler.NewQueue(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis init failed")
	}
	defer queue.Close()

	runner := command.NewRunner(logger)
	files := fileman.NewManager(logger)
	flutter := toolchain.NewFlutter(cfg, runner, logger)
	signer := signing.NewSigner(cfg, runner, logger)
	generator := orchestrator.NewHTTPGenerator(cfg.GeneratorURL)

	service := orchestrator.NewService(cfg, store, files, flutter, signer, generator, logger)
	if cfg.PublishEnabled {
		publisher, err := publish.NewSFTPPublisher(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("publisher init failed")
		}
		service.SetPublisher(publisher)
	}

	watch := monitor.New(store)
	sched := scheduler.New(cfg, store, service, watch, queue, logger)
	go sched.Run(ctx)
	go sched.RunMaintenance(ctx)

	srv := &server{
		cfg:     cfg,
		store:   store,
		mem:     mem,
		service: service,
		watch:   watch,
		queue:   queue,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.APIKey))

		r.Post("/builds", srv.handleCreateBuild)
		r.Get("/builds", srv.handleListBuilds)
		r.Route("/builds/{buildID}", func(r chi.Router) {
			r.Get("/", srv.handleGetBuild)
			r.Get("/status", srv.handleStatus)
			r.Get("/logs", srv.handleLogs)
			r.Get("/download", srv.handleDownload)
			r.Post("/retry", srv.handleRetry)
			r.Post("/cancel", srv.handleCancel)
		})
		r.Get("/stats", srv.handleStats)
		r.Get("/queue", srv.handleQueue)
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown failed")
		}
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("build service listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("build service failed")
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

func (s *server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var payload build.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if payload.ProjectID == "" || payload.ProjectName == "" || payload.PackageName == "" || payload.Version == "" {
		respondError(w, http.StatusBadRequest, "project_id, project_name, package_name, and version are required")
		return
	}
	buildType := payload.BuildType
	if buildType == "" {
		buildType = build.TypeRelease
	}
	switch buildType {
	case build.TypeDebug, build.TypeRelease, build.TypeProfile:
	default:
		respondError(w, http.StatusBadRequest, "build_type must be debug, release, or profile")
		return
	}

	// One build per project at a time: queued and running builds both count.
	active, err := s.store.ListByStatus(
		build.StatusPending, build.StatusPreparing, build.StatusGenerating, build.StatusBuilding,
	)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, existing := range active {
		if existing.ProjectID == payload.ProjectID {
			respondError(w, http.StatusConflict,
				fmt.Sprintf("project already has an active build: %s (%s)", existing.ID, existing.Status))
			return
		}
	}

	number, err := s.store.NextBuildNumber(payload.ProjectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	b := build.Build{
		ID:          uuid.NewString(),
		ProjectID:   payload.ProjectID,
		ProjectName: payload.ProjectName,
		PackageName: payload.PackageName,
		BuildNumber: number,
		Version:     payload.Version,
		BuildType:   buildType,
		Status:      build.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Create(b); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.queue.Enqueue(r.Context(), b.ID); err != nil {
		s.logger.Error().Str("build_id", b.ID).Err(err).Msg("enqueue failed")
		respondError(w, http.StatusInternalServerError, "build created but could not be queued")
		return
	}

	respondJSON(w, map[string]any{"build": b}, http.StatusAccepted)
}

func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := s.store.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	projectID := r.URL.Query().Get("project_id")
	status := r.URL.Query().Get("status")
	filtered := make([]build.Build, 0, len(builds))
	for _, b := range builds {
		if projectID != "" && b.ProjectID != projectID {
			continue
		}
		if status != "" && string(b.Status) != status {
			continue
		}
		filtered = append(filtered, b)
	}

	respondJSON(w, map[string]any{"builds": filtered}, http.StatusOK)
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.Get(chi.URLParam(r, "buildID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, map[string]any{"build": b}, http.StatusOK)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.watch.StatusSnapshot(chi.URLParam(r, "buildID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, snap, http.StatusOK)
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")

	if r.URL.Query().Get("follow") != "" && s.mem != nil {
		s.streamLogs(w, r, id)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	logs, err := s.store.Logs(id, limit)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, map[string]any{"logs": logs}, http.StatusOK)
}

func (s *server) streamLogs(w http.ResponseWriter, r *http.Request, id string) {
	ch, err := s.mem.Subscribe(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case entry, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "data: %s\n\n", "[stream closed]")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *server) handleDownload(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.Get(chi.URLParam(r, "buildID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if !b.CanDownload() {
		respondError(w, http.StatusConflict, "build has no downloadable artifact")
		return
	}
	if !fileman.IsPathSafe(b.ArtifactPath, s.cfg.ArtifactDir) {
		respondError(w, http.StatusForbidden, "artifact path outside storage root")
		return
	}
	if _, err := os.Stat(b.ArtifactPath); err != nil {
		respondError(w, http.StatusNotFound, "artifact file missing")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.android.package-archive")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(b.ArtifactPath)))
	http.ServeFile(w, r, b.ArtifactPath)
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	retry, err := s.service.Retry(chi.URLParam(r, "buildID"))
	if err != nil {
		if errors.Is(err, build.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.queue.Enqueue(r.Context(), retry.ID); err != nil {
		s.logger.Error().Str("build_id", retry.ID).Err(err).Msg("enqueue retry failed")
		respondError(w, http.StatusInternalServerError, "retry created but could not be queued")
		return
	}
	respondJSON(w, map[string]any{"build": retry}, http.StatusAccepted)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	b, err := s.service.Cancel(chi.URLParam(r, "buildID"))
	if err != nil {
		if errors.Is(err, build.ErrNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, map[string]any{"build": b}, http.StatusOK)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if projectID := r.URL.Query().Get("project_id"); projectID != "" {
		stats, err := s.watch.ForProject(projectID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, stats, http.StatusOK)
		return
	}

	stats, err := s.watch.Stats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, stats, http.StatusOK)
}

func (s *server) handleQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.watch.Queue()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"queue": queue}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
