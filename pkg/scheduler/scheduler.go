package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/appforge/mobile/backend/pkg/build"
	"github.com/appforge/mobile/backend/pkg/config"
	"github.com/appforge/mobile/backend/pkg/monitor"
	"github.com/appforge/mobile/backend/pkg/orchestrator"
)

const staleMessage = "Build process appears to be stuck"

// Scheduler pulls build IDs off the queue and runs them through the
// orchestrator, capping concurrency at the configured limit. It also owns the
// periodic maintenance sweeps.
type Scheduler struct {
	cfg     config.Config
	store   build.Store
	service *orchestrator.Service
	watch   *monitor.Monitor
	queue   *Queue
	logger  zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
	now func() time.Time
}

func New(cfg config.Config, store build.Store, service *orchestrator.Service, watch *monitor.Monitor, queue *Queue, logger zerolog.Logger) *Scheduler {
	limit := cfg.MaxConcurrentBuilds
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		service: service,
		watch:   watch,
		queue:   queue,
		logger:  logger,
		sem:     make(chan struct{}, limit),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes the queue until the context is cancelled, then waits for
// in-flight builds to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Int("max_concurrent", cap(s.sem)).Msg("scheduler started")

	for ctx.Err() == nil {
		buildID, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error().Err(err).Msg("queue dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if buildID == "" {
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			// Put the build back so a restart picks it up.
			if err := s.queue.Enqueue(context.Background(), buildID); err != nil {
				s.logger.Error().Str("build_id", buildID).Err(err).Msg("could not requeue build on shutdown")
			}
			continue
		}

		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.ProcessBuild(ctx, id)
		}(buildID)
	}

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// ProcessBuild runs one queued build to completion. A build that failed to
// start (already processed, unknown ID) is logged and dropped, never retried
// here.
func (s *Scheduler) ProcessBuild(ctx context.Context, buildID string) {
	final, err := s.service.Run(ctx, buildID)
	if err != nil {
		s.logger.Warn().Str("build_id", buildID).Err(err).Msg("build not processed")
		return
	}
	s.logger.Info().
		Str("build_id", final.ID).
		Str("status", string(final.Status)).
		Msg("build processed")
}

// SweepStaleBuilds fails running builds whose orchestration process died
// without recording an outcome. Returns how many builds were marked failed.
// Safe to run repeatedly: the terminal guard makes a second sweep a no-op.
func (s *Scheduler) SweepStaleBuilds(ctx context.Context) (int, error) {
	stale, err := s.watch.StaleBuilds(s.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, b := range stale {
		now := s.now()
		if _, err := s.store.Update(b.ID, func(b *build.Build) error {
			b.ErrorMessage = staleMessage
			b.Finalize(build.StatusFailed, now)
			return nil
		}); err != nil {
			s.logger.Error().Str("build_id", b.ID).Err(err).Msg("could not sweep stale build")
			continue
		}
		if err := s.store.AppendLog(build.LogEntry{
			BuildID:   b.ID,
			Level:     build.LevelError,
			Stage:     "maintenance",
			Message:   staleMessage,
			CreatedAt: now,
		}); err != nil {
			s.logger.Warn().Str("build_id", b.ID).Err(err).Msg("could not log stale sweep")
		}
		s.logger.Warn().Str("build_id", b.ID).Msg("stale build marked failed")
		swept++
	}
	return swept, nil
}

// PurgeOldBuilds deletes terminal builds older than the retention window,
// removing their artifact files first. With keepSuccessful set, only failed
// and cancelled builds are purged. Returns how many builds were deleted.
func (s *Scheduler) PurgeOldBuilds(ctx context.Context, retentionDays int, keepSuccessful bool) (int, error) {
	if retentionDays <= 0 {
		retentionDays = s.cfg.RetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)

	builds, err := s.store.List()
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, b := range builds {
		if !b.Status.Terminal() || !b.CreatedAt.Before(cutoff) {
			continue
		}
		if keepSuccessful && b.Status == build.StatusSuccess {
			continue
		}

		if b.ArtifactPath != "" {
			if err := os.Remove(b.ArtifactPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn().Str("build_id", b.ID).Str("artifact", b.ArtifactPath).Err(err).Msg("could not remove artifact")
			}
		}
		if err := s.store.Delete(b.ID); err != nil {
			s.logger.Error().Str("build_id", b.ID).Err(err).Msg("could not delete build")
			continue
		}
		purged++
	}

	if purged > 0 {
		s.logger.Info().Int("purged", purged).Int("retention_days", retentionDays).Msg("old builds purged")
	}
	return purged, nil
}

// RunMaintenance runs the sweep and purge loops on fixed intervals until the
// context is cancelled.
func (s *Scheduler) RunMaintenance(ctx context.Context) {
	sweep := time.NewTicker(10 * time.Minute)
	purge := time.NewTicker(24 * time.Hour)
	defer sweep.Stop()
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if _, err := s.SweepStaleBuilds(ctx); err != nil {
				s.logger.Error().Err(err).Msg("stale sweep failed")
			}
		case <-purge.C:
			if _, err := s.PurgeOldBuilds(ctx, s.cfg.RetentionDays, false); err != nil {
				s.logger.Error().Err(err).Msg("retention purge failed")
			}
		}
	}
}
