package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/mobile/backend/pkg/build"
	"github.com/appforge/mobile/backend/pkg/config"
	"github.com/appforge/mobile/backend/pkg/monitor"
)

func testScheduler(t *testing.T, store build.Store, cfg config.Config) *Scheduler {
	t.Helper()
	return New(cfg, store, nil, monitor.New(store), nil, zerolog.Nop())
}

func TestSweepStaleBuilds(t *testing.T) {
	store := build.NewMemStore()
	now := time.Now().UTC()
	staleStart := now.Add(-2 * time.Hour)
	freshStart := now.Add(-5 * time.Minute)

	require.NoError(t, store.Create(build.Build{
		ID: "stale", Status: build.StatusBuilding, CreatedAt: staleStart, StartedAt: &staleStart,
	}))
	require.NoError(t, store.Create(build.Build{
		ID: "fresh", Status: build.StatusBuilding, CreatedAt: freshStart, StartedAt: &freshStart,
	}))

	sched := testScheduler(t, store, config.Config{StaleAfter: time.Hour})

	swept, err := sched.SweepStaleBuilds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	b, err := store.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, build.StatusFailed, b.Status)
	assert.Equal(t, "Build process appears to be stuck", b.ErrorMessage)
	require.NotNil(t, b.CompletedAt)
	require.NotNil(t, b.DurationSeconds)

	fresh, err := store.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, build.StatusBuilding, fresh.Status)

	logs, err := store.Logs("stale", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, build.LevelError, logs[0].Level)

	// A second sweep finds nothing: the build is terminal now.
	swept, err = sched.SweepStaleBuilds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestPurgeOldBuilds(t *testing.T) {
	store := build.NewMemStore()
	now := time.Now().UTC()

	artifactDir := t.TempDir()
	artifact := filepath.Join(artifactDir, "old.apk")
	require.NoError(t, os.WriteFile(artifact, []byte("apk"), 0o644))

	require.NoError(t, store.Create(build.Build{
		ID: "old-success", Status: build.StatusSuccess,
		CreatedAt: now.AddDate(0, 0, -45), ArtifactPath: artifact,
	}))
	require.NoError(t, store.Create(build.Build{
		ID: "old-failed", Status: build.StatusFailed, CreatedAt: now.AddDate(0, 0, -45),
	}))
	require.NoError(t, store.Create(build.Build{
		ID: "recent", Status: build.StatusFailed, CreatedAt: now.AddDate(0, 0, -5),
	}))
	require.NoError(t, store.Create(build.Build{
		ID: "old-running", Status: build.StatusBuilding, CreatedAt: now.AddDate(0, 0, -45),
	}))

	sched := testScheduler(t, store, config.Config{RetentionDays: 30})

	purged, err := sched.PurgeOldBuilds(context.Background(), 30, false)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	_, err = store.Get("old-success")
	assert.ErrorIs(t, err, build.ErrNotFound)
	_, err = store.Get("old-failed")
	assert.ErrorIs(t, err, build.ErrNotFound)

	_, err = os.Stat(artifact)
	assert.True(t, os.IsNotExist(err), "purge removes the artifact file")

	// Active and recent builds are never touched.
	_, err = store.Get("recent")
	assert.NoError(t, err)
	_, err = store.Get("old-running")
	assert.NoError(t, err)
}

func TestPurgeKeepsSuccessfulWhenAsked(t *testing.T) {
	store := build.NewMemStore()
	now := time.Now().UTC()

	require.NoError(t, store.Create(build.Build{
		ID: "old-success", Status: build.StatusSuccess, CreatedAt: now.AddDate(0, 0, -45),
	}))
	require.NoError(t, store.Create(build.Build{
		ID: "old-cancelled", Status: build.StatusCancelled, CreatedAt: now.AddDate(0, 0, -45),
	}))

	sched := testScheduler(t, store, config.Config{RetentionDays: 30})

	purged, err := sched.PurgeOldBuilds(context.Background(), 30, true)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = store.Get("old-success")
	assert.NoError(t, err)
	_, err = store.Get("old-cancelled")
	assert.ErrorIs(t, err, build.ErrNotFound)
}

func TestPurgeDefaultsRetentionFromConfig(t *testing.T) {
	store := build.NewMemStore()
	now := time.Now().UTC()
	require.NoError(t, store.Create(build.Build{
		ID: "old", Status: build.StatusFailed, CreatedAt: now.AddDate(0, 0, -45),
	}))

	sched := testScheduler(t, store, config.Config{RetentionDays: 60})

	// days <= 0 falls back to the configured window; 45 days old is inside
	// a 60-day window, so nothing is purged.
	purged, err := sched.PurgeOldBuilds(context.Background(), 0, false)
	require.NoError(t, err)
	assert.Equal(t, 0, purged)
}
