package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/mobile/backend/pkg/build"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testMonitor(store build.Store) *Monitor {
	m := New(store)
	m.now = func() time.Time { return testNow }
	return m
}

func seed(t *testing.T, store build.Store, b build.Build) {
	t.Helper()
	require.NoError(t, store.Create(b))
}

func TestStatusSnapshotLiveDuration(t *testing.T) {
	store := build.NewMemStore()
	started := testNow.Add(-90 * time.Second)
	seed(t, store, build.Build{
		ID: "b1", ProjectID: "p1", Status: build.StatusBuilding,
		Progress: 50, CreatedAt: testNow.Add(-2 * time.Minute), StartedAt: &started,
	})
	require.NoError(t, store.AppendLog(build.LogEntry{BuildID: "b1", Message: "working"}))

	snap, err := testMonitor(store).StatusSnapshot("b1")
	require.NoError(t, err)

	require.NotNil(t, snap.DurationSeconds)
	assert.InDelta(t, 90, *snap.DurationSeconds, 0.001, "running build duration is measured against now")
	assert.Equal(t, "1m 30s", snap.DurationDisplay)
	assert.Nil(t, snap.Artifact)
	assert.False(t, snap.CanRetry)
	assert.False(t, snap.CanDownload)
	require.Len(t, snap.RecentLogs, 1)
}

func TestStatusSnapshotCompletedBuild(t *testing.T) {
	store := build.NewMemStore()
	started := testNow.Add(-10 * time.Minute)
	completed := started.Add(4 * time.Minute)
	seed(t, store, build.Build{
		ID: "b1", ProjectID: "p1", Status: build.StatusSuccess,
		CreatedAt: started, StartedAt: &started, CompletedAt: &completed,
		ArtifactPath: "/artifacts/app.apk", ArtifactSize: 3 * 1024 * 1024,
	})

	snap, err := testMonitor(store).StatusSnapshot("b1")
	require.NoError(t, err)

	require.NotNil(t, snap.DurationSeconds)
	assert.InDelta(t, 240, *snap.DurationSeconds, 0.001)
	require.NotNil(t, snap.Artifact)
	assert.Equal(t, "3.0 MB", snap.Artifact.SizeDisplay)
	assert.True(t, snap.CanDownload)
}

func TestStatusSnapshotRecentLogsCapped(t *testing.T) {
	store := build.NewMemStore()
	seed(t, store, build.Build{ID: "b1", Status: build.StatusBuilding, CreatedAt: testNow})
	for i := 0; i < 15; i++ {
		require.NoError(t, store.AppendLog(build.LogEntry{BuildID: "b1", Message: "line"}))
	}

	snap, err := testMonitor(store).StatusSnapshot("b1")
	require.NoError(t, err)
	assert.Len(t, snap.RecentLogs, 10)
}

func TestQueuePositions(t *testing.T) {
	store := build.NewMemStore()
	seed(t, store, build.Build{ID: "second", ProjectName: "B", Status: build.StatusPending, CreatedAt: testNow.Add(-time.Minute)})
	seed(t, store, build.Build{ID: "first", ProjectName: "A", Status: build.StatusPending, CreatedAt: testNow.Add(-time.Hour)})
	seed(t, store, build.Build{ID: "busy", Status: build.StatusBuilding, CreatedAt: testNow.Add(-2 * time.Hour)})

	queue, err := testMonitor(store).Queue()
	require.NoError(t, err)
	require.Len(t, queue, 2)

	assert.Equal(t, 1, queue[0].Position)
	assert.Equal(t, "first", queue[0].BuildID)
	assert.Equal(t, "1h 0m", queue[0].WaitTime)
	assert.Equal(t, 2, queue[1].Position)
	assert.Equal(t, "second", queue[1].BuildID)
}

func TestStatsCountsAndRate(t *testing.T) {
	store := build.NewMemStore()
	seed(t, store, build.Build{ID: "s1", Status: build.StatusSuccess, CreatedAt: testNow.Add(-time.Hour)})
	seed(t, store, build.Build{ID: "s2", Status: build.StatusSuccess, CreatedAt: testNow.Add(-2 * time.Hour)})
	seed(t, store, build.Build{ID: "f1", Status: build.StatusFailed, CreatedAt: testNow.Add(-3 * time.Hour)})
	seed(t, store, build.Build{ID: "c1", Status: build.StatusCancelled, CreatedAt: testNow.Add(-4 * time.Hour)})
	seed(t, store, build.Build{ID: "old", Status: build.StatusSuccess, CreatedAt: testNow.Add(-48 * time.Hour)})
	seed(t, store, build.Build{ID: "ancient", Status: build.StatusFailed, CreatedAt: testNow.Add(-10 * 24 * time.Hour)})
	seed(t, store, build.Build{ID: "run", Status: build.StatusBuilding, CreatedAt: testNow.Add(-time.Minute)})
	seed(t, store, build.Build{ID: "wait", Status: build.StatusPending, CreatedAt: testNow.Add(-time.Minute)})

	stats, err := testMonitor(store).Stats()
	require.NoError(t, err)

	assert.Equal(t, 8, stats.TotalBuilds)
	assert.Equal(t, 6, stats.BuildsLast24h)
	assert.Equal(t, 7, stats.BuildsLast7d)
	assert.Equal(t, 1, stats.ActiveBuilds)
	assert.Equal(t, 1, stats.QueueSize)
	// Cancelled builds do not count toward the success rate.
	assert.InDelta(t, 66.66, stats.SuccessRate, 0.1)
	assert.Equal(t, "normal", stats.SystemStatus)
}

func TestSystemStatusThresholds(t *testing.T) {
	tests := []struct {
		name   string
		active int
		queued int
		want   string
	}{
		{"idle when nothing happening", 0, 0, "idle"},
		{"normal under thresholds", 2, 3, "normal"},
		{"high load on many active", 6, 0, "high_load"},
		{"busy on long queue", 0, 11, "busy"},
		{"busy wins over high load", 9, 12, "busy"},
		{"boundary values stay normal", 5, 10, "normal"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, systemStatus(tc.active, tc.queued))
		})
	}
}

func TestForProject(t *testing.T) {
	store := build.NewMemStore()
	seed(t, store, build.Build{ID: "s1", ProjectID: "p1", Status: build.StatusSuccess, CreatedAt: testNow.Add(-time.Hour)})
	seed(t, store, build.Build{ID: "f1", ProjectID: "p1", Status: build.StatusFailed, CreatedAt: testNow.Add(-2 * time.Hour)})
	seed(t, store, build.Build{ID: "f2", ProjectID: "p1", Status: build.StatusFailed, CreatedAt: testNow.Add(-3 * time.Hour)})
	seed(t, store, build.Build{ID: "x1", ProjectID: "p2", Status: build.StatusSuccess, CreatedAt: testNow})

	stats, err := testMonitor(store).ForProject("p1")
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalBuilds)
	assert.Equal(t, 1, stats.StatusBreakdown[build.StatusSuccess])
	assert.Equal(t, 2, stats.StatusBreakdown[build.StatusFailed])
	assert.InDelta(t, 33.33, stats.SuccessRate, 0.1)
	assert.Len(t, stats.RecentBuilds, 3)
}

func TestStaleBuilds(t *testing.T) {
	store := build.NewMemStore()
	staleStart := testNow.Add(-2 * time.Hour)
	freshStart := testNow.Add(-10 * time.Minute)

	seed(t, store, build.Build{ID: "stale", Status: build.StatusBuilding, CreatedAt: staleStart, StartedAt: &staleStart})
	seed(t, store, build.Build{ID: "fresh", Status: build.StatusBuilding, CreatedAt: freshStart, StartedAt: &freshStart})
	seed(t, store, build.Build{ID: "nostart", Status: build.StatusPreparing, CreatedAt: staleStart})
	seed(t, store, build.Build{ID: "done", Status: build.StatusSuccess, CreatedAt: staleStart, StartedAt: &staleStart})

	stale, err := testMonitor(store).StaleBuilds(time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].ID)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "45s", FormatDuration(45))
	assert.Equal(t, "2m 5s", FormatDuration(125))
	assert.Equal(t, "1h 1m", FormatDuration(3660))

	assert.Equal(t, "0 B", FormatFileSize(0))
	assert.Equal(t, "512.0 B", FormatFileSize(512))
	assert.Equal(t, "1.5 KB", FormatFileSize(1536))
	assert.Equal(t, "2.0 GB", FormatFileSize(2*1024*1024*1024))
}
