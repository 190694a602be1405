package monitor

import (
	"fmt"
	"time"

	"github.com/appforge/mobile/backend/pkg/build"
)

// Monitor derives read-only status, queue, and statistics projections over
// build records. It never mutates anything.
type Monitor struct {
	store build.Store
	now   func() time.Time
}

func New(store build.Store) *Monitor {
	return &Monitor{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Snapshot is the detailed status view for one build.
type Snapshot struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	ProjectName     string          `json:"project_name"`
	PackageName     string          `json:"package_name"`
	Status          build.Status    `json:"status"`
	Progress        int             `json:"progress"`
	Version         string          `json:"version"`
	BuildType       string          `json:"build_type"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	DurationDisplay string          `json:"duration_display,omitempty"`
	Artifact        *ArtifactInfo   `json:"artifact,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RecentLogs      []build.LogEntry `json:"logs"`
	CanRetry        bool            `json:"can_retry"`
	CanDownload     bool            `json:"can_download"`
}

// ArtifactInfo summarizes the build output file.
type ArtifactInfo struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	SizeDisplay string `json:"size_display"`
}

// StatusSnapshot builds the detailed view for one build, including a live
// duration for builds still running.
func (m *Monitor) StatusSnapshot(id string) (Snapshot, error) {
	b, err := m.store.Get(id)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		ID:           b.ID,
		ProjectID:    b.ProjectID,
		ProjectName:  b.ProjectName,
		PackageName:  b.PackageName,
		Status:       b.Status,
		Progress:     b.Progress,
		Version:      b.Version,
		BuildType:    b.BuildType,
		CreatedAt:    b.CreatedAt,
		StartedAt:    b.StartedAt,
		CompletedAt:  b.CompletedAt,
		ErrorMessage: b.ErrorMessage,
		CanRetry:     b.CanRetry(),
		CanDownload:  b.CanDownload(),
	}

	if b.StartedAt != nil {
		end := m.now()
		if b.CompletedAt != nil {
			end = *b.CompletedAt
		}
		seconds := end.Sub(*b.StartedAt).Seconds()
		snap.DurationSeconds = &seconds
		snap.DurationDisplay = FormatDuration(seconds)
	}

	if b.ArtifactPath != "" {
		snap.Artifact = &ArtifactInfo{
			Path:        b.ArtifactPath,
			Size:        b.ArtifactSize,
			SizeDisplay: FormatFileSize(b.ArtifactSize),
		}
	}

	logs, err := m.store.RecentLogs(id, 10)
	if err != nil {
		return Snapshot{}, err
	}
	snap.RecentLogs = logs

	return snap, nil
}

// QueueItem is one pending build with its 1-based queue position.
type QueueItem struct {
	Position    int       `json:"position"`
	BuildID     string    `json:"build_id"`
	ProjectName string    `json:"project_name"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	WaitTime    string    `json:"wait_time"`
}

// Queue lists pending builds oldest first with their positions.
func (m *Monitor) Queue() ([]QueueItem, error) {
	pending, err := m.store.ListByStatus(build.StatusPending)
	if err != nil {
		return nil, err
	}

	queue := make([]QueueItem, 0, len(pending))
	for i, b := range pending {
		queue = append(queue, QueueItem{
			Position:    i + 1,
			BuildID:     b.ID,
			ProjectName: b.ProjectName,
			Version:     b.Version,
			CreatedAt:   b.CreatedAt,
			WaitTime:    FormatDuration(m.now().Sub(b.CreatedAt).Seconds()),
		})
	}
	return queue, nil
}

// SystemStats aggregates pipeline health over rolling windows.
type SystemStats struct {
	TotalBuilds   int     `json:"total_builds"`
	BuildsLast24h int     `json:"builds_last_24h"`
	BuildsLast7d  int     `json:"builds_last_7d"`
	ActiveBuilds  int     `json:"active_builds"`
	QueueSize     int     `json:"queue_size"`
	SuccessRate   float64 `json:"success_rate_24h"`
	SystemStatus  string  `json:"system_status"`
}

// Stats computes system-wide counters and the derived load status.
func (m *Monitor) Stats() (SystemStats, error) {
	builds, err := m.store.List()
	if err != nil {
		return SystemStats{}, err
	}

	now := m.now()
	last24h := now.Add(-24 * time.Hour)
	last7d := now.Add(-7 * 24 * time.Hour)

	stats := SystemStats{TotalBuilds: len(builds)}
	var windowSuccess, windowTerminal int

	for _, b := range builds {
		if b.CreatedAt.After(last24h) {
			stats.BuildsLast24h++
			switch b.Status {
			case build.StatusSuccess:
				windowSuccess++
				windowTerminal++
			case build.StatusFailed:
				windowTerminal++
			}
		}
		if b.CreatedAt.After(last7d) {
			stats.BuildsLast7d++
		}
		if b.Status == build.StatusPending {
			stats.QueueSize++
		}
		if b.Status.Running() {
			stats.ActiveBuilds++
		}
	}

	if windowTerminal > 0 {
		stats.SuccessRate = float64(windowSuccess) / float64(windowTerminal) * 100
	}
	stats.SystemStatus = systemStatus(stats.ActiveBuilds, stats.QueueSize)
	return stats, nil
}

// ProjectStats summarizes build history for one project.
type ProjectStats struct {
	ProjectID       string               `json:"project_id"`
	TotalBuilds     int                  `json:"total_builds"`
	StatusBreakdown map[build.Status]int `json:"status_breakdown"`
	SuccessRate     float64              `json:"success_rate"`
	RecentBuilds    []build.Build        `json:"recent_builds"`
}

// ForProject aggregates per-project counters and the five newest builds.
func (m *Monitor) ForProject(projectID string) (ProjectStats, error) {
	builds, err := m.store.List()
	if err != nil {
		return ProjectStats{}, err
	}

	stats := ProjectStats{ProjectID: projectID, StatusBreakdown: make(map[build.Status]int)}
	var success, terminal int

	for _, b := range builds {
		if b.ProjectID != projectID {
			continue
		}
		stats.TotalBuilds++
		stats.StatusBreakdown[b.Status]++
		switch b.Status {
		case build.StatusSuccess:
			success++
			terminal++
		case build.StatusFailed:
			terminal++
		}
		if len(stats.RecentBuilds) < 5 {
			stats.RecentBuilds = append(stats.RecentBuilds, b)
		}
	}

	if terminal > 0 {
		stats.SuccessRate = float64(success) / float64(terminal) * 100
	}
	return stats, nil
}

// StaleBuilds returns running builds whose started_at is older than the
// threshold: orchestration processes that died without reaching a terminal
// status.
func (m *Monitor) StaleBuilds(olderThan time.Duration) ([]build.Build, error) {
	running, err := m.store.ListByStatus(build.StatusPreparing, build.StatusGenerating, build.StatusBuilding)
	if err != nil {
		return nil, err
	}

	cutoff := m.now().Add(-olderThan)
	var stale []build.Build
	for _, b := range running {
		if b.StartedAt != nil && b.StartedAt.Before(cutoff) {
			stale = append(stale, b)
		}
	}
	return stale, nil
}

// systemStatus derives the load label. Evaluation order matters: a long
// queue reports busy even when the active-build threshold is also exceeded.
func systemStatus(activeBuilds, queueSize int) string {
	switch {
	case activeBuilds == 0 && queueSize == 0:
		return "idle"
	case queueSize > 10:
		return "busy"
	case activeBuilds > 5:
		return "high_load"
	default:
		return "normal"
	}
}

// FormatDuration renders seconds as a compact human-readable duration.
func FormatDuration(seconds float64) string {
	s := int(seconds)
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
}

// FormatFileSize renders bytes with a binary unit suffix.
func FormatFileSize(size int64) string {
	if size <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB"}
	value := float64(size)
	idx := 0
	for value >= 1024 && idx < len(units)-1 {
		value /= 1024
		idx++
	}
	return fmt.Sprintf("%.1f %s", value, units[idx])
}
