package build

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of a build.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPreparing  Status = "preparing"
	StatusGenerating Status = "generating"
	StatusBuilding   Status = "building"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Builds never leave a
// terminal status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Running reports whether a build in this status is actively being processed.
func (s Status) Running() bool {
	return s == StatusPreparing || s == StatusGenerating || s == StatusBuilding
}

// Build types supported by the toolchain.
const (
	TypeDebug   = "debug"
	TypeRelease = "release"
	TypeProfile = "profile"
)

// ErrTerminal is returned when an update would move a build out of a
// terminal status.
var ErrTerminal = errors.New("build is in a terminal status")

// ErrNotFound is returned when a build id does not exist in the store.
var ErrNotFound = errors.New("build not found")

// Build is one build attempt for one project version. The request layer
// creates builds in pending status only; all further mutation belongs to the
// orchestrator.
type Build struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`
	PackageName string `json:"package_name"`
	BuildNumber int    `json:"build_number"`
	Version     string `json:"version"`
	BuildType   string `json:"build_type"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`

	ArtifactPath   string `json:"artifact_path,omitempty"`
	ArtifactSize   int64  `json:"artifact_size,omitempty"`
	FlutterVersion string `json:"flutter_version,omitempty"`
	DartVersion    string `json:"dart_version,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	BuildOutput  string `json:"-"`
}

// IsComplete reports whether the build reached a terminal status.
func (b *Build) IsComplete() bool { return b.Status.Terminal() }

// IsRunning reports whether the build is actively being processed.
func (b *Build) IsRunning() bool { return b.Status.Running() }

// CanRetry reports whether a new build may be created from this one.
func (b *Build) CanRetry() bool {
	return b.Status == StatusFailed || b.Status == StatusCancelled
}

// CanDownload reports whether the artifact is available for download.
func (b *Build) CanDownload() bool {
	return b.Status == StatusSuccess && b.ArtifactPath != ""
}

// Finalize moves the build into a terminal status, stamping completed_at and
// computing duration exactly once. Duration is only set when started_at is
// known, preserving the invariant that it exists iff both timestamps do.
func (b *Build) Finalize(status Status, now time.Time) {
	b.Status = status
	if b.CompletedAt == nil {
		t := now
		b.CompletedAt = &t
	}
	if b.StartedAt != nil && b.DurationSeconds == nil {
		d := int64(b.CompletedAt.Sub(*b.StartedAt) / time.Second)
		b.DurationSeconds = &d
	}
}

// TailOutput returns the last n characters of the captured build output,
// for summaries that must stay cheap.
func (b *Build) TailOutput(n int) string {
	if len(b.BuildOutput) <= n {
		return b.BuildOutput
	}
	return b.BuildOutput[len(b.BuildOutput)-n:]
}

// Log levels for build log entries.
const (
	LevelDebug    = "debug"
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// LogEntry is an append-only log line belonging to exactly one build.
// Entries are retrievable in creation order.
type LogEntry struct {
	ID        int64          `json:"id"`
	BuildID   string         `json:"build_id"`
	Level     string         `json:"level"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateRequest captures the payload needed to request a new build.
type CreateRequest struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`
	PackageName string `json:"package_name"`
	Version     string `json:"version"`
	BuildType   string `json:"build_type"`
}

// applyUpdate runs fn against the build and enforces that terminal builds
// never regress to a non-terminal status.
func applyUpdate(b *Build, fn func(*Build) error) error {
	wasTerminal := b.Status.Terminal()
	prev := b.Status
	if err := fn(b); err != nil {
		return err
	}
	if wasTerminal && b.Status != prev {
		b.Status = prev
		return ErrTerminal
	}
	return nil
}
