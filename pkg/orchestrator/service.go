package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/appforge/mobile/backend/pkg/build"
	"github.com/appforge/mobile/backend/pkg/config"
	"github.com/appforge/mobile/backend/pkg/fileman"
	"github.com/appforge/mobile/backend/pkg/signing"
	"github.com/appforge/mobile/backend/pkg/toolchain"
)

const stageBuild = "build_process"

// Service owns all build mutation: it drives a pending build through the
// pipeline to exactly one terminal status. Errors never escape Run; a caller
// scheduling builds cannot crash because one of them failed.
type Service struct {
	cfg       config.Config
	store     build.Store
	files     *fileman.Manager
	flutter   *toolchain.Flutter
	signer    *signing.Signer
	generator Generator
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(
	cfg config.Config,
	store build.Store,
	files *fileman.Manager,
	flutter *toolchain.Flutter,
	signer *signing.Signer,
	generator Generator,
	logger zerolog.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		files:     files,
		flutter:   flutter,
		signer:    signer,
		generator: generator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher attaches an optional artifact publisher.
func (s *Service) SetPublisher(p Publisher) { s.publisher = p }

// Run processes one pending build to a terminal status. The returned build
// reflects the final state; the error is non-nil only when the build could
// not be processed at all (unknown id, not pending).
func (s *Service) Run(ctx context.Context, buildID string) (build.Build, error) {
	b, err := s.store.Get(buildID)
	if err != nil {
		return build.Build{}, err
	}
	if b.Status != build.StatusPending {
		return b, fmt.Errorf("build %s is not pending: %s", buildID, b.Status)
	}

	s.logger.Info().Str("build_id", b.ID).Str("project", b.ProjectName).Msg("starting build")

	started := s.now()
	b, err = s.store.Update(buildID, func(b *build.Build) error {
		b.Status = build.StatusPreparing
		b.StartedAt = &started
		b.Progress = 5
		return nil
	})
	if err != nil {
		return b, err
	}
	s.log(buildID, build.LevelInfo, "Build process started", nil)

	pipelineErr := s.runPipeline(ctx, b)
	if pipelineErr != nil {
		s.failBuild(buildID, pipelineErr)
	}

	final, err := s.store.Get(buildID)
	if err != nil {
		return b, err
	}
	return final, nil
}

// runPipeline executes the stages inside the running states. Any returned
// error, including recovered panics, becomes a failed terminal status.
func (s *Service) runPipeline(ctx context.Context, b build.Build) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected error: %v", r)
		}
	}()

	if !s.flutter.CheckSDK(ctx) {
		return fmt.Errorf("flutter toolchain not found or not properly configured")
	}

	flutterVersion := s.flutter.Version(ctx)
	dartVersion := s.flutter.DartVersion(ctx)
	if _, uerr := s.store.Update(b.ID, func(b *build.Build) error {
		b.FlutterVersion = flutterVersion
		b.DartVersion = dartVersion
		return nil
	}); uerr != nil {
		return uerr
	}

	buildDir, err := s.files.CreateScopedTempDir(s.cfg.TempDir, "build_"+shortID(b.ID))
	if err != nil {
		return err
	}
	// The directory is removed on every exit path; cleanup is best-effort
	// and never masks the pipeline result.
	defer s.files.Cleanup(buildDir)

	s.log(b.ID, build.LevelInfo, "Creating project structure", nil)
	org, name := splitPackageName(b.PackageName)
	if err := s.flutter.CreateProject(ctx, buildDir, name, org, b.ProjectName); err != nil {
		return err
	}

	if _, err := s.store.Update(b.ID, func(b *build.Build) error {
		b.Status = build.StatusGenerating
		b.Progress = 25
		return nil
	}); err != nil {
		return err
	}
	s.log(b.ID, build.LevelInfo, "Generating application code", nil)

	generated, err := s.generator.Generate(ctx, b.ProjectID)
	if err != nil {
		return fmt.Errorf("code generation failed: %w", err)
	}

	files := filterGeneratedFiles(generated)
	s.log(b.ID, build.LevelInfo, "Writing project files", map[string]any{"count": len(files)})
	if err := s.files.WriteFiles(buildDir, files); err != nil {
		return err
	}
	if err := toolchain.StampVersion(buildDir, b.Version, b.BuildNumber); err != nil {
		return err
	}
	if err := toolchain.WriteLocalProperties(buildDir, s.cfg, b.BuildType, b.Version, b.BuildNumber); err != nil {
		return err
	}

	if _, err := s.store.Update(b.ID, func(b *build.Build) error {
		b.Status = build.StatusBuilding
		b.Progress = 50
		return nil
	}); err != nil {
		return err
	}
	s.log(b.ID, build.LevelInfo, "Running Flutter build", nil)

	artifact, output, buildErr := s.flutter.BuildArtifact(ctx, buildDir, b.BuildType)

	// The full tool output is kept either way; list views only ever read
	// the short error message.
	if _, uerr := s.store.Update(b.ID, func(b *build.Build) error {
		b.BuildOutput = output
		return nil
	}); uerr != nil {
		return uerr
	}

	if buildErr != nil {
		if gradleContext := ExtractGradleContext(output); gradleContext != "" {
			s.log(b.ID, build.LevelError, "Gradle error: "+gradleContext, nil)
		}
		return fmt.Errorf("%s", ExtractErrorMessage(output))
	}

	if _, err := s.store.Update(b.ID, func(b *build.Build) error {
		b.Progress = 80
		return nil
	}); err != nil {
		return err
	}

	if s.cfg.SigningEnabled && b.BuildType == build.TypeRelease {
		s.log(b.ID, build.LevelInfo, "Signing APK", nil)
		signed, err := s.signer.Sign(ctx, artifact, "")
		if err != nil {
			return err
		}
		artifact = signed
	}

	return s.storeArtifact(ctx, b, buildDir, artifact)
}

// storeArtifact copies the built APK into the artifact root under a
// collision-resistant name and finalizes the build as successful.
func (s *Service) storeArtifact(ctx context.Context, b build.Build, buildDir, artifact string) error {
	packageName := b.PackageName
	if name, err := toolchain.PackageName(buildDir); err == nil && name != "" {
		packageName = name
	}

	filename := fmt.Sprintf("%s_%s_%s.apk", packageName, b.Version, s.now().Format("20060102_150405"))
	dest := filepath.Join(s.cfg.ArtifactDir, filename)
	if !fileman.IsPathSafe(dest, s.cfg.ArtifactDir) {
		return fmt.Errorf("artifact path escapes storage root: %s", dest)
	}

	if err := s.files.CopyFile(artifact, dest); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	now := s.now()
	if _, err := s.store.Update(b.ID, func(b *build.Build) error {
		b.ArtifactPath = dest
		b.ArtifactSize = info.Size()
		b.Progress = 100
		b.Finalize(build.StatusSuccess, now)
		return nil
	}); err != nil {
		return err
	}

	s.log(b.ID, build.LevelInfo, "Build completed successfully", map[string]any{
		"artifact": filename,
		"size":     info.Size(),
	})
	s.logger.Info().Str("build_id", b.ID).Str("artifact", dest).Msg("build succeeded")

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, dest, filename); err != nil {
			s.log(b.ID, build.LevelWarning, "Artifact publish failed: "+err.Error(), nil)
		}
	}
	return nil
}

// failBuild records the terminal failed status. A build cancelled while the
// pipeline was running keeps its cancelled status; the terminal guard in the
// store makes the late failure a no-op.
func (s *Service) failBuild(buildID string, cause error) {
	now := s.now()
	_, err := s.store.Update(buildID, func(b *build.Build) error {
		b.ErrorMessage = cause.Error()
		b.Finalize(build.StatusFailed, now)
		return nil
	})
	if err != nil {
		s.logger.Error().Str("build_id", buildID).Err(err).Msg("could not record build failure")
		return
	}
	s.log(buildID, build.LevelError, "Build failed: "+cause.Error(), nil)
	s.logger.Error().Str("build_id", buildID).Err(cause).Msg("build failed")
}

// Cancel marks a running build cancelled. Cancellation is cooperative: the
// in-flight toolchain process is not killed, the terminal status simply wins
// once the pipeline tries to record its own outcome.
func (s *Service) Cancel(buildID string) (build.Build, error) {
	now := s.now()
	b, err := s.store.Update(buildID, func(b *build.Build) error {
		if !b.Status.Running() && b.Status != build.StatusPending {
			return fmt.Errorf("build %s cannot be cancelled: %s", buildID, b.Status)
		}
		b.Finalize(build.StatusCancelled, now)
		return nil
	})
	if err != nil {
		return build.Build{}, err
	}
	s.log(buildID, build.LevelWarning, "Build cancelled by user", nil)
	return b, nil
}

// Retry creates a brand-new pending build from a failed or cancelled one.
// The original row is immutable history and is never resurrected.
func (s *Service) Retry(buildID string) (build.Build, error) {
	original, err := s.store.Get(buildID)
	if err != nil {
		return build.Build{}, err
	}
	if !original.CanRetry() {
		return build.Build{}, fmt.Errorf("can only retry failed or cancelled builds, build is %s", original.Status)
	}

	number, err := s.store.NextBuildNumber(original.ProjectID)
	if err != nil {
		return build.Build{}, err
	}

	retry := build.Build{
		ID:          uuid.NewString(),
		ProjectID:   original.ProjectID,
		ProjectName: original.ProjectName,
		PackageName: original.PackageName,
		BuildNumber: number,
		Version:     original.Version,
		BuildType:   original.BuildType,
		Status:      build.StatusPending,
		CreatedAt:   s.now(),
	}
	if err := s.store.Create(retry); err != nil {
		return build.Build{}, err
	}

	s.log(retry.ID, build.LevelInfo, fmt.Sprintf("Retrying build (original: %s)", original.ID), nil)
	return retry, nil
}

func (s *Service) log(buildID, level, message string, details map[string]any) {
	entry := build.LogEntry{
		BuildID:   buildID,
		Level:     level,
		Stage:     stageBuild,
		Message:   message,
		Details:   details,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendLog(entry); err != nil {
		s.logger.Warn().Str("build_id", buildID).Err(err).Msg("could not persist build log")
	}
}

func splitPackageName(packageName string) (org, name string) {
	parts := strings.Split(packageName, ".")
	if len(parts) < 2 {
		return "com.example", packageName
	}
	return strings.Join(parts[:len(parts)-1], "."), parts[len(parts)-1]
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
