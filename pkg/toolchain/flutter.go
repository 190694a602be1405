package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/appforge/mobile/backend/pkg/command"
	"github.com/appforge/mobile/backend/pkg/config"
)

// Flutter drives the Flutter SDK: preflight checks, project scaffolding,
// dependency resolution, and APK builds. Every invocation is bounded by its
// own timeout from the configuration; there is no cumulative deadline across
// sub-steps.
type Flutter struct {
	cfg    config.Config
	runner *command.Runner
	exe    string
	logger zerolog.Logger
}

func NewFlutter(cfg config.Config, runner *command.Runner, logger zerolog.Logger) *Flutter {
	return &Flutter{
		cfg:    cfg,
		runner: runner,
		exe:    cfg.FlutterExecutable(),
		logger: logger,
	}
}

// CheckSDK reports whether the Flutter SDK is installed and usable. Bounded
// by the preflight timeout; never blocks indefinitely.
func (f *Flutter) CheckSDK(ctx context.Context) bool {
	res := f.runner.Run(ctx, command.Spec{
		Argv:    []string{f.exe, "doctor", "-v"},
		Timeout: f.cfg.PreflightTimeout,
	})
	if res.ExitCode != 0 {
		f.logger.Error().Str("stderr", res.Stderr).Msg("flutter SDK check failed")
		return false
	}
	return true
}

// CheckAndroidSDK reports whether the Android toolchain behind Flutter is
// usable (licenses accepted, SDK located).
func (f *Flutter) CheckAndroidSDK(ctx context.Context) bool {
	res := f.runner.Run(ctx, command.Spec{
		Argv:    []string{f.exe, "doctor", "--android-licenses"},
		Timeout: f.cfg.PreflightTimeout,
	})
	return res.ExitCode == 0
}

// Version returns the Flutter SDK version line, or empty when unavailable.
func (f *Flutter) Version(ctx context.Context) string {
	return f.versionLine(ctx, "Flutter")
}

// DartVersion returns the bundled Dart version line, or empty when
// unavailable.
func (f *Flutter) DartVersion(ctx context.Context) string {
	return f.versionLine(ctx, "Dart")
}

func (f *Flutter) versionLine(ctx context.Context, marker string) string {
	res := f.runner.Run(ctx, command.Spec{
		Argv:    []string{f.exe, "--version"},
		Timeout: f.cfg.PreflightTimeout,
	})
	if res.ExitCode != 0 {
		return ""
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.Contains(line, marker) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// CreateProject scaffolds a Flutter project in dir, platform files included.
func (f *Flutter) CreateProject(ctx context.Context, dir, name, org, description string) error {
	argv := []string{
		f.exe, "create",
		"--project-name", name,
		"--org", org,
		"--platforms", "android",
	}
	if description != "" {
		argv = append(argv, "--description", description)
	}
	argv = append(argv, ".")

	res := f.runner.Run(ctx, command.Spec{
		Argv:    argv,
		Dir:     dir,
		Env:     f.cfg.Environment(),
		Timeout: f.cfg.PubGetTimeout,
	})
	if res.ExitCode != 0 {
		return fmt.Errorf("flutter create failed: %s", firstError(res))
	}
	return nil
}

// ResolveDependencies runs the clean and dependency-fetch steps, plus
// localization generation when the project carries an l10n.yaml. The first
// failing sub-step short-circuits with its own message.
func (f *Flutter) ResolveDependencies(ctx context.Context, dir string) error {
	clean := f.runner.Run(ctx, command.Spec{
		Argv:    []string{f.exe, "clean"},
		Dir:     dir,
		Env:     f.cfg.Environment(),
		Timeout: f.cfg.CleanTimeout,
	})
	if clean.ExitCode != 0 {
		return fmt.Errorf("flutter clean failed: %s", firstError(clean))
	}

	pubGet := f.runner.Run(ctx, command.Spec{
		Argv:    []string{f.exe, "pub", "get"},
		Dir:     dir,
		Env:     f.cfg.Environment(),
		Timeout: f.cfg.PubGetTimeout,
	})
	if pubGet.ExitCode != 0 {
		return fmt.Errorf("flutter pub get failed: %s", firstError(pubGet))
	}

	if _, err := os.Stat(filepath.Join(dir, "l10n.yaml")); err == nil {
		genL10n := f.runner.Run(ctx, command.Spec{
			Argv:    []string{f.exe, "gen-l10n"},
			Dir:     dir,
			Env:     f.cfg.Environment(),
			Timeout: f.cfg.PubGetTimeout,
		})
		if genL10n.ExitCode != 0 {
			return fmt.Errorf("flutter gen-l10n failed: %s", firstError(genL10n))
		}
	}

	return nil
}

// BuildArtifact resolves dependencies and then builds the APK in the given
// mode. It returns the full tool output in all cases; on success the artifact
// path is located in the known output layouts, which moved between Flutter
// releases.
func (f *Flutter) BuildArtifact(ctx context.Context, dir, mode string) (artifactPath, output string, err error) {
	if err := f.ResolveDependencies(ctx, dir); err != nil {
		return "", err.Error(), err
	}

	modeFlag := "--release"
	switch mode {
	case "debug":
		modeFlag = "--debug"
	case "profile":
		modeFlag = "--profile"
	}

	f.logger.Info().Str("dir", dir).Str("mode", mode).Msg("building APK")
	res := f.runner.Run(ctx, command.Spec{
		Argv:    []string{f.exe, "build", "apk", modeFlag, "--verbose"},
		Dir:     dir,
		Env:     f.cfg.Environment(),
		Timeout: f.cfg.BuildTimeout,
	})

	output = res.Output()
	if res.ExitCode != 0 {
		return "", output, fmt.Errorf("flutter build apk failed with exit code %d", res.ExitCode)
	}

	artifact := f.findArtifact(dir, mode)
	if artifact == "" {
		return "", output, fmt.Errorf("artifact not found after successful build")
	}
	return artifact, output, nil
}

// findArtifact checks the current output layout first, then the layout used
// by older Flutter releases.
func (f *Flutter) findArtifact(dir, mode string) string {
	candidates := []string{
		filepath.Join(dir, "build", "app", "outputs", "flutter-apk", fmt.Sprintf("app-%s.apk", mode)),
		filepath.Join(dir, "build", "app", "outputs", "apk", fmt.Sprintf("app-%s.apk", mode)),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// firstError extracts a short failure description from a command result,
// preferring stderr.
func firstError(res command.Result) string {
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return firstLine(s)
	}
	if s := strings.TrimSpace(res.Stdout); s != "" {
		return firstLine(s)
	}
	return fmt.Sprintf("exit code %d", res.ExitCode)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
