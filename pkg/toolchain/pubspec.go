package toolchain

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/appforge/mobile/backend/pkg/config"
)

var versionLinePattern = regexp.MustCompile(`(?m)^version:.*$`)

type pubspec struct {
	Name string `yaml:"name"`
}

// PackageName reads the package name from the project's pubspec.yaml.
func PackageName(projectDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, "pubspec.yaml"))
	if err != nil {
		return "", fmt.Errorf("read pubspec.yaml: %w", err)
	}
	var spec pubspec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return "", fmt.Errorf("parse pubspec.yaml: %w", err)
	}
	if spec.Name == "" {
		return "", fmt.Errorf("pubspec.yaml has no name field")
	}
	return spec.Name, nil
}

// StampVersion rewrites the version line of pubspec.yaml to
// "<version>+<buildNumber>". Missing pubspec is not an error: generated
// projects may carry their own version.
func StampVersion(projectDir, version string, buildNumber int) error {
	path := filepath.Join(projectDir, "pubspec.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pubspec.yaml: %w", err)
	}

	stamped := versionLinePattern.ReplaceAll(data, []byte(fmt.Sprintf("version: %s+%d", version, buildNumber)))
	if err := os.WriteFile(path, stamped, 0o644); err != nil {
		return fmt.Errorf("write pubspec.yaml: %w", err)
	}
	return nil
}

// WriteLocalProperties writes android/local.properties with the SDK
// locations and version metadata the Gradle build reads.
func WriteLocalProperties(projectDir string, cfg config.Config, buildType, version string, buildNumber int) error {
	androidDir := filepath.Join(projectDir, "android")
	if err := os.MkdirAll(androidDir, 0o755); err != nil {
		return fmt.Errorf("create android directory: %w", err)
	}

	var lines []string
	if cfg.AndroidSDKRoot != "" {
		lines = append(lines, "sdk.dir="+filepath.ToSlash(cfg.AndroidSDKRoot))
	}
	if cfg.FlutterRoot != "" {
		lines = append(lines, "flutter.sdk="+filepath.ToSlash(cfg.FlutterRoot))
	}
	lines = append(lines,
		"flutter.buildMode="+buildType,
		"flutter.versionName="+version,
		fmt.Sprintf("flutter.versionCode=%d", buildNumber),
	)

	content := strings.Join(lines, "\n") + "\n"
	path := filepath.Join(androidDir, "local.properties")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write local.properties: %w", err)
	}
	return nil
}
