package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlutterExecutableFallsBackToPath(t *testing.T) {
	assert.Equal(t, "flutter", Config{}.FlutterExecutable())

	// A configured root without the binary also falls back.
	assert.Equal(t, "flutter", Config{FlutterRoot: t.TempDir()}.FlutterExecutable())
}

func TestEnvironmentExportsSDKRoots(t *testing.T) {
	cfg := Config{
		FlutterRoot:    "/opt/flutter",
		AndroidSDKRoot: "/opt/android-sdk",
		JavaHome:       "/opt/jdk",
	}

	env := cfg.Environment()
	joined := strings.Join(env, "\n")

	assert.Contains(t, joined, "FLUTTER_ROOT=/opt/flutter")
	assert.Contains(t, joined, "ANDROID_SDK_ROOT=/opt/android-sdk")
	assert.Contains(t, joined, "ANDROID_HOME=/opt/android-sdk")
	assert.Contains(t, joined, "JAVA_HOME=/opt/jdk")

	var path string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			path = kv
		}
	}
	require.NotEmpty(t, path)
	assert.Contains(t, path, filepath.Join("/opt/flutter", "bin"))
	assert.Contains(t, path, filepath.Join("/opt/jdk", "bin"))
}

func TestValidateReportsProblems(t *testing.T) {
	cfg := Config{
		FlutterRoot:         filepath.Join(t.TempDir(), "missing"),
		SigningEnabled:      true,
		MaxConcurrentBuilds: 0,
	}

	problems := cfg.Validate()
	joined := strings.Join(problems, "\n")

	assert.Contains(t, joined, "flutter SDK not found")
	assert.Contains(t, joined, "keystore path not configured")
	assert.Contains(t, joined, "keystore password not configured")
	assert.Contains(t, joined, "key alias not configured")
	assert.Contains(t, joined, "max_concurrent_builds")
}

func TestValidateCleanConfig(t *testing.T) {
	cfg := Config{MaxConcurrentBuilds: 3}
	assert.Empty(t, cfg.Validate())
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", "   "))
}
