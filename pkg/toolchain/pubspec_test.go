package toolchain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/mobile/backend/pkg/config"
)

const samplePubspec = `name: demo_app
description: A generated application.
publish_to: 'none'
version: 0.1.0+3

environment:
  sdk: '>=3.0.0 <4.0.0'
`

func writePubspec(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pubspec.yaml"), []byte(content), 0o644))
}

func TestPackageName(t *testing.T) {
	dir := t.TempDir()
	writePubspec(t, dir, samplePubspec)

	name, err := PackageName(dir)
	require.NoError(t, err)
	assert.Equal(t, "demo_app", name)
}

func TestPackageNameMissingFile(t *testing.T) {
	_, err := PackageName(t.TempDir())
	assert.Error(t, err)
}

func TestPackageNameMissingField(t *testing.T) {
	dir := t.TempDir()
	writePubspec(t, dir, "description: nameless\n")

	_, err := PackageName(dir)
	assert.Error(t, err)
}

func TestStampVersion(t *testing.T) {
	dir := t.TempDir()
	writePubspec(t, dir, samplePubspec)

	require.NoError(t, StampVersion(dir, "2.5.1", 42))

	data, err := os.ReadFile(filepath.Join(dir, "pubspec.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "version: 2.5.1+42")
	assert.NotContains(t, string(data), "0.1.0+3")
	assert.Contains(t, string(data), "name: demo_app", "other lines are preserved")
}

func TestStampVersionMissingPubspec(t *testing.T) {
	assert.NoError(t, StampVersion(t.TempDir(), "1.0.0", 1))
}

func TestWriteLocalProperties(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		AndroidSDKRoot: "/opt/android-sdk",
		FlutterRoot:    "/opt/flutter",
	}

	require.NoError(t, WriteLocalProperties(dir, cfg, "release", "1.4.0", 7))

	data, err := os.ReadFile(filepath.Join(dir, "android", "local.properties"))
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "sdk.dir=/opt/android-sdk")
	assert.Contains(t, content, "flutter.sdk=/opt/flutter")
	assert.Contains(t, content, "flutter.buildMode=release")
	assert.Contains(t, content, "flutter.versionName=1.4.0")
	assert.Contains(t, content, "flutter.versionCode=7")
}

func TestWriteLocalPropertiesWithoutSDKRoots(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, WriteLocalProperties(dir, config.Config{}, "debug", "0.1.0", 1))

	data, err := os.ReadFile(filepath.Join(dir, "android", "local.properties"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sdk.dir=")
	assert.Contains(t, string(data), "flutter.buildMode=debug")
}
