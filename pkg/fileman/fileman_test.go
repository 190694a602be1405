package fileman

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() *Manager {
	return NewManager(zerolog.Nop())
}

func TestCreateScopedTempDir(t *testing.T) {
	base := t.TempDir()
	m := testManager()

	dir, err := m.CreateScopedTempDir(base, "build_abc")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(dir), "build_abc_"))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Two directories for the same prefix never collide.
	other, err := m.CreateScopedTempDir(base, "build_abc")
	require.NoError(t, err)
	assert.NotEqual(t, dir, other)
}

func TestCleanup(t *testing.T) {
	m := testManager()

	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "f.txt"), []byte("x"), 0o644))

	assert.True(t, m.Cleanup(dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	assert.False(t, m.Cleanup(dir), "second cleanup of the same path reports false")
	assert.False(t, m.Cleanup(""))
}

func TestWriteFiles(t *testing.T) {
	m := testManager()
	dir := t.TempDir()

	err := m.WriteFiles(dir, map[string]string{
		"pubspec.yaml":        "name: app\n",
		"lib/main.dart":       "void main() {}\n",
		"lib/src/widget.dart": "class W {}\n",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "lib", "src", "widget.dart"))
	require.NoError(t, err)
	assert.Equal(t, "class W {}\n", string(data))
}

func TestCopyFile(t *testing.T) {
	m := testManager()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.apk")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	dst := filepath.Join(dir, "out", "dst.apk")
	require.NoError(t, m.CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	assert.Error(t, m.CopyFile(filepath.Join(dir, "missing"), dst))
}

func TestFindFiles(t *testing.T) {
	m := testManager()
	dir := t.TempDir()

	require.NoError(t, m.WriteFiles(dir, map[string]string{
		"a.apk":        "1",
		"deep/b.apk":   "2",
		"deep/c.txt":   "3",
		"deep/d/e.apk": "4",
	}))

	matches, err := m.FindFiles(dir, "*.apk")
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestDirSize(t *testing.T) {
	m := testManager()
	dir := t.TempDir()

	require.NoError(t, m.WriteFiles(dir, map[string]string{
		"a": "12345",
		"b": "67890",
	}))
	assert.Equal(t, int64(10), m.DirSize(dir))
}

func TestIsPathSafe(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"inside", filepath.Join(base, "app.apk"), true},
		{"nested", filepath.Join(base, "sub", "app.apk"), true},
		{"base itself", base, true},
		{"traversal escape", filepath.Join(base, "..", "evil.apk"), false},
		{"traversal inside", filepath.Join(base, "sub", "..", "app.apk"), true},
		{"sibling prefix", base + "-other/app.apk", false},
		{"unrelated", "/etc/passwd", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsPathSafe(tc.path, base))
		})
	}
}
